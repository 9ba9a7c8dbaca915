package identity

import "testing"

func TestPrincipalCache_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	c, err := NewPrincipalCache(0)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	p := Principal{ID: "1", Username: "bob", Roles: NewRoleSet(roleR1)}
	if !c.PutIfCurrent(c.Generation(), p) {
		t.Fatalf("put rejected at current generation")
	}

	got, ok := c.Get("bob")
	if !ok {
		t.Fatalf("expected hit")
	}
	got.Roles.Add(roleR2)

	again, _ := c.Get("bob")
	if again.Roles.Has(roleR2) {
		t.Fatalf("mutation of returned value leaked into cache")
	}
}

func TestPrincipalCache_StaleGenerationRejected(t *testing.T) {
	t.Parallel()

	c, err := NewPrincipalCache(16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	gen := c.Generation()
	c.Invalidate("bob")

	if c.PutIfCurrent(gen, Principal{Username: "bob"}) {
		t.Fatalf("put after invalidation should be rejected")
	}
	if _, ok := c.Get("bob"); ok {
		t.Fatalf("stale entry installed")
	}
}

func TestPrincipalCache_InvalidateAndPurge(t *testing.T) {
	t.Parallel()

	c, err := NewPrincipalCache(16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	for _, u := range []string{"a", "b", "c"} {
		c.PutIfCurrent(c.Generation(), Principal{Username: u})
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}

	c.Invalidate("a", "", "missing")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("a should be invalidated")
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}

	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("len after purge = %d", c.Len())
	}
}

func TestPrincipalCache_Bounded(t *testing.T) {
	t.Parallel()

	c, err := NewPrincipalCache(2)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	for _, u := range []string{"a", "b", "c"} {
		c.PutIfCurrent(c.Generation(), Principal{Username: u})
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("least recently used entry should be evicted")
	}
}
