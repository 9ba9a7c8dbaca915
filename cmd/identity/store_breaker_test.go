package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

// flakyStore fails every FindByID with err.
type flakyStore struct {
	*InMemoryStore
	err   error
	calls int
}

func (s *flakyStore) FindByID(context.Context, string) (Principal, bool, error) {
	s.calls++
	return Principal{}, false, s.err
}

func TestBreakerStore_TripsOnInfrastructureErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inner := &flakyStore{InMemoryStore: NewInMemoryStore(), err: errors.New("connection refused")}
	s := NewBreakerStore(inner, BreakerSettings{ConsecutiveFails: 3, OpenTimeout: time.Minute, Log: discardLogger()})

	for i := 0; i < 3; i++ {
		if _, _, err := s.FindByID(ctx, "x"); err == nil {
			t.Fatalf("expected failure")
		}
	}
	if s.State() != gobreaker.StateOpen.String() {
		t.Fatalf("state = %s, want open", s.State())
	}

	_, _, err := s.FindByID(ctx, "x")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open-state error, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("inner calls = %d, open breaker must not reach the store", inner.calls)
	}
}

func TestBreakerStore_DomainErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewBreakerStore(NewInMemoryStore(), BreakerSettings{ConsecutiveFails: 2, Log: discardLogger()})

	if _, err := s.Save(ctx, Principal{Username: "bob"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.Save(ctx, Principal{Username: "bob"}); !IsUsernameConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
	}
	if s.State() != gobreaker.StateClosed.String() {
		t.Fatalf("state = %s, want closed", s.State())
	}
}

func TestBreakerStore_PassesThrough(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewBreakerStore(NewInMemoryStore(), BreakerSettings{Log: discardLogger()})

	p, err := s.Save(ctx, Principal{Username: "bob"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.FindByUsername(ctx, "bob")
	if err != nil || !ok || got.ID != p.ID {
		t.Fatalf("find by username = %+v, %v, %v", got, ok, err)
	}
	if _, ok, err := s.FindByUsername(ctx, "ghost"); err != nil || ok {
		t.Fatalf("find missing = %v, %v", ok, err)
	}
	if ok, err := s.ExistsByID(ctx, p.ID); err != nil || !ok {
		t.Fatalf("exists by id = %v, %v", ok, err)
	}
	if err := s.SaveAll(ctx, []Principal{{Username: "carol"}}); err != nil {
		t.Fatalf("save all: %v", err)
	}
	page, err := s.FindAll(ctx, PageRequest{})
	if err != nil || page.Total != 2 {
		t.Fatalf("find all = %+v, %v", page, err)
	}
	if err := s.Delete(ctx, p); err != nil {
		t.Fatalf("delete: %v", err)
	}
	roles, err := s.EnsureRoles(ctx, "USER")
	if err != nil || len(roles) != 1 {
		t.Fatalf("ensure roles = %+v, %v", roles, err)
	}
}

func TestBreakerStore_EnsureRolesWithoutCatalog(t *testing.T) {
	t.Parallel()

	s := NewBreakerStore(storeOnly{NewInMemoryStore()}, BreakerSettings{Log: discardLogger()})
	if _, err := s.EnsureRoles(context.Background(), "USER"); err == nil {
		t.Fatalf("expected error when inner store has no role catalog")
	}
}

// storeOnly hides the RoleStore methods of the embedded store.
type storeOnly struct{ Store }
