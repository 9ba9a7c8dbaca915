package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
)

var (
	roleR1 = Role{ID: "01HROLE0000000000000000001", Name: "R1"}
	roleR2 = Role{ID: "01HROLE0000000000000000002", Name: "R2"}
	roleR3 = Role{ID: "01HROLE0000000000000000003", Name: "R3"}
)

// shaHasher is a deterministic Hasher so tests can assert stored == hash(plain).
type shaHasher struct{}

func (shaHasher) Hash(plain string) (string, error) {
	sum := sha256.Sum256([]byte(plain))
	return "sha256$" + hex.EncodeToString(sum[:]), nil
}

func (h shaHasher) Verify(encoded, plain string) (bool, error) {
	if !strings.HasPrefix(encoded, "sha256$") {
		return false, errors.New("bad encoding")
	}
	want, _ := h.Hash(plain)
	return encoded == want, nil
}

func mustHash(t *testing.T, plain string) string {
	t.Helper()
	h, err := shaHasher{}.Hash(plain)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return h
}

// countingStore wraps InMemoryStore and counts username lookups, so tests can
// tell cache hits from store reads.
type countingStore struct {
	*InMemoryStore
	byUsername atomic.Int64
}

func (s *countingStore) FindByUsername(ctx context.Context, username string) (Principal, bool, error) {
	s.byUsername.Add(1)
	return s.InMemoryStore.FindByUsername(ctx, username)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDirectory(t *testing.T, opts ...DirectoryOption) (*Directory, *countingStore) {
	t.Helper()

	st := &countingStore{InMemoryStore: NewInMemoryStore()}
	opts = append([]DirectoryOption{WithLogger(discardLogger())}, opts...)

	d, err := NewDirectory(st, shaHasher{}, opts...)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	return d, st
}

func mustCreate(t *testing.T, d *Directory, username, pw string, roles ...Role) Principal {
	t.Helper()

	p, err := d.Create(context.Background(), Principal{Username: username, Password: pw}, roles...)
	if err != nil {
		t.Fatalf("create %q: %v", username, err)
	}
	return p
}

func roleNames(s RoleSet) []string {
	out := make([]string, 0, s.Len())
	for _, r := range s.Slice() {
		out = append(out, r.Name)
	}
	return out
}
