package identity

import (
	"context"
	"testing"

	"integops/cmd/security/password"
)

func cheapArgon2id() *Argon2idHasher {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return NewArgon2idHasher(cfg)
}

func TestArgon2idHasher_RoundTrip(t *testing.T) {
	t.Parallel()

	h := cheapArgon2id()

	enc, err := h.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if enc == "correct horse battery staple" {
		t.Fatalf("hash returned plaintext")
	}

	ok, err := h.Verify(enc, "correct horse battery staple")
	if err != nil || !ok {
		t.Fatalf("verify = %v, %v", ok, err)
	}
	ok, err = h.Verify(enc, "wrong horse battery staple")
	if err != nil || ok {
		t.Fatalf("verify wrong = %v, %v", ok, err)
	}
}

func TestArgon2idHasher_PolicyIsInvalidInput(t *testing.T) {
	t.Parallel()

	if _, err := cheapArgon2id().Hash("short"); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestArgon2idHasher_CorruptStoredCredential(t *testing.T) {
	t.Parallel()

	ok, err := cheapArgon2id().Verify("not-a-phc-string", "whatever-password")
	if err == nil || ok {
		t.Fatalf("verify corrupt = %v, %v", ok, err)
	}
}

func TestArgon2idHasher_WithDirectory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, err := NewDirectory(NewInMemoryStore(), cheapArgon2id(), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	if _, err := d.Create(ctx, Principal{Username: "alice", Password: "a reasonable passphrase"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := d.Authenticate(ctx, "alice", "a reasonable passphrase"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := d.Authenticate(ctx, "alice", "another passphrase"); !IsInvalidCredentials(err) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}
