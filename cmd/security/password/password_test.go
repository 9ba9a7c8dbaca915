package password

import (
	"errors"
	"strings"
	"testing"
)

// cheapConfig keeps argon2 fast in tests; the encoding and policy paths are the same.
func cheapConfig() Config {
	cfg := DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func TestHashAndVerify_OK(t *testing.T) {
	t.Parallel()

	cfg := cheapConfig()

	h, err := cfg.Hash("this is a strong password 123!")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.HasPrefix(h, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected encoding: %q", h)
	}

	ok, err := cfg.Verify(h, "this is a strong password 123!")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !ok {
		t.Fatalf("expected match")
	}
}

func TestHash_Salted(t *testing.T) {
	t.Parallel()

	cfg := cheapConfig()

	a, err := cfg.Hash("same password twice")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	b, err := cfg.Hash("same password twice")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct salts to produce distinct encodings")
	}
}

func TestVerify_WrongPassword(t *testing.T) {
	t.Parallel()

	cfg := cheapConfig()

	h, err := cfg.Hash("this is a strong password 123!")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	ok, err := cfg.Verify(h, "wrong password")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch")
	}
}

func TestVerify_InvalidHash(t *testing.T) {
	t.Parallel()

	cfg := cheapConfig()

	cases := []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$a2V5a2V5a2V5a2V5a2V5a2V5",
	}
	for _, enc := range cases {
		if _, err := cfg.Verify(enc, "whatever"); !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("Verify(%q) err=%v want ErrInvalidHash", enc, err)
		}
	}
}

func TestVerify_RefusesExcessiveCost(t *testing.T) {
	t.Parallel()

	cfg := cheapConfig()
	enc := "$argon2id$v=19$m=1048576,t=1,p=1$c2FsdHNhbHRzYWx0$a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2V5"

	if _, err := cfg.Verify(enc, "whatever"); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}
}

func TestNeedsRehash(t *testing.T) {
	t.Parallel()

	cfg := cheapConfig()
	h, err := cfg.Hash("rehash me please")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if cfg.NeedsRehash(h) {
		t.Fatalf("fresh hash should not need rehash")
	}

	stronger := cfg
	stronger.Params.Iterations = 2
	if !stronger.NeedsRehash(h) {
		t.Fatalf("expected rehash after cost change")
	}
	if !cfg.NeedsRehash("garbage") {
		t.Fatalf("garbage must need rehash")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := cheapConfig()
	cfg.Policy.RejectVeryWeak = true

	cases := []struct {
		in   string
		want error
	}{
		{in: "short", want: ErrPasswordTooShort},
		{in: strings.Repeat("x", 300), want: ErrPasswordTooLong},
		{in: "aaaaaaaaaa", want: ErrWeakPassword},
		{in: "password123", want: ErrWeakPassword},
		{in: "12345678901", want: ErrWeakPassword},
		{in: "correct horse battery", want: nil},
		{in: "ñandú-ñandú", want: nil},
	}
	for _, tc := range cases {
		if got := cfg.Validate(tc.in); !errors.Is(got, tc.want) {
			t.Fatalf("Validate(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestIsPolicyViolation(t *testing.T) {
	t.Parallel()

	if !IsPolicyViolation(ErrPasswordTooShort) || !IsPolicyViolation(ErrWeakPassword) {
		t.Fatalf("expected policy violations")
	}
	if IsPolicyViolation(ErrInvalidHash) {
		t.Fatalf("invalid hash is not a policy violation")
	}
}
