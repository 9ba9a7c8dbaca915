package identity

import (
	"errors"

	"integops/cmd/security/password"
)

// Argon2idHasher adapts security/password to the Directory's Hasher.
// Policy rejections surface as ErrInvalidInput; everything else passes through.
type Argon2idHasher struct {
	cfg password.Config
}

// NewArgon2idHasher builds a hasher from cfg.
func NewArgon2idHasher(cfg password.Config) *Argon2idHasher {
	return &Argon2idHasher{cfg: cfg}
}

// Argon2idHasherFromEnv builds a hasher from the INTEGOPS_PASSWORD_* / INTEGOPS_ARGON2_* env surface.
func Argon2idHasherFromEnv() (*Argon2idHasher, error) {
	cfg, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	return NewArgon2idHasher(cfg), nil
}

// Hash returns the PHC-encoded Argon2id hash of plain.
func (h *Argon2idHasher) Hash(plain string) (string, error) {
	enc, err := h.cfg.Hash(plain)
	if err != nil {
		if password.IsPolicyViolation(err) {
			return "", OpError{Op: "identity.Hash", Kind: ErrInvalidInput, Msg: err.Error()}
		}
		return "", err
	}
	return enc, nil
}

// Verify reports whether plain matches encoded.
func (h *Argon2idHasher) Verify(encoded, plain string) (bool, error) {
	ok, err := h.cfg.Verify(encoded, plain)
	if err != nil {
		if errors.Is(err, password.ErrInvalidHash) {
			return false, errors.New("identity: stored credential is not a valid argon2id hash")
		}
		return false, err
	}
	return ok, nil
}
