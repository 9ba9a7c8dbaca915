package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const phcVersion = argon2.Version // 19

var b64 = base64.RawStdEncoding

// phc is a decoded Argon2id PHC string.
type phc struct {
	params Argon2idParams
	salt   []byte
	key    []byte
}

func (h phc) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		phcVersion,
		h.params.MemoryKiB,
		h.params.Iterations,
		h.params.Parallelism,
		b64.EncodeToString(h.salt),
		b64.EncodeToString(h.key),
	)
}

func parsePHC(encoded string) (phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return phc{}, ErrInvalidHash
	}
	if parts[2] != fmt.Sprintf("v=%d", phcVersion) {
		return phc{}, ErrInvalidHash
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return phc{}, ErrInvalidHash
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return phc{}, ErrInvalidHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return phc{}, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return phc{}, ErrInvalidHash
	}

	return phc{
		params: Argon2idParams{
			MemoryKiB:   mem,
			Iterations:  it,
			Parallelism: uint8(par),
			SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded by the encoded string.
			KeyLength:   uint32(len(key)),  // #nosec G115 -- bounded by the encoded string.
		},
		salt: salt,
		key:  key,
	}, nil
}

// Hash validates plain against the policy and returns its PHC-encoded Argon2id hash.
func (c Config) Hash(plain string) (string, error) {
	if err := c.Validate(plain); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	h := phc{
		params: c.Params,
		salt:   salt,
		key:    derive(plain, salt, c.Params, c.Params.KeyLength),
	}
	return h.String(), nil
}

// Verify reports whether plain matches encoded.
// Malformed hashes, or hashes whose cost exceeds twice the configured cost,
// return ErrInvalidHash.
func (c Config) Verify(encoded, plain string) (bool, error) {
	h, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	if !withinBounds(h.params, c.Params) {
		return false, ErrInvalidHash
	}

	got := derive(plain, h.salt, h.params, h.params.KeyLength)
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}

// NeedsRehash reports whether encoded was produced with parameters other than c.Params.
func (c Config) NeedsRehash(encoded string) bool {
	h, err := parsePHC(encoded)
	if err != nil {
		return true
	}
	p := h.params
	return p.MemoryKiB != c.Params.MemoryKiB ||
		p.Iterations != c.Params.Iterations ||
		p.Parallelism != c.Params.Parallelism ||
		p.KeyLength != c.Params.KeyLength
}

func derive(plain string, salt []byte, p Argon2idParams, keyLen uint32) []byte {
	return argon2.IDKey([]byte(plain), salt, p.Iterations, p.MemoryKiB, p.Parallelism, keyLen)
}

func withinBounds(got, limits Argon2idParams) bool {
	switch {
	case got.MemoryKiB > limits.MemoryKiB*2:
		return false
	case got.Iterations > limits.Iterations*2:
		return false
	case uint32(got.Parallelism) > uint32(limits.Parallelism)*2:
		return false
	case got.SaltLength < 8 || got.SaltLength > 64:
		return false
	case got.KeyLength < 16 || got.KeyLength > 128:
		return false
	}
	return true
}
