package password

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls Argon2id cost. MemoryKiB is in KiB as argon2.IDKey expects.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds acceptable plaintexts.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns interactive-login defaults.
func DefaultConfig() Config {
	// Parallelism follows the CPU count, clamped to [1..4] for predictable container usage.
	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength: 8,
			MaxLength: 256,
		},
	}
}

// Env surface.
const (
	EnvMinLen         = "INTEGOPS_PASSWORD_MIN_LEN"
	EnvMaxLen         = "INTEGOPS_PASSWORD_MAX_LEN"
	EnvRejectVeryWeak = "INTEGOPS_PASSWORD_REJECT_VERY_WEAK"
	EnvMemoryKiB      = "INTEGOPS_ARGON2_MEMORY_KIB"
	EnvIterations     = "INTEGOPS_ARGON2_ITERATIONS"
	EnvParallelism    = "INTEGOPS_ARGON2_PARALLELISM"
	EnvSaltLen        = "INTEGOPS_ARGON2_SALT_LEN"
	EnvKeyLen         = "INTEGOPS_ARGON2_KEY_LEN"
)

// FromEnv overlays environment overrides on DefaultConfig.
// Unlike the app's lenient env helpers, a malformed value here is an error:
// silently falling back to a different hashing cost is not acceptable.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	uints := []struct {
		key      string
		min, max uint64
		set      func(uint64)
	}{
		{EnvMinLen, 1, 1024, func(v uint64) { cfg.Policy.MinLength = int(v) }},
		{EnvMaxLen, 1, 4096, func(v uint64) { cfg.Policy.MaxLength = int(v) }},
		{EnvMemoryKiB, 8 * 1024, 1024 * 1024, func(v uint64) { cfg.Params.MemoryKiB = uint32(v) }},
		{EnvIterations, 1, 20, func(v uint64) { cfg.Params.Iterations = uint32(v) }},
		{EnvParallelism, 1, math.MaxUint8, func(v uint64) { cfg.Params.Parallelism = uint8(v) }},
		{EnvSaltLen, 8, 64, func(v uint64) { cfg.Params.SaltLength = uint32(v) }},
		{EnvKeyLen, 16, 64, func(v uint64) { cfg.Params.KeyLength = uint32(v) }},
	}
	for _, u := range uints {
		raw, ok := os.LookupEnv(u.key)
		if !ok {
			continue
		}
		v, err := parseRange(raw, u.min, u.max)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", u.key, err)
		}
		u.set(v)
	}

	if raw, ok := os.LookupEnv(EnvRejectVeryWeak); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("%s: invalid boolean", EnvRejectVeryWeak)
		}
		cfg.Policy.RejectVeryWeak = b
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf("password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength, cfg.Policy.MaxLength)
	}
	return cfg, nil
}

func parseRange(raw string, minVal, maxVal uint64) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	if v < minVal || v > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return v, nil
}
