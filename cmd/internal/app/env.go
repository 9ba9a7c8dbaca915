package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookupEnv returns the trimmed value of key and whether it is non-empty.
func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// envParse reads key through parse, falling back to def when the variable is
// unset, unparsable or rejected by parse.
func envParse[T any](key string, def T, parse func(string) (T, bool)) T {
	raw, ok := lookupEnv(key)
	if !ok {
		return def
	}
	v, ok := parse(raw)
	if !ok {
		return def
	}
	return v
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	return envParse(key, def, func(s string) (string, bool) { return s, true })
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	return envParse(key, def, func(s string) (bool, bool) {
		b, err := strconv.ParseBool(s)
		return b, err == nil
	})
}

// EnvInt reads a positive int env var with a default.
func EnvInt(key string, def int) int {
	return envParse(key, def, func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil && n > 0
	})
}

// EnvInt32 reads a non-negative int32 env var with a default.
func EnvInt32(key string, def int32) int32 {
	return envParse(key, def, func(s string) (int32, bool) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err == nil && n >= 0
	})
}

// EnvDuration reads a positive duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	return envParse(key, def, func(s string) (time.Duration, bool) {
		d, err := time.ParseDuration(s)
		return d, err == nil && d > 0
	})
}

// EnvCSV reads a comma-separated list, dropping blank items.
func EnvCSV(key string, def []string) []string {
	return envParse(key, def, func(s string) ([]string, bool) {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, len(out) > 0
	})
}
