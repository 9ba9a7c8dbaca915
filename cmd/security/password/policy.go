package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validate checks plain against the policy. Length counts runes, not bytes.
func (c Config) Validate(plain string) error {
	n := utf8.RuneCountInString(plain)
	if n < c.Policy.MinLength {
		return ErrPasswordTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrPasswordTooLong
	}
	if c.Policy.RejectVeryWeak && looksVeryWeak(plain) {
		return ErrWeakPassword
	}
	return nil
}

var trivialPasswords = map[string]struct{}{
	"password":    {},
	"password123": {},
	"123456":      {},
	"12345678":    {},
	"123456789":   {},
	"qwerty":      {},
	"qwerty123":   {},
	"11111111":    {},
	"admin":       {},
	"admin123":    {},
}

// looksVeryWeak is a minimal screen, not a strength estimator.
func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := trivialPasswords[strings.ToLower(s)]; ok {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	if strings.Trim(s, string(first)) == "" {
		return true
	}

	// Short all-digit strings are PIN-like.
	if utf8.RuneCountInString(s) < 12 && strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
		return true
	}
	return false
}
