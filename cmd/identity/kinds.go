package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrInvalidInput       = errors.New("invalid_input")
	ErrNotFound           = errors.New("not_found")
	ErrConflict           = errors.New("conflict")
	ErrUsernameNotFound   = errors.New("username_not_found")
	ErrProtectedRoles     = errors.New("protected_role_configuration")
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrNotActive          = errors.New("not_active")
)
