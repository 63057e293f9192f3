package auth

import "errors"

var (
	// ErrTokenExpired indicates a structurally valid token past its expiry.
	// Callers surface this distinctly so clients know to attempt a refresh.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid indicates a malformed token or a bad signature.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrTokenKindMismatch indicates a token presented in the wrong
	// verification context (refresh where access is required, or vice versa).
	ErrTokenKindMismatch = errors.New("auth: token kind mismatch")

	// ErrTokenRevoked indicates a refresh token that was invalidated.
	ErrTokenRevoked = errors.New("auth: token revoked")

	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountDisabled    = errors.New("auth: account deactivated")
)
