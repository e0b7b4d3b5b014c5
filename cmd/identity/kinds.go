package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to wire codes).
var (
	// ErrInvalidCredential reports a credential the provider does not accept.
	ErrInvalidCredential = errors.New("invalid_credential")
	// ErrUnavailable reports the provider itself being unreachable; retryable.
	ErrUnavailable = errors.New("identity_unavailable")
)
