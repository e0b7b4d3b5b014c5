package dm

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to wire codes).
var (
	// ErrInvalidParticipant reports a bad room derivation input. Non-retryable.
	ErrInvalidParticipant = errors.New("invalid_participant")
	// ErrEmptyMessage reports a rejected append with blank text. Non-retryable.
	ErrEmptyMessage = errors.New("empty_message")
	// ErrNotJoined reports a send or fetch without an active room. Caller bug.
	ErrNotJoined = errors.New("not_joined")
	// ErrAuth reports a failed or timed-out session establishment. Retryable.
	ErrAuth = errors.New("auth_failed")
	// ErrStoreUnavailable reports an append/fetch I/O failure. Retryable.
	ErrStoreUnavailable = errors.New("store_unavailable")
	// ErrChannelDropped reports a lost realtime subscription; it triggers the
	// session reconnect policy rather than surfacing as a hard failure.
	ErrChannelDropped = errors.New("channel_dropped")
	// ErrSessionClosed reports an operation on a closed session.
	ErrSessionClosed = errors.New("session_closed")
)

// OpError is a typed operation error with a stable Op + Kind contract for
// callers and tests. Kind MUST be one of the sentinel kinds above when
// applicable; Msg may include human-readable context but never secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// IsInvalidParticipant reports whether err represents ErrInvalidParticipant.
func IsInvalidParticipant(err error) bool { return errors.Is(err, ErrInvalidParticipant) }

// IsEmptyMessage reports whether err represents ErrEmptyMessage.
func IsEmptyMessage(err error) bool { return errors.Is(err, ErrEmptyMessage) }

// IsNotJoined reports whether err represents ErrNotJoined.
func IsNotJoined(err error) bool { return errors.Is(err, ErrNotJoined) }

// IsAuth reports whether err represents ErrAuth.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsRetryable reports whether err is worth retrying per the reconnect policy.
// Validation errors are excluded: retrying them can only fail the same way.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrChannelDropped)
}
