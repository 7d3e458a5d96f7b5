package runtime

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned from engine operations. All of them are resolved
// at the engine boundary; callers present them contextually.
var (
	// ErrNotFound means the runtime, session, or language is unknown.
	ErrNotFound = errors.New("not found")
	// ErrConflictingSession means the operation would create a second
	// console session for a language that already has one.
	ErrConflictingSession = errors.New("conflicting console session for language")
	// ErrInvalidState means the session's state machine cannot honor the
	// requested operation.
	ErrInvalidState = errors.New("invalid session state for operation")
	// ErrNoSessionManager means a start was requested before any session
	// manager collaborator registered.
	ErrNoSessionManager = errors.New("no session manager registered")
	// ErrUnknownClient means the comm client was never opened or is
	// already closed.
	ErrUnknownClient = errors.New("unknown client")
)

// TimeoutError reports that a session failed to reach an expected state
// within its budget. It is an escalation, not a hard failure: the engine
// resolves it by asking the user, never by force-quitting on its own.
type TimeoutError struct {
	Op        string
	SessionID string
	Budget    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s for session %s", e.Op, e.Budget, e.SessionID)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
