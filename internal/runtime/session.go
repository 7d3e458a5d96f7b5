package runtime

import "context"

// Session is the transport-level handle for one running (or previously
// running) instance of a runtime. Implementations own their process and
// sockets exclusively; the engine only drives them through this interface.
//
// Event delivery: StateChanges, Messages and Exited are owned by the
// session and closed when the session is fully over. Exited fires at most
// once and only for a true end of session; an in-place restart is reported
// on StateChanges as Exited followed by Starting without firing Exited.
type Session interface {
	ID() string
	Metadata() Metadata
	Name() string
	Mode() SessionMode

	// Start brings the session up and returns once it is usable.
	Start(ctx context.Context) error
	// Interrupt asks the interpreter to stop the current execution.
	Interrupt(ctx context.Context) error
	// Restart restarts the session in place, keeping this handle valid.
	Restart(ctx context.Context) error
	// Shutdown requests a graceful end with the given reason.
	Shutdown(ctx context.Context, reason ExitReason) error
	// ForceQuit terminates the session without negotiation.
	ForceQuit(ctx context.Context) error

	// RuntimeState returns the transport's view of the session state.
	RuntimeState() State

	// CreateClient opens a comm channel and returns its id once the
	// backend acknowledged the open.
	CreateClient(ctx context.Context, clientType ClientType, params map[string]any) (string, error)
	// RemoveClient closes and deregisters a comm channel.
	RemoveClient(ctx context.Context, clientID string) error
	// SendClientMessage routes a payload to an open comm channel.
	SendClientMessage(ctx context.Context, clientID, messageID string, payload map[string]any) error

	StateChanges() <-chan State
	Messages() <-chan Message
	Exited() <-chan Exit
}

// ResourceOpener is an optional session capability for opening resources
// (files, URLs) on the backend's behalf. Callers must type-assert rather
// than assume every session can do this.
type ResourceOpener interface {
	OpenResource(ctx context.Context, resource string) (bool, error)
}

// SessionManager is the collaborator that instantiates sessions bound to a
// transport. The engine calls CreateSession exactly once per start and
// treats the returned Session as the sole transport handle thereafter.
type SessionManager interface {
	CreateSession(ctx context.Context, md Metadata, sessionID, sessionName string, mode SessionMode) (Session, error)
}

// TrustProvider exposes the workspace trust gate consumed by auto-start
// policy. OnChange registers a listener and returns a cancel func.
type TrustProvider interface {
	Trusted() bool
	OnChange(fn func(trusted bool)) (cancel func())
}

// Prompter asks the user whether to force-quit an unresponsive session.
// Cancelling ctx dismisses a prompt that is still open; implementations
// must then return promptly with a false answer.
type Prompter interface {
	ConfirmForceQuit(ctx context.Context, sessionName, operation string) (bool, error)
}

// Severity grades user-facing notifications.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// Notifier surfaces crash and timeout situations to the user. These are the
// only error classes that require human judgment; everything else is
// returned to the caller instead.
type Notifier interface {
	Notify(severity Severity, message string)
}
