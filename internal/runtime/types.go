// Package runtime defines the shared vocabulary of the session engine:
// runtime metadata, session modes, the session state machine, exit reasons,
// and the collaborator interfaces the engine consumes.
package runtime

import "fmt"

// StartupBehavior describes when a registered runtime may be started
// without an explicit user request.
type StartupBehavior int

const (
	// StartupManual runtimes only start on an explicit user action.
	StartupManual StartupBehavior = iota
	// StartupExplicit runtimes start when directly selected.
	StartupExplicit
	// StartupImplicit runtimes start the first time their language is
	// encountered in the workspace.
	StartupImplicit
	// StartupImmediate runtimes start as soon as discovery completes.
	StartupImmediate
)

func (b StartupBehavior) String() string {
	switch b {
	case StartupManual:
		return "manual"
	case StartupExplicit:
		return "explicit"
	case StartupImplicit:
		return "implicit"
	case StartupImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("startup(%d)", int(b))
	}
}

// ParseStartupBehavior parses the config-file form of a startup behavior.
func ParseStartupBehavior(s string) (StartupBehavior, error) {
	switch s {
	case "manual", "":
		return StartupManual, nil
	case "explicit":
		return StartupExplicit, nil
	case "implicit":
		return StartupImplicit, nil
	case "immediate":
		return StartupImmediate, nil
	default:
		return StartupManual, fmt.Errorf("unknown startup behavior: %q", s)
	}
}

// SessionMode distinguishes what a session is used for. Console sessions are
// exclusive per language; notebook and background sessions are not.
type SessionMode string

const (
	ModeConsole    SessionMode = "console"
	ModeNotebook   SessionMode = "notebook"
	ModeBackground SessionMode = "background"
)

// Metadata is the immutable descriptor for a discoverable runtime. It is
// registered once per runtime and never mutated afterwards.
type Metadata struct {
	// RuntimeID uniquely identifies the runtime across the process.
	RuntimeID string
	// LanguageID is the language the runtime interprets, e.g. "python".
	LanguageID string
	// LanguageName is the human-readable language name.
	LanguageName string
	// RuntimeName is the human-readable runtime name, e.g. "CPython 3.12".
	RuntimeName string
	// StartupBehavior controls auto-start policy for this runtime.
	StartupBehavior StartupBehavior
	// ExtensionID names the collaborator that registered the runtime.
	ExtensionID string
}

// ExitReason classifies why a session ended.
type ExitReason string

const (
	// ExitError is an abnormal end the transport could attribute.
	ExitError ExitReason = "error"
	// ExitUnknown is an abnormal end with no further information.
	ExitUnknown ExitReason = "unknown"
	// ExitRestart means the session is ending as part of a restart.
	ExitRestart ExitReason = "restart"
	// ExitSwitchRuntime means the session was torn down to make room for
	// another runtime of the same language.
	ExitSwitchRuntime ExitReason = "switchRuntime"
	// ExitForcedQuit means the user force-quit an unresponsive session.
	ExitForcedQuit ExitReason = "forcedQuit"
	// ExitShutdown is a normal, requested shutdown.
	ExitShutdown ExitReason = "shutdown"
)

// Crashed reports whether the reason indicates an unexpected end that the
// crash-restart policy applies to.
func (r ExitReason) Crashed() bool {
	return r == ExitError || r == ExitUnknown
}

// Exit carries the end-of-session signal from the transport.
type Exit struct {
	// Code is the process exit code, when known.
	Code int
	// Reason classifies the exit.
	Reason ExitReason
	// Message is an optional human-readable detail.
	Message string
}
