package runtime

import "fmt"

// State is a session's position in its lifecycle state machine.
type State int

const (
	// StateUninitialized is the state before the first start attempt.
	StateUninitialized State = iota
	// StateStarting means the transport is bringing the session up.
	StateStarting
	// StateReady means the session is up and has not yet run anything.
	StateReady
	// StateIdle means the session is up and waiting for work.
	StateIdle
	// StateBusy means the session is executing.
	StateBusy
	// StateInterrupting means an interrupt was requested and the session
	// has not yet returned to idle.
	StateInterrupting
	// StateOffline means the transport lost liveness but the session may
	// still come back.
	StateOffline
	// StateExiting means a shutdown was requested and the session has not
	// yet exited.
	StateExiting
	// StateExited is terminal for a given run of the session. A restart is
	// modeled as the distinct Exited -> Starting transition.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateInterrupting:
		return "interrupting"
	case StateOffline:
		return "offline"
	case StateExiting:
		return "exiting"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Running reports whether the session is up and responsive.
func (s State) Running() bool {
	return s == StateReady || s == StateIdle || s == StateBusy
}

// Active reports whether the session still counts against the one-console-
// session-per-language invariant.
func (s State) Active() bool {
	return s != StateExited
}

// CanTransition reports whether the state machine permits moving from s to
// next. A hard crash is modeled as a direct jump to Exited from any live
// state, so Exited is reachable from everything but itself.
func (s State) CanTransition(next State) bool {
	if next == StateExited {
		return s != StateExited
	}
	switch s {
	case StateUninitialized:
		return next == StateStarting
	case StateStarting:
		return next == StateReady || next == StateExiting
	case StateReady, StateIdle, StateBusy:
		switch next {
		case StateReady, StateIdle, StateBusy:
			return next != s
		case StateInterrupting, StateOffline, StateExiting:
			return true
		}
		return false
	case StateInterrupting:
		// Busy is permitted because the interpreter keeps reporting
		// execution status until the interrupt actually lands. It does
		// not mean the interrupt resolved.
		return next == StateIdle || next == StateBusy || next == StateExiting
	case StateOffline:
		return next == StateReady || next == StateIdle
	case StateExiting:
		return false
	case StateExited:
		return next == StateStarting
	default:
		return false
	}
}
