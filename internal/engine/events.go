package engine

import (
	"fmt"

	"github.com/cmejia91/kernelhub/internal/runtime"
)

// EventKind discriminates the SessionEvent tagged union.
type EventKind int

const (
	// EventRegistered announces new runtime metadata. It is the only
	// event not attributed to a session, so it carries no clock.
	EventRegistered EventKind = iota
	// EventWillStart fires before a session becomes visible as Starting,
	// including before the restart of an exited session.
	EventWillStart
	// EventDidStart fires once the transport-level start succeeded.
	EventDidStart
	// EventFailedStart fires when a start attempt failed; Err carries the
	// original reason.
	EventFailedStart
	// EventStateChanged reports a state machine transition.
	EventStateChanged
	// EventMessageReceived forwards runtime messages not claimed by any
	// comm handler.
	EventMessageReceived
	// EventReconnected fires when an offline session came back.
	EventReconnected
	// EventEndedSession is the final event of a session run.
	EventEndedSession
)

func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "registered"
	case EventWillStart:
		return "willStart"
	case EventDidStart:
		return "didStart"
	case EventFailedStart:
		return "failedStart"
	case EventStateChanged:
		return "stateChanged"
	case EventMessageReceived:
		return "messageReceived"
	case EventReconnected:
		return "reconnected"
	case EventEndedSession:
		return "endedSession"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// SessionEvent is the single ordered event stream of the engine. Events
// attributed to a session carry a strictly increasing per-session Clock;
// consumers may treat a non-increasing value as a protocol violation.
type SessionEvent struct {
	Kind      EventKind
	Clock     uint64
	SessionID string
	Metadata  runtime.Metadata

	// OldState and State are set for EventStateChanged.
	OldState runtime.State
	State    runtime.State

	// Message is set for EventMessageReceived.
	Message *runtime.Message

	// Exit is set for EventEndedSession.
	Exit *runtime.Exit

	// Err is set for EventFailedStart.
	Err error

	// Source names what triggered the event, when known.
	Source string
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind loses events; the per-session clock lets it detect
// the gap.
const subscriberBuffer = 128

// Subscribe returns an ordered event channel and a cancel func. Events for
// any single session are delivered in clock order.
func (e *Engine) Subscribe() (<-chan SessionEvent, func()) {
	e.busMu.Lock()
	defer e.busMu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan SessionEvent, subscriberBuffer)
	e.subs[id] = ch

	return ch, func() {
		e.busMu.Lock()
		defer e.busMu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
}

// publish stamps the event with the session's clock and fans it out. The
// bus lock serializes publication, which is what makes the per-session
// clock strictly increasing and the delivery order identical for every
// subscriber.
func (e *Engine) publish(rec *sessionRecord, ev SessionEvent) {
	e.busMu.Lock()
	defer e.busMu.Unlock()

	if rec != nil {
		rec.clock++
		ev.Clock = rec.clock
		ev.SessionID = rec.sessionID
		ev.Metadata = rec.md
	}

	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.logger.Warn("dropping event for slow subscriber",
				"subscriber", id,
				"kind", ev.Kind.String(),
				"session_id", ev.SessionID,
				"clock", ev.Clock,
			)
		}
	}
}
