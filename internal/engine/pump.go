package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cmejia91/kernelhub/internal/runtime"
)

// pump is the single consumer of one session's transport events. It drives
// the engine's state machine, routes comm messages, and handles the end of
// the session. One pump per session run; it exits when the transport
// closes its channels or the engine shuts down.
func (e *Engine) pump(rec *sessionRecord) {
	defer e.wg.Done()

	rec.mu.Lock()
	sess := rec.session
	rec.mu.Unlock()

	states := sess.StateChanges()
	messages := sess.Messages()
	exited := sess.Exited()

	for states != nil || messages != nil || exited != nil {
		select {
		case <-rec.pumpCtx.Done():
			return

		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			e.handleStateChange(rec, s)

		case m, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			e.routeMessage(rec, sess, m)

		case ex, ok := <-exited:
			if !ok {
				exited = nil
				continue
			}
			e.handleExit(rec, ex)
			return
		}
	}
}

// handleStateChange applies a transport-reported transition. Transitions
// the machine does not permit are logged as protocol violations but still
// applied: the transport's view of its own process wins over ours.
func (e *Engine) handleStateChange(rec *sessionRecord, next runtime.State) {
	old := rec.currentState()
	if next == old {
		return
	}
	if !old.CanTransition(next) {
		e.logger.Warn("state transition outside the machine",
			"session_id", rec.sessionID,
			"from", old.String(),
			"to", next.String(),
		)
	}

	// The restart edge: the will-start notification goes out only after
	// the exited observers have had their event, which channel ordering
	// guarantees here, and before the new Starting state is visible.
	if old == runtime.StateExited && next == runtime.StateStarting {
		e.publish(rec, SessionEvent{Kind: EventWillStart, Source: "restart"})
	}

	e.applyState(rec, next)
}

// applyState moves the record to next, runs transition side effects, and
// publishes the state change.
func (e *Engine) applyState(rec *sessionRecord, next runtime.State) {
	rec.mu.Lock()
	old := rec.state
	if next == old {
		rec.mu.Unlock()
		return
	}
	rec.state = next

	// A transition resolves whatever bounded wait was in flight, and
	// dismisses its prompt if one is still open. The one exception is a
	// busy report while an interrupt is pending: the execution is still
	// running, so the interrupt has not resolved and the watch stays.
	interruptStillPending := old == runtime.StateInterrupting && next == runtime.StateBusy
	if rec.escalateCancel != nil && !interruptStillPending {
		rec.escalateCancel()
		rec.escalateCancel = nil
	}

	openUi := false
	if next == runtime.StateReady {
		rec.restarting = false
		if rec.mode == runtime.ModeConsole && !rec.uiOpened {
			rec.uiOpened = true
			openUi = true
		}
	}
	rec.mu.Unlock()

	cfg := e.cfg()
	switch next {
	case runtime.StateReady:
		if rec.mode == runtime.ModeConsole {
			e.mu.Lock()
			e.foregroundID = rec.sessionID
			e.mu.Unlock()
		}
		if openUi {
			e.wg.Add(1)
			go e.openUiChannel(rec)
		}
	case runtime.StateInterrupting:
		e.startEscalation(rec, "interrupt", cfg.InterruptTimeout)
	case runtime.StateExiting:
		e.startEscalation(rec, "shutdown", cfg.ShutdownTimeout)
	case runtime.StateOffline:
		e.startEscalation(rec, "reconnect", cfg.OfflineTimeout)
	case runtime.StateExited:
		e.comms.CloseSession(rec.sessionID)
		rec.mu.Lock()
		rec.uiOpened = false
		restarting := rec.restarting
		rec.mu.Unlock()
		if !restarting {
			e.dropFromIndexes(rec)
		}
	}

	e.logger.Debug("session state changed",
		"session_id", rec.sessionID,
		"from", old.String(),
		"to", next.String(),
	)
	e.publish(rec, SessionEvent{Kind: EventStateChanged, OldState: old, State: next})

	if old == runtime.StateOffline && (next == runtime.StateReady || next == runtime.StateIdle) {
		e.publish(rec, SessionEvent{Kind: EventReconnected})
	}
}

// routeMessage dispatches a runtime message: comm-scoped kinds go through
// the multiplexer; everything unclaimed is forwarded upward unchanged.
func (e *Engine) routeMessage(rec *sessionRecord, sess runtime.Session, msg runtime.Message) {
	switch msg.Kind {
	case runtime.KindCommOpen:
		if e.comms.HandleCommOpen(sess, msg) {
			return
		}
	case runtime.KindCommData:
		if e.comms.HandleCommData(rec.sessionID, msg) {
			return
		}
		e.logger.Debug("comm data for unknown client",
			"session_id", rec.sessionID,
			"comm_id", msg.CommID,
		)
		return
	case runtime.KindCommClosed:
		e.comms.HandleCommClosed(rec.sessionID, msg)
		return
	}
	m := msg
	e.publish(rec, SessionEvent{Kind: EventMessageReceived, Message: &m})
}

// handleExit processes the true end of a session run: terminal state,
// ended event, index cleanup, and the crash-restart policy.
func (e *Engine) handleExit(rec *sessionRecord, ex runtime.Exit) {
	rec.mu.Lock()
	rec.restarting = false
	rec.mu.Unlock()

	e.applyState(rec, runtime.StateExited)

	exit := ex
	e.publish(rec, SessionEvent{Kind: EventEndedSession, Exit: &exit})
	rec.finish()

	e.logger.Info("session ended",
		"session_id", rec.sessionID,
		"exit_code", ex.Code,
		"reason", string(ex.Reason),
	)

	if !ex.Reason.Crashed() {
		return
	}

	if !e.cfg().RestartOnCrash {
		e.notifier.Notify(runtime.SeverityError,
			fmt.Sprintf("%s exited unexpectedly and was not restarted.", rec.name))
		return
	}

	// Debounce so exited observers settle before the replacement appears.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(e.cfg().RestartDebounce)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-e.rootCtx.Done():
			return
		}
		_, err := e.StartSession(e.rootCtx, rec.md.RuntimeID, rec.name, rec.mode, "crashRestart")
		if err != nil {
			e.notifier.Notify(runtime.SeverityError,
				fmt.Sprintf("%s exited unexpectedly and could not be restarted: %v", rec.name, err))
			return
		}
		e.notifier.Notify(runtime.SeverityWarning,
			fmt.Sprintf("%s exited unexpectedly and was automatically restarted.", rec.name))
	}()
}

func (e *Engine) dropFromIndexes(rec *sessionRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consoleByLang[rec.md.LanguageID] == rec {
		delete(e.consoleByLang, rec.md.LanguageID)
	}
	if e.startingByLang[rec.md.LanguageID] == rec {
		delete(e.startingByLang, rec.md.LanguageID)
	}
	if e.foregroundID == rec.sessionID {
		e.foregroundID = ""
	}
}

// openUiChannel lazily opens the per-session UI comm, once per session
// run, for the frontend/backend signaling channel.
func (e *Engine) openUiChannel(rec *sessionRecord) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(rec.pumpCtx, e.cfg().StartupTimeout)
	defer cancel()

	rec.mu.Lock()
	sess := rec.session
	rec.mu.Unlock()

	if _, err := e.comms.CreateClient(ctx, sess, runtime.ClientTypeUi, nil); err != nil {
		e.logger.Warn("failed to open ui channel",
			"session_id", rec.sessionID,
			"error", err,
		)
		rec.mu.Lock()
		rec.uiOpened = false
		rec.mu.Unlock()
	}
}
