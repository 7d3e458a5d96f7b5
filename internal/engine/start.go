package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cmejia91/kernelhub/internal/runtime"
)

// StartSession starts a session for a registered runtime and returns its
// session id. Concurrent starts for the same runtime are coalesced: every
// caller gets the same eventual result and exactly one transport-level
// start happens. For console mode, a different runtime already active for
// the language is a conflict; the same runtime already running succeeds
// trivially with the existing session id, while a start still in flight
// is joined so its failure is shared. An untrusted workspace defers the
// start until trust is granted instead of failing.
func (e *Engine) StartSession(ctx context.Context, runtimeID, sessionName string, mode runtime.SessionMode, source string) (string, error) {
	md, ok := e.registry.Get(runtimeID)
	if !ok {
		return "", fmt.Errorf("runtime %s: %w", runtimeID, runtime.ErrNotFound)
	}
	if sessionName == "" {
		sessionName = md.RuntimeName
	}

	// Fast path: same runtime already active for the language.
	if mode == runtime.ModeConsole {
		if id, err, decided := e.checkConsoleConflict(md); decided {
			return id, err
		}
	}

	if err := e.waitForTrust(ctx, runtimeID); err != nil {
		return "", err
	}

	v, err, _ := e.startGroup.Do(runtimeID, func() (any, error) {
		return e.doStart(ctx, md, sessionName, mode, source)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// checkConsoleConflict applies the console-exclusivity invariant. decided
// is false when no session is active for the language and the start should
// proceed.
func (e *Engine) checkConsoleConflict(md runtime.Metadata) (string, error, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rec := e.consoleByLang[md.LanguageID]; rec != nil {
		if rec.md.RuntimeID == md.RuntimeID {
			return rec.sessionID, nil, true
		}
		return "", fmt.Errorf("runtime %s already active for %s: %w",
			rec.md.RuntimeID, md.LanguageID, runtime.ErrConflictingSession), true
	}
	// A start still in flight for a different runtime of the language is a
	// conflict. For the same runtime the caller must not resolve early with
	// an id the in-flight start may yet discard: it falls through and joins
	// the flight so success and failure are shared.
	if rec := e.startingByLang[md.LanguageID]; rec != nil && rec.md.RuntimeID != md.RuntimeID {
		return "", fmt.Errorf("runtime %s already active for %s: %w",
			rec.md.RuntimeID, md.LanguageID, runtime.ErrConflictingSession), true
	}
	return "", nil, false
}

// waitForTrust blocks until the workspace is trusted. This is a policy
// gate, not an error: the start resumes the moment trust is granted.
func (e *Engine) waitForTrust(ctx context.Context, runtimeID string) error {
	if e.trust.Trusted() {
		return nil
	}

	e.logger.Info("workspace untrusted, deferring start until trust granted",
		"runtime_id", runtimeID)

	granted := make(chan struct{})
	var once sync.Once
	cancel := e.trust.OnChange(func(trusted bool) {
		if trusted {
			once.Do(func() { close(granted) })
		}
	})
	defer cancel()

	select {
	case <-granted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.rootCtx.Done():
		return e.rootCtx.Err()
	}
}

// doStart performs one start attempt. The starting-map entry is written
// synchronously before the first await so a concurrent start for the same
// language cannot slip past the console check.
func (e *Engine) doStart(ctx context.Context, md runtime.Metadata, sessionName string, mode runtime.SessionMode, source string) (string, error) {
	e.mu.Lock()
	if e.mgr == nil {
		e.mu.Unlock()
		return "", runtime.ErrNoSessionManager
	}
	if mode == runtime.ModeConsole {
		if rec := e.consoleByLang[md.LanguageID]; rec != nil {
			e.mu.Unlock()
			if rec.md.RuntimeID == md.RuntimeID {
				return rec.sessionID, nil
			}
			return "", fmt.Errorf("runtime %s already active for %s: %w",
				rec.md.RuntimeID, md.LanguageID, runtime.ErrConflictingSession)
		}
		// A same-runtime entry is impossible here: doStart runs inside the
		// per-runtime singleflight and the entry is cleared before it
		// returns. Anything found is another runtime for the language.
		if rec := e.startingByLang[md.LanguageID]; rec != nil {
			e.mu.Unlock()
			return "", fmt.Errorf("runtime %s already active for %s: %w",
				rec.md.RuntimeID, md.LanguageID, runtime.ErrConflictingSession)
		}
	}

	sessionID := e.newSessionID(md.LanguageID)
	pumpCtx, pumpCancel := context.WithCancel(e.rootCtx)
	rec := &sessionRecord{
		sessionID:  sessionID,
		md:         md,
		name:       sessionName,
		mode:       mode,
		state:      runtime.StateUninitialized,
		done:       make(chan struct{}),
		pumpCtx:    pumpCtx,
		pumpCancel: pumpCancel,
	}
	e.sessions[sessionID] = rec
	if mode == runtime.ModeConsole {
		e.startingByLang[md.LanguageID] = rec
	}
	mgr := e.mgr
	e.mu.Unlock()

	e.logger.Info("starting session",
		"session_id", sessionID,
		"runtime_id", md.RuntimeID,
		"mode", string(mode),
		"source", source,
	)
	e.publish(rec, SessionEvent{Kind: EventWillStart, Source: source})

	sess, err := mgr.CreateSession(ctx, md, sessionID, sessionName, mode)
	if err != nil {
		e.failStart(rec, err)
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	rec.mu.Lock()
	rec.session = sess
	rec.mu.Unlock()

	e.applyState(rec, runtime.StateStarting)

	// Attach handlers before start so no early event is missed.
	e.wg.Add(1)
	go e.pump(rec)

	if err := sess.Start(ctx); err != nil {
		e.failStart(rec, err)
		return "", fmt.Errorf("failed to start session: %w", err)
	}

	e.mu.Lock()
	if mode == runtime.ModeConsole {
		if e.startingByLang[md.LanguageID] == rec {
			delete(e.startingByLang, md.LanguageID)
		}
		e.consoleByLang[md.LanguageID] = rec
	}
	e.mu.Unlock()

	e.registry.MarkStarted(md.RuntimeID)
	if e.store != nil && mode == runtime.ModeConsole {
		if err := e.store.SetAffiliated(ctx, e.workspace, md.LanguageID, md.RuntimeID); err != nil {
			e.logger.Warn("failed to persist affiliation",
				"language_id", md.LanguageID, "error", err)
		}
	}

	e.publish(rec, SessionEvent{Kind: EventDidStart, Source: source})
	return sessionID, nil
}

// failStart marks the session exited, preserves the failure for the
// caller, and surfaces a failed-start notification. Start failures are
// never retried automatically; only crashes after running are.
func (e *Engine) failStart(rec *sessionRecord, cause error) {
	e.applyState(rec, runtime.StateExited)
	rec.pumpCancel()

	e.mu.Lock()
	if e.startingByLang[rec.md.LanguageID] == rec {
		delete(e.startingByLang, rec.md.LanguageID)
	}
	if e.consoleByLang[rec.md.LanguageID] == rec {
		delete(e.consoleByLang, rec.md.LanguageID)
	}
	e.mu.Unlock()

	rec.finish()

	e.publish(rec, SessionEvent{Kind: EventFailedStart, Err: cause})
	e.notifier.Notify(runtime.SeverityError,
		fmt.Sprintf("%s failed to start: %v", rec.name, cause))
}

// SelectRuntime switches the console session for a language to another
// runtime: the old session is gracefully shut down first, bounded by the
// select timeout. A teardown timeout aborts the switch; the new runtime is
// not started on top of a session that is still going down.
func (e *Engine) SelectRuntime(ctx context.Context, runtimeID, source string) (string, error) {
	md, ok := e.registry.Get(runtimeID)
	if !ok {
		return "", fmt.Errorf("runtime %s: %w", runtimeID, runtime.ErrNotFound)
	}

	e.mu.RLock()
	existing := e.consoleByLang[md.LanguageID]
	if existing == nil {
		existing = e.startingByLang[md.LanguageID]
	}
	e.mu.RUnlock()

	if existing != nil {
		if existing.md.RuntimeID == runtimeID {
			return existing.sessionID, nil
		}
		if err := e.ShutdownSession(ctx, existing.sessionID, runtime.ExitSwitchRuntime); err != nil {
			return "", fmt.Errorf("failed to shut down %s: %w", existing.sessionID, err)
		}
		budget := e.cfg().SelectTimeout
		timer := time.NewTimer(budget)
		defer timer.Stop()
		select {
		case <-existing.done:
		case <-timer.C:
			return "", &runtime.TimeoutError{Op: "selectRuntime", SessionID: existing.sessionID, Budget: budget}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return e.StartSession(ctx, runtimeID, "", runtime.ModeConsole, source)
}

// RestartSession restarts a session. A responsive session restarts in
// place without a second session object; an exited or never-started one
// gets a fresh start with a new id; a restart already underway dedupes to
// a no-op; anything else is an invalid state.
func (e *Engine) RestartSession(ctx context.Context, sessionID, source string) error {
	e.mu.RLock()
	rec, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, runtime.ErrNotFound)
	}

	rec.mu.Lock()
	state := rec.state
	if rec.restarting || state == runtime.StateStarting {
		rec.mu.Unlock()
		return nil
	}
	switch {
	case state.Running():
		rec.restarting = true
		sess := rec.session
		rec.mu.Unlock()
		if err := sess.Restart(ctx); err != nil {
			rec.mu.Lock()
			rec.restarting = false
			rec.mu.Unlock()
			return fmt.Errorf("failed to restart session %s: %w", sessionID, err)
		}
		return nil
	case state == runtime.StateUninitialized || state == runtime.StateExited:
		rec.mu.Unlock()
		_, err := e.StartSession(ctx, rec.md.RuntimeID, rec.name, rec.mode, source)
		return err
	default:
		rec.mu.Unlock()
		return fmt.Errorf("cannot restart session %s while %s: %w",
			sessionID, state, runtime.ErrInvalidState)
	}
}

// InterruptSession asks a running session to stop its current execution
// and begins the interrupt escalation watch.
func (e *Engine) InterruptSession(ctx context.Context, sessionID string) error {
	rec, sess, err := e.liveSession(sessionID)
	if err != nil {
		return err
	}
	if !rec.currentState().Running() {
		return fmt.Errorf("cannot interrupt session %s while %s: %w",
			sessionID, rec.currentState(), runtime.ErrInvalidState)
	}
	e.applyState(rec, runtime.StateInterrupting)
	return sess.Interrupt(ctx)
}

// ShutdownSession requests a graceful end and begins the shutdown
// escalation watch.
func (e *Engine) ShutdownSession(ctx context.Context, sessionID string, reason runtime.ExitReason) error {
	rec, sess, err := e.liveSession(sessionID)
	if err != nil {
		return err
	}
	state := rec.currentState()
	if !state.Active() {
		return fmt.Errorf("cannot shut down session %s while %s: %w",
			sessionID, state, runtime.ErrInvalidState)
	}
	e.applyState(rec, runtime.StateExiting)
	return sess.Shutdown(ctx, reason)
}

// ForceQuitSession terminates a session without graceful negotiation.
func (e *Engine) ForceQuitSession(ctx context.Context, sessionID string) error {
	rec, sess, err := e.liveSession(sessionID)
	if err != nil {
		return err
	}
	if !rec.currentState().Active() {
		return fmt.Errorf("session %s already exited: %w", sessionID, runtime.ErrInvalidState)
	}
	return sess.ForceQuit(ctx)
}

func (e *Engine) liveSession(sessionID string) (*sessionRecord, runtime.Session, error) {
	e.mu.RLock()
	rec, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("session %s: %w", sessionID, runtime.ErrNotFound)
	}
	rec.mu.Lock()
	sess := rec.session
	rec.mu.Unlock()
	if sess == nil {
		return nil, nil, fmt.Errorf("session %s: %w", sessionID, runtime.ErrNotFound)
	}
	return rec, sess, nil
}
