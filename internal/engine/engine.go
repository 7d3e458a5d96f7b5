// Package engine implements the session lifecycle manager: it starts,
// restarts, interrupts, and shuts down interpreter sessions, enforces the
// one-console-session-per-language invariant, supervises unresponsive
// operations, and emits a single ordered event stream.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/cmejia91/kernelhub/internal/affiliation"
	"github.com/cmejia91/kernelhub/internal/comm"
	"github.com/cmejia91/kernelhub/internal/config"
	"github.com/cmejia91/kernelhub/internal/runtime"
)

// Options carries the engine's collaborators. Registry and Config are
// required; the rest default to inert implementations.
type Options struct {
	Registry *runtime.Registry
	Config   config.Provider
	// Workspace identifies the current workspace for affiliation.
	Workspace string
	// Store persists workspace affiliation. Nil disables persistence.
	Store affiliation.Store
	// Trust gates auto-start. Nil means always trusted.
	Trust runtime.TrustProvider
	// Prompter handles force-quit escalation. Nil always answers "wait".
	Prompter runtime.Prompter
	// Notifier surfaces crash/timeout situations. Nil logs instead.
	Notifier runtime.Notifier
	Logger   *slog.Logger
}

// Engine is the one-per-process session lifecycle manager. Construct it
// once and hand it to collaborators by reference; there is no hidden
// global instance.
type Engine struct {
	logger   *slog.Logger
	registry *runtime.Registry
	cfg      config.Provider
	trust    runtime.TrustProvider
	prompter runtime.Prompter
	notifier runtime.Notifier
	store    affiliation.Store
	comms    *comm.Multiplexer

	workspace string

	mu             sync.RWMutex
	mgr            runtime.SessionManager
	sessions       map[string]*sessionRecord
	consoleByLang  map[string]*sessionRecord
	startingByLang map[string]*sessionRecord
	foregroundID   string
	discoveryDone  bool
	encountered    map[string]bool

	startGroup singleflight.Group

	busMu   sync.Mutex
	subs    map[int]chan SessionEvent
	nextSub int

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs the engine and hooks it to registry notifications.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Static(config.Default())
	}
	trust := opts.Trust
	if trust == nil {
		trust = alwaysTrusted{}
	}
	prompter := opts.Prompter
	if prompter == nil {
		prompter = alwaysWait{}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = logNotifier{logger: logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:         logger,
		registry:       opts.Registry,
		cfg:            cfg,
		trust:          trust,
		prompter:       prompter,
		notifier:       notifier,
		store:          opts.Store,
		workspace:      opts.Workspace,
		sessions:       make(map[string]*sessionRecord),
		consoleByLang:  make(map[string]*sessionRecord),
		startingByLang: make(map[string]*sessionRecord),
		encountered:    make(map[string]bool),
		subs:           make(map[int]chan SessionEvent),
		rootCtx:        ctx,
		rootCancel:     cancel,
	}
	e.comms = comm.New(logger)

	if e.registry != nil {
		e.registry.OnRegistered(e.runtimeRegistered)
	}
	return e
}

// Comms exposes the engine's client channel multiplexer so hosts can
// register client handlers.
func (e *Engine) Comms() *comm.Multiplexer { return e.comms }

// RegisterSessionManager registers the collaborator that instantiates
// sessions. The first registration wins; later registrations with a
// different manager are rejected with a warning rather than an error.
func (e *Engine) RegisterSessionManager(mgr runtime.SessionManager) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mgr != nil {
		if e.mgr != mgr {
			e.logger.Warn("session manager already registered, keeping the first")
		}
		return
	}
	e.mgr = mgr
}

// GetSession returns the session record for an id, alive or exited.
func (e *Engine) GetSession(sessionID string) (runtime.Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.sessions[sessionID]
	if !ok || rec.session == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, runtime.ErrNotFound)
	}
	return rec.session, nil
}

// SessionState returns the engine's view of a session's state.
func (e *Engine) SessionState(sessionID string) (runtime.State, error) {
	e.mu.RLock()
	rec, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return runtime.StateUninitialized, fmt.Errorf("session %s: %w", sessionID, runtime.ErrNotFound)
	}
	return rec.currentState(), nil
}

// GetConsoleSession returns the active console session for a language.
func (e *Engine) GetConsoleSession(languageID string) (runtime.Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec := e.consoleByLang[languageID]
	if rec == nil || rec.session == nil {
		return nil, fmt.Errorf("no console session for %s: %w", languageID, runtime.ErrNotFound)
	}
	return rec.session, nil
}

// ForegroundSession returns the id of the focused console session, if any.
func (e *Engine) ForegroundSession() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.foregroundID
}

// ActiveSessions returns every session that has not exited.
func (e *Engine) ActiveSessions() []runtime.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]runtime.Session, 0, len(e.sessions))
	for _, rec := range e.sessions {
		if rec.session != nil && rec.currentState().Active() {
			out = append(out, rec.session)
		}
	}
	return out
}

// OpenResource asks a session to open a resource on the user's behalf.
// Sessions without the capability report false with no error.
func (e *Engine) OpenResource(ctx context.Context, sessionID, resource string) (bool, error) {
	_, sess, err := e.liveSession(sessionID)
	if err != nil {
		return false, err
	}
	opener, ok := sess.(runtime.ResourceOpener)
	if !ok {
		return false, nil
	}
	return opener.OpenResource(ctx, resource)
}

// GetPreferredRuntime resolves the runtime a language should use, ranked:
// an active session's runtime, then a starting session's, then the
// workspace-affiliated runtime, then the most-recently-started one, then
// the first registered. Running beats configured beats merely available.
func (e *Engine) GetPreferredRuntime(ctx context.Context, languageID string) (runtime.Metadata, error) {
	e.mu.RLock()
	if rec := e.consoleByLang[languageID]; rec != nil {
		md := rec.md
		e.mu.RUnlock()
		return md, nil
	}
	if rec := e.startingByLang[languageID]; rec != nil {
		md := rec.md
		e.mu.RUnlock()
		return md, nil
	}
	e.mu.RUnlock()

	if e.store != nil {
		affiliated, err := e.store.Affiliated(ctx, e.workspace, languageID)
		if err != nil {
			e.logger.Warn("failed to read affiliation", "language_id", languageID, "error", err)
		} else if affiliated != "" {
			if md, ok := e.registry.Get(affiliated); ok {
				return md, nil
			}
		}
	}

	if md, ok := e.registry.LastStarted(languageID); ok {
		return md, nil
	}
	if runtimes := e.registry.RuntimesForLanguage(languageID); len(runtimes) > 0 {
		return runtimes[0], nil
	}
	return runtime.Metadata{}, fmt.Errorf("no runtime for language %s: %w", languageID, runtime.ErrNotFound)
}

// Close stops pumps, escalation tasks, and subscribers. Sessions are not
// shut down; that is the host's decision.
func (e *Engine) Close() {
	e.rootCancel()
	e.wg.Wait()

	e.busMu.Lock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.busMu.Unlock()
}

type alwaysTrusted struct{}

func (alwaysTrusted) Trusted() bool              { return true }
func (alwaysTrusted) OnChange(func(bool)) func() { return func() {} }

type alwaysWait struct{}

func (alwaysWait) ConfirmForceQuit(context.Context, string, string) (bool, error) {
	return false, nil
}

type logNotifier struct{ logger *slog.Logger }

func (n logNotifier) Notify(severity runtime.Severity, message string) {
	switch severity {
	case runtime.SeverityError:
		n.logger.Error(message)
	case runtime.SeverityWarning:
		n.logger.Warn(message)
	default:
		n.logger.Info(message)
	}
}
