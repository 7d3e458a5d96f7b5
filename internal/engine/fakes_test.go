package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cmejia91/kernelhub/internal/affiliation"
	"github.com/cmejia91/kernelhub/internal/config"
	"github.com/cmejia91/kernelhub/internal/runtime"
)

// fakeSession is a scriptable transport. Tests drive its channels directly
// to simulate kernel behavior.
type fakeSession struct {
	id   string
	name string
	md   runtime.Metadata
	mode runtime.SessionMode

	states chan runtime.State
	msgs   chan runtime.Message
	exits  chan runtime.Exit

	startErr error

	mu             sync.Mutex
	started        bool
	interrupts     int
	restarts       int
	forceQuits     int
	shutdownReason runtime.ExitReason
	clients        map[string]runtime.ClientType
	nextClient     int
	failClient     bool
}

func newFakeSession(md runtime.Metadata, sessionID, name string, mode runtime.SessionMode) *fakeSession {
	return &fakeSession{
		id:      sessionID,
		name:    name,
		md:      md,
		mode:    mode,
		states:  make(chan runtime.State, 16),
		msgs:    make(chan runtime.Message, 16),
		exits:   make(chan runtime.Exit, 1),
		clients: make(map[string]runtime.ClientType),
	}
}

func (f *fakeSession) ID() string                 { return f.id }
func (f *fakeSession) Name() string               { return f.name }
func (f *fakeSession) Metadata() runtime.Metadata { return f.md }
func (f *fakeSession) Mode() runtime.SessionMode  { return f.mode }

func (f *fakeSession) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	f.states <- runtime.StateReady
	return nil
}

func (f *fakeSession) Interrupt(context.Context) error {
	f.mu.Lock()
	f.interrupts++
	f.mu.Unlock()
	return nil
}

// Restart mimics the in-place restart: the state stream reports the full
// cycle, the exit stream stays silent.
func (f *fakeSession) Restart(context.Context) error {
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
	f.states <- runtime.StateExiting
	f.states <- runtime.StateExited
	f.states <- runtime.StateStarting
	f.states <- runtime.StateReady
	return nil
}

func (f *fakeSession) Shutdown(_ context.Context, reason runtime.ExitReason) error {
	f.mu.Lock()
	f.shutdownReason = reason
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) ForceQuit(context.Context) error {
	f.mu.Lock()
	f.forceQuits++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) RuntimeState() runtime.State { return runtime.StateIdle }

func (f *fakeSession) CreateClient(_ context.Context, clientType runtime.ClientType, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClient {
		return "", fmt.Errorf("comm refused")
	}
	f.nextClient++
	id := fmt.Sprintf("%s-client-%d", f.id, f.nextClient)
	f.clients[id] = clientType
	return id, nil
}

func (f *fakeSession) RemoveClient(_ context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, clientID)
	return nil
}

func (f *fakeSession) SendClientMessage(context.Context, string, string, map[string]any) error {
	return nil
}

func (f *fakeSession) StateChanges() <-chan runtime.State { return f.states }
func (f *fakeSession) Messages() <-chan runtime.Message   { return f.msgs }
func (f *fakeSession) Exited() <-chan runtime.Exit        { return f.exits }

// exit simulates the true end of the session run.
func (f *fakeSession) exit(code int, reason runtime.ExitReason) {
	f.states <- runtime.StateExited
	f.exits <- runtime.Exit{Code: code, Reason: reason}
}

func (f *fakeSession) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

func (f *fakeSession) forceQuitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forceQuits
}

func (f *fakeSession) clientOfType(t runtime.ClientType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ct := range f.clients {
		if ct == t {
			return true
		}
	}
	return false
}

// fakeManager records every created session so tests can script them.
type fakeManager struct {
	mu        sync.Mutex
	created   []*fakeSession
	createErr error
	startErr  error
	delay     time.Duration
}

func (m *fakeManager) CreateSession(_ context.Context, md runtime.Metadata, sessionID, sessionName string, mode runtime.SessionMode) (runtime.Session, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	sess := newFakeSession(md, sessionID, sessionName, mode)
	sess.startErr = m.startErr
	m.created = append(m.created, sess)
	return sess, nil
}

func (m *fakeManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

func (m *fakeManager) session(i int) *fakeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.created) {
		return nil
	}
	return m.created[i]
}

// recordingNotifier captures user-facing notifications.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ runtime.Severity, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) contains(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// scriptedPrompter answers force-quit prompts with a fixed verdict and
// records the prompts it saw.
type scriptedPrompter struct {
	answer bool

	mu      sync.Mutex
	prompts []string
}

func (p *scriptedPrompter) ConfirmForceQuit(ctx context.Context, sessionName, operation string) (bool, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, operation)
	p.mu.Unlock()
	select {
	case <-ctx.Done():
		// Dismissed because the session transitioned.
		return false, nil
	default:
	}
	return p.answer, nil
}

func (p *scriptedPrompter) promptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

// testHarness bundles an engine with its collaborators for one test.
type testHarness struct {
	engine   *Engine
	registry *runtime.Registry
	manager  *fakeManager
	notifier *recordingNotifier
	prompter *scriptedPrompter
	store    *affiliation.MemoryStore
	trust    *affiliation.Trust
}

func pythonMeta() runtime.Metadata {
	return runtime.Metadata{
		RuntimeID:    "cpython-3.12",
		LanguageID:   "python",
		LanguageName: "Python",
		RuntimeName:  "CPython 3.12",
	}
}

func rMeta() runtime.Metadata {
	return runtime.Metadata{
		RuntimeID:    "r-4.4",
		LanguageID:   "r",
		LanguageName: "R",
		RuntimeName:  "R 4.4",
	}
}

// fastConfig shrinks every budget so escalation and debounce paths run in
// test time.
func fastConfig() config.Config {
	cfg := config.Default()
	cfg.SelectTimeout = 50 * time.Millisecond
	cfg.InterruptTimeout = 20 * time.Millisecond
	cfg.ShutdownTimeout = 20 * time.Millisecond
	cfg.OfflineTimeout = 20 * time.Millisecond
	cfg.RestartDebounce = 5 * time.Millisecond
	return cfg
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newHarness(t *testing.T, cfg config.Config) *testHarness {
	t.Helper()
	logger := testLogger(t)

	h := &testHarness{
		registry: runtime.NewRegistry(logger),
		manager:  &fakeManager{},
		notifier: &recordingNotifier{},
		prompter: &scriptedPrompter{},
		store:    affiliation.NewMemoryStore(),
		trust:    affiliation.NewTrust(true),
	}
	h.engine = New(Options{
		Registry:  h.registry,
		Config:    config.Static(cfg),
		Workspace: "/tmp/workspace",
		Store:     h.store,
		Trust:     h.trust,
		Prompter:  h.prompter,
		Notifier:  h.notifier,
		Logger:    logger,
	})
	h.engine.RegisterSessionManager(h.manager)
	t.Cleanup(h.engine.Close)
	return h
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}

// waitState waits until the engine reports the session in the wanted state.
func (h *testHarness) waitState(t *testing.T, sessionID string, want runtime.State) {
	t.Helper()
	waitUntil(t, func() bool {
		state, err := h.engine.SessionState(sessionID)
		return err == nil && state == want
	}, fmt.Sprintf("session %s never reached %s", sessionID, want))
}

// testWriter routes engine logs through the test log.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
