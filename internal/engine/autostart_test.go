package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmejia91/kernelhub/internal/config"
	"github.com/cmejia91/kernelhub/internal/runtime"
)

func immediateMeta() runtime.Metadata {
	md := pythonMeta()
	md.StartupBehavior = runtime.StartupImmediate
	return md
}

func implicitMeta() runtime.Metadata {
	md := pythonMeta()
	md.StartupBehavior = runtime.StartupImplicit
	return md
}

func TestDiscoveryCompleteStartsImmediateRuntime(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.registry.Register(rMeta())
	h.registry.Register(immediateMeta())

	h.engine.CompleteDiscovery()

	waitUntil(t, func() bool { return h.manager.count() == 1 }, "immediate runtime never started")
	assert.Equal(t, "cpython-3.12", h.manager.session(0).Metadata().RuntimeID)
}

func TestImmediateRuntimeRegisteredAfterDiscovery(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.engine.CompleteDiscovery()
	require.Equal(t, 0, h.manager.count())

	h.registry.Register(immediateMeta())
	waitUntil(t, func() bool { return h.manager.count() == 1 }, "late immediate runtime never started")
}

func TestImmediateStartSuppressedWhenSessionExists(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.registry.Register(rMeta())
	h.registry.Register(immediateMeta())

	id, err := h.engine.StartSession(context.Background(), "r-4.4", "", runtime.ModeConsole, "test")
	require.NoError(t, err)
	h.waitState(t, id, runtime.StateReady)

	h.engine.CompleteDiscovery()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.manager.count(), "immediate start must yield to the existing session")
}

func TestImmediateStartSuppressedByNotebookSession(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.registry.Register(rMeta())
	h.registry.Register(immediateMeta())

	// A notebook session never occupies the console indexes, but it is a
	// live session all the same and must suppress the immediate policy.
	id, err := h.engine.StartSession(context.Background(), "r-4.4", "analysis.ipynb", runtime.ModeNotebook, "test")
	require.NoError(t, err)
	h.waitState(t, id, runtime.StateReady)

	h.engine.CompleteDiscovery()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.manager.count(), "immediate start must yield to the notebook session")
}

func TestLanguageEncounteredStartsImplicitRuntime(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.registry.Register(implicitMeta())
	h.engine.CompleteDiscovery()

	h.engine.LanguageEncountered("python")
	waitUntil(t, func() bool { return h.manager.count() == 1 }, "implicit runtime never started")

	// A second encounter of the same language is a no-op.
	h.engine.LanguageEncountered("python")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.manager.count())
}

func TestEncountersDuringDiscoveryDrainAfterwards(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.registry.Register(implicitMeta())

	h.engine.LanguageEncountered("python")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, h.manager.count(), "implicit start must wait for discovery")

	h.engine.CompleteDiscovery()
	waitUntil(t, func() bool { return h.manager.count() == 1 }, "pending encounter never drained")
}

func TestImplicitStartSuppressedByAffiliation(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.registry.Register(implicitMeta())
	require.NoError(t, h.store.SetAffiliated(context.Background(), "/tmp/workspace", "python", "pypy-7"))
	h.engine.CompleteDiscovery()

	h.engine.LanguageEncountered("python")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, h.manager.count(), "affiliation must win over implicit start")
}

func TestAutomaticStartupDisabledSuppressesPolicy(t *testing.T) {
	cfg := fastConfig()
	cfg.AutomaticStartup = false
	h := newHarness(t, cfg)
	h.registry.Register(immediateMeta())

	h.engine.CompleteDiscovery()
	h.engine.LanguageEncountered("python")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, h.manager.count())
}

func TestStartAffiliatedStartsStoredPairs(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.registry.Register(pythonMeta())
	require.NoError(t, h.store.SetAffiliated(context.Background(), "/tmp/workspace", "python", "cpython-3.12"))
	require.NoError(t, h.store.SetAffiliated(context.Background(), "/tmp/workspace", "scala", "scala-3"))

	require.NoError(t, h.engine.StartAffiliated())

	// The registered pair starts; the unregistered one is skipped quietly.
	waitUntil(t, func() bool { return h.manager.count() == 1 }, "affiliated runtime never started")
	assert.Equal(t, "cpython-3.12", h.manager.session(0).Metadata().RuntimeID)
}

func TestConfigReadAtDecisionPoints(t *testing.T) {
	var mu sync.Mutex
	cfg := fastConfig()
	cfg.AutomaticStartup = false

	logger := testLogger(t)
	registry := runtime.NewRegistry(logger)
	manager := &fakeManager{}
	eng := New(Options{
		Registry: registry,
		Config: func() config.Config {
			mu.Lock()
			defer mu.Unlock()
			return cfg
		},
		Logger: logger,
	})
	eng.RegisterSessionManager(manager)
	t.Cleanup(eng.Close)

	registry.Register(implicitMeta())
	eng.CompleteDiscovery()

	eng.LanguageEncountered("python")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, manager.count())

	// Flipping the flag takes effect on the next decision, no restart
	// of the engine needed.
	mu.Lock()
	cfg.AutomaticStartup = true
	mu.Unlock()

	eng.LanguageEncountered("python")
	waitUntil(t, func() bool { return manager.count() == 1 }, "flag flip never took effect")
}

func TestGetPreferredRuntimeRanking(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	// Nothing registered: not found.
	_, err := h.engine.GetPreferredRuntime(ctx, "python")
	require.ErrorIs(t, err, runtime.ErrNotFound)

	// Registration order is the tiebreaker of last resort.
	h.registry.Register(pythonMeta())
	h.registry.Register(runtime.Metadata{
		RuntimeID:   "pypy-7",
		LanguageID:  "python",
		RuntimeName: "PyPy 7",
	})
	md, err := h.engine.GetPreferredRuntime(ctx, "python")
	require.NoError(t, err)
	assert.Equal(t, "cpython-3.12", md.RuntimeID)

	// A stored affiliation outranks registration order.
	require.NoError(t, h.store.SetAffiliated(ctx, "/tmp/workspace", "python", "pypy-7"))
	md, err = h.engine.GetPreferredRuntime(ctx, "python")
	require.NoError(t, err)
	assert.Equal(t, "pypy-7", md.RuntimeID)

	// An active session outranks everything.
	id, err := h.engine.StartSession(ctx, "cpython-3.12", "", runtime.ModeConsole, "test")
	require.NoError(t, err)
	h.waitState(t, id, runtime.StateReady)
	md, err = h.engine.GetPreferredRuntime(ctx, "python")
	require.NoError(t, err)
	assert.Equal(t, "cpython-3.12", md.RuntimeID)
}

func TestGetPreferredRuntimeLastStarted(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()
	h.registry.Register(pythonMeta())
	h.registry.Register(runtime.Metadata{
		RuntimeID:   "pypy-7",
		LanguageID:  "python",
		RuntimeName: "PyPy 7",
	})

	// Start pypy, then end it, leaving no active session and no better
	// signal than the most recent start.
	id, err := h.engine.StartSession(ctx, "pypy-7", "", runtime.ModeConsole, "test")
	require.NoError(t, err)
	h.waitState(t, id, runtime.StateReady)
	require.NoError(t, h.engine.ShutdownSession(ctx, id, runtime.ExitShutdown))
	h.manager.session(0).exit(0, runtime.ExitShutdown)
	h.waitState(t, id, runtime.StateExited)

	// Clear the affiliation written by the start so the recency rank is
	// the one under test.
	require.NoError(t, h.store.SetAffiliated(ctx, "/tmp/workspace", "python", ""))

	md, err := h.engine.GetPreferredRuntime(ctx, "python")
	require.NoError(t, err)
	assert.Equal(t, "pypy-7", md.RuntimeID)
}
