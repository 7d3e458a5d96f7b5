package discover

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu        sync.Mutex
	languages []string
	complete  int
}

func (s *recordingSink) LanguageEncountered(languageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.languages = append(s.languages, languageID)
}

func (s *recordingSink) CompleteDiscovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete++
}

func (s *recordingSink) snapshot() ([]string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.languages...), s.complete
}

func TestLanguageForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"analysis.py", "python"},
		{"model.R", "r"},
		{"model.r", "r"},
		{"solver.jl", "julia"},
		{"schema.sql", "sql"},
		{"notes.md", ""},
		{"Makefile", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LanguageForPath(tt.path), tt.path)
	}
}

func TestInitialScanReportsEachLanguageOnce(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.py"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.py"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "model.R"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "pkg", "gen.py"), nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}
	scanner := NewScanner(root, sink, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner.Run(ctx)
	}()

	waitFor(t, func() bool {
		_, complete := sink.snapshot()
		return complete == 1
	}, "initial scan never completed")

	langs, _ := sink.snapshot()
	assert.ElementsMatch(t, []string{"python", "r"}, langs,
		"each language once, skip dirs excluded")

	cancel()
	<-done
}

func TestWatcherReportsNewLanguage(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.py"), nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}
	scanner := NewScanner(root, sink, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner.Run(ctx)
	}()
	waitFor(t, func() bool {
		_, complete := sink.snapshot()
		return complete == 1
	}, "initial scan never completed")

	require.NoError(t, os.WriteFile(filepath.Join(root, "solver.jl"), []byte("1+1"), 0o644))
	waitFor(t, func() bool {
		langs, _ := sink.snapshot()
		for _, l := range langs {
			if l == "julia" {
				return true
			}
		}
		return false
	}, "new julia file never reported")

	cancel()
	<-done
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.py"), nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}
	scanner := NewScanner(root, sink, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner.Run(ctx)
	}()
	waitFor(t, func() bool {
		_, complete := sink.snapshot()
		return complete == 1
	}, "initial scan never completed")

	// A directory created after the scan must be watched too, so files
	// landing inside it are still seen.
	sub := filepath.Join(root, "queries")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "report.sql"), []byte("select 1"), 0o644))

	waitFor(t, func() bool {
		langs, _ := sink.snapshot()
		for _, l := range langs {
			if l == "sql" {
				return true
			}
		}
		return false
	}, "file in new directory never reported")

	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}
