package discover

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// languageByExt maps source file extensions to language ids. Extensions are
// compared lowercase except where case is significant (.R and .r are the
// same language).
var languageByExt = map[string]string{
	".py":  "python",
	".r":   "r",
	".jl":  "julia",
	".sql": "sql",
}

// skipDirs are directory names never worth scanning.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
}

// Sink receives language discovery notifications.
type Sink interface {
	// LanguageEncountered reports that workspace files for a language
	// exist.
	LanguageEncountered(languageID string)
	// CompleteDiscovery reports that the initial scan finished.
	CompleteDiscovery()
}

// Scanner walks a workspace once to find which languages are present, then
// watches it for files in languages it has not seen yet. Each language is
// reported at most once per Scanner.
type Scanner struct {
	root string
	sink Sink
	log  *slog.Logger

	mu      sync.Mutex
	seen    map[string]bool
	watcher *fsnotify.Watcher
}

// NewScanner builds a scanner over the workspace root.
func NewScanner(root string, sink Sink, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		root: root,
		sink: sink,
		log:  logger.With("component", "discover"),
		seen: make(map[string]bool),
	}
}

// Run performs the initial scan, signals discovery completion, and then
// watches for new files until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("filesystem watcher unavailable, scanning once", "error", err)
		s.scan()
		s.sink.CompleteDiscovery()
		return err
	}
	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()
	defer watcher.Close()

	s.scan()
	s.sink.CompleteDiscovery()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// A directory appearing after the initial scan needs its own
			// watch, and a rescan for any files that landed inside it
			// before the watch attached.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !skipDirs[filepath.Base(event.Name)] {
						s.scanDir(event.Name)
					}
					continue
				}
			}
			s.observe(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", "error", err)
		}
	}
}

// scan walks the workspace once, reporting each language on first sight
// and registering directories with the watcher.
func (s *Scanner) scan() {
	s.scanDir(s.root)
}

// scanDir walks one subtree, watching its directories and observing its
// files. Used for the initial scan and again for directories created while
// watching.
func (s *Scanner) scanDir(root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			s.watch(path)
			return nil
		}
		s.observe(path)
		return nil
	})
	if err != nil {
		s.log.Warn("workspace scan failed", "root", root, "error", err)
	}
}

func (s *Scanner) watch(dir string) {
	s.mu.Lock()
	watcher := s.watcher
	s.mu.Unlock()
	if watcher == nil {
		return
	}
	if err := watcher.Add(dir); err != nil {
		s.log.Debug("cannot watch directory", "dir", dir, "error", err)
	}
}

// observe classifies one path and reports its language on first sight.
func (s *Scanner) observe(path string) {
	lang := LanguageForPath(path)
	if lang == "" {
		return
	}
	s.mu.Lock()
	if s.seen[lang] {
		s.mu.Unlock()
		return
	}
	s.seen[lang] = true
	s.mu.Unlock()

	s.log.Info("language encountered", "language_id", lang, "path", path)
	s.sink.LanguageEncountered(lang)
}

// LanguageForPath returns the language id a file's extension maps to, or
// "" when the extension is not recognized.
func LanguageForPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	return languageByExt[ext]
}
