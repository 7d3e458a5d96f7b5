package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cmejia91/kernelhub/internal/config"
	"github.com/cmejia91/kernelhub/internal/runtime"
)

// Manager creates kernel-backed sessions for the runtimes described by a
// set of specs. It implements runtime.SessionManager.
type Manager struct {
	cfg config.Provider
	log *slog.Logger

	mu    sync.RWMutex
	specs map[string]Spec
}

// NewManager builds a manager over the given specs, keyed by runtime id.
func NewManager(specs []Spec, cfg config.Provider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:   cfg,
		log:   logger,
		specs: make(map[string]Spec, len(specs)),
	}
	for _, spec := range specs {
		m.specs[spec.RuntimeID] = spec
	}
	return m
}

// Register announces every spec's runtime to the registry. Specs that do
// not convert to valid metadata are skipped with a warning.
func (m *Manager) Register(reg *runtime.Registry, extensionID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, spec := range m.specs {
		md, err := spec.Metadata(extensionID)
		if err != nil {
			m.log.Warn("skipping runtime spec", "runtime_id", spec.RuntimeID, "error", err)
			continue
		}
		reg.Register(md)
	}
}

// CreateSession builds an unstarted session for the runtime named by the
// metadata. The engine drives Start.
func (m *Manager) CreateSession(_ context.Context, md runtime.Metadata, sessionID, sessionName string, mode runtime.SessionMode) (runtime.Session, error) {
	m.mu.RLock()
	spec, ok := m.specs[md.RuntimeID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no kernel spec for runtime %q: %w", md.RuntimeID, runtime.ErrNotFound)
	}
	return NewSession(spec, md, sessionID, sessionName, mode, m.cfg, m.log), nil
}
