// Package affiliation persists the workspace-to-runtime preference that
// decides which runtime a language should start with, and hosts the
// workspace trust gate consumed by auto-start policy.
package affiliation

import (
	"context"
	"sync"
)

// Store persists the last runtime affiliated with each language per
// workspace. Written whenever a console session for a language starts
// successfully; read at startup to decide auto-start candidates.
type Store interface {
	// Affiliated returns the runtime id affiliated with the language in
	// the workspace, or "" when none is recorded.
	Affiliated(ctx context.Context, workspace, languageID string) (string, error)
	// SetAffiliated records the affiliation, replacing any previous one.
	SetAffiliated(ctx context.Context, workspace, languageID, runtimeID string) error
	// Affiliations returns the language->runtime map for a workspace.
	Affiliations(ctx context.Context, workspace string) (map[string]string, error)
	Close() error
}

// MemoryStore is an in-memory Store used in tests and trusted-less hosts.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]string // workspace -> language -> runtime
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]string)}
}

func (s *MemoryStore) Affiliated(_ context.Context, workspace, languageID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[workspace][languageID], nil
}

func (s *MemoryStore) SetAffiliated(_ context.Context, workspace, languageID, runtimeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[workspace] == nil {
		s.data[workspace] = make(map[string]string)
	}
	s.data[workspace][languageID] = runtimeID
	return nil
}

func (s *MemoryStore) Affiliations(_ context.Context, workspace string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.data[workspace]))
	for lang, rt := range s.data[workspace] {
		out[lang] = rt
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
