package runtime

import (
	"log/slog"
	"sync"
)

// Registry holds metadata for every discoverable runtime, independent of
// whether a session for it is running. Registration order is preserved per
// language because auto-start policy and preferred-runtime resolution both
// depend on it.
type Registry struct {
	mu         sync.RWMutex
	runtimes   map[string]Metadata
	order      []string            // global registration order
	byLanguage map[string][]string // registration order of runtime ids
	// lastStarted records the most recent runtime started per language,
	// consulted by preferred-runtime resolution.
	lastStarted map[string]string
	listeners   []func(Metadata)
	logger      *slog.Logger
}

// NewRegistry creates an empty runtime registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runtimes:    make(map[string]Metadata),
		byLanguage:  make(map[string][]string),
		lastStarted: make(map[string]string),
		logger:      logger,
	}
}

// OnRegistered adds a listener invoked exactly once per newly registered
// runtime. Listeners are called synchronously, outside the registry lock.
func (r *Registry) OnRegistered(fn func(Metadata)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register adds runtime metadata. Registering an id that already exists is
// a silent no-op so collaborators can re-announce without side effects.
func (r *Registry) Register(md Metadata) {
	r.mu.Lock()
	if _, exists := r.runtimes[md.RuntimeID]; exists {
		r.mu.Unlock()
		r.logger.Debug("runtime already registered", "runtime_id", md.RuntimeID)
		return
	}
	r.runtimes[md.RuntimeID] = md
	r.order = append(r.order, md.RuntimeID)
	r.byLanguage[md.LanguageID] = append(r.byLanguage[md.LanguageID], md.RuntimeID)
	listeners := make([]func(Metadata), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	r.logger.Info("runtime registered",
		"runtime_id", md.RuntimeID,
		"language_id", md.LanguageID,
		"startup", md.StartupBehavior.String(),
	)
	for _, fn := range listeners {
		fn(md)
	}
}

// Unregister removes a runtime. Unknown ids are a no-op.
func (r *Registry) Unregister(runtimeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	md, exists := r.runtimes[runtimeID]
	if !exists {
		return
	}
	delete(r.runtimes, runtimeID)

	for i, id := range r.order {
		if id == runtimeID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	ids := r.byLanguage[md.LanguageID]
	for i, id := range ids {
		if id == runtimeID {
			r.byLanguage[md.LanguageID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byLanguage[md.LanguageID]) == 0 {
		delete(r.byLanguage, md.LanguageID)
	}
	if r.lastStarted[md.LanguageID] == runtimeID {
		delete(r.lastStarted, md.LanguageID)
	}
}

// Get returns the metadata for a runtime id.
func (r *Registry) Get(runtimeID string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.runtimes[runtimeID]
	return md, ok
}

// Runtimes returns all registered runtimes in no particular order.
func (r *Registry) Runtimes() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.runtimes))
	for _, md := range r.runtimes {
		out = append(out, md)
	}
	return out
}

// Ordered returns all registered runtimes in global registration order.
func (r *Registry) Ordered() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.runtimes[id])
	}
	return out
}

// RuntimesForLanguage returns the runtimes registered for a language, in
// registration order.
func (r *Registry) RuntimesForLanguage(languageID string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byLanguage[languageID]
	out := make([]Metadata, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.runtimes[id])
	}
	return out
}

// MarkStarted records that a runtime started successfully, making it the
// most-recently-started runtime for its language.
func (r *Registry) MarkStarted(runtimeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	md, ok := r.runtimes[runtimeID]
	if !ok {
		return
	}
	r.lastStarted[md.LanguageID] = runtimeID
}

// LastStarted returns the most-recently-started runtime for a language, if
// it is still registered.
func (r *Registry) LastStarted(languageID string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.lastStarted[languageID]
	if !ok {
		return Metadata{}, false
	}
	md, ok := r.runtimes[id]
	return md, ok
}
