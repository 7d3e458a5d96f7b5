package affiliation

import "sync"

// Trust is a workspace trust gate with change notification. Untrusted
// workspaces never auto-start runtimes; pending starts are deferred until
// trust is granted.
type Trust struct {
	mu        sync.Mutex
	trusted   bool
	nextID    int
	listeners map[int]func(bool)
}

// NewTrust creates a trust gate with the given initial state.
func NewTrust(trusted bool) *Trust {
	return &Trust{trusted: trusted, listeners: make(map[int]func(bool))}
}

// Trusted reports the current trust state.
func (t *Trust) Trusted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trusted
}

// SetTrusted updates the trust state and notifies listeners on change.
func (t *Trust) SetTrusted(trusted bool) {
	t.mu.Lock()
	if t.trusted == trusted {
		t.mu.Unlock()
		return
	}
	t.trusted = trusted
	fns := make([]func(bool), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(trusted)
	}
}

// OnChange registers a listener and returns its cancel func.
func (t *Trust) OnChange(fn func(bool)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}
