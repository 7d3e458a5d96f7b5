package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cmejia91/kernelhub/internal/runtime"
)

// sessionRecord is the engine's bookkeeping for one session. The record
// outlives the session run so late queries can still resolve, but only
// non-Exited records count as active.
type sessionRecord struct {
	sessionID string
	md        runtime.Metadata
	name      string
	mode      runtime.SessionMode

	// clock is the per-session event sequence number. Mutated only under
	// the engine's bus lock.
	clock uint64

	// done closes when the session run truly ended.
	done     chan struct{}
	doneOnce sync.Once

	pumpCtx    context.Context
	pumpCancel context.CancelFunc

	mu             sync.Mutex
	session        runtime.Session
	state          runtime.State
	restarting     bool
	uiOpened       bool
	escalateCancel context.CancelFunc
}

func (r *sessionRecord) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *sessionRecord) currentState() runtime.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// newSessionID generates a "{languageId}-{uuid}" id, retrying on the
// unlikely collision. Caller holds e.mu.
func (e *Engine) newSessionID(languageID string) string {
	for {
		id := fmt.Sprintf("%s-%s", languageID, uuid.NewString())
		if _, taken := e.sessions[id]; !taken {
			return id
		}
	}
}
