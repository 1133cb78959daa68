package bridge

import (
	"fmt"
	"sync"

	"github.com/archerline/bridge/shared"
)

// Registry tracks live sessions by call id. At most one session per id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register claims the session's id. The check and the insert are one
// atomic step; a second session with the same id gets ErrDuplicateSession
// and the first is untouched.
func (r *Registry) Register(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess.Id]; ok {
		return fmt.Errorf("%w: %s", shared.ErrDuplicateSession, sess.Id)
	}
	r.sessions[sess.Id] = sess
	return nil
}

func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
	}
	return sess, nil
}

// Remove drops the session if it is still the one registered under the
// id. Removing an already-removed session is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Ids returns the ids of all live sessions, for health reporting.
func (r *Registry) Ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
