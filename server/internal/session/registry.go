package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateSession is returned when a session ID is already registered.
// IDs are server-generated so this indicates a bug, not peer behavior.
var ErrDuplicateSession = errors.New("session: duplicate session id")

// Registry is the concurrency-safe set of live sessions, keyed by the
// server-generated session ID. Keying by our own ID rather than the
// client-asserted client_id means two agents claiming the same identity
// never collide.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return ErrDuplicateSession
	}
	r.sessions[s.ID] = s
	return nil
}

// Remove deletes and returns the session, or nil when absent. Removing an
// already-removed session is a no-op, which keeps handler cleanup idempotent.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	delete(r.sessions, id)
	return s
}

// Lookup returns the live session for id. The session may terminate
// concurrently; callers must tolerate Enqueue failing afterward.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// FindByClientID returns every live session registered under the given
// client-asserted identity, oldest first.
func (r *Registry) FindByClientID(clientID string) []*Session {
	r.mu.Lock()
	var out []*Session
	for _, s := range r.sessions {
		if s.ClientID == clientID {
			out = append(out, s)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns display-safe copies of every session, ordered by
// registration time.
func (r *Registry) Snapshot() []Summary {
	r.mu.Lock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Summary())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Stale returns sessions whose last activity is older than cutoff.
func (r *Registry) Stale(cutoff time.Time) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll marks every session disconnected and closes its connection,
// driving each owning handler into its cleanup path. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.MarkDisconnected()
		_ = s.CloseConn()
	}
}
