package session

import (
	"sync"
	"time"
)

// Registry is the single source of truth for live sessions. It is an
// explicitly owned, lock-guarded object passed to every component that
// needs it; there is no ambient global state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create registers a session. A duplicate id is an error, never a silent
// overwrite.
func (r *Registry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrDuplicateSession
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// UpdateActivity bumps the activity timestamp for id, if present.
func (r *Registry) UpdateActivity(id string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.Touch()
	}
}

// Remove drops the registry entry. Atomic with respect to Get: once Remove
// returns, no lookup can route a request to the removed session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// ListExpired returns Ready sessions whose last activity is older than the
// idle deadline. Sessions already draining or terminating are skipped.
func (r *Registry) ListExpired(now time.Time, idleDeadline time.Duration) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := now.Add(-idleDeadline)
	var expired []*Session
	for _, s := range r.sessions {
		if s.State() == StateReady && s.LastActivity().Before(cutoff) {
			expired = append(expired, s)
		}
	}
	return expired
}

func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// LeastRecentlyActive returns the Ready session with the oldest activity
// timestamp, or nil. Used by the evict-idle session limit policy.
func (r *Registry) LeastRecentlyActive() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *Session
	for _, s := range r.sessions {
		if s.State() != StateReady {
			continue
		}
		if oldest == nil || s.LastActivity().Before(oldest.LastActivity()) {
			oldest = s
		}
	}
	return oldest
}

// CountByState returns per-state session counts for the health report.
func (r *Registry) CountByState() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[State]int, 4)
	for _, s := range r.sessions {
		counts[s.State()]++
	}
	return counts
}
