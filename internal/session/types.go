package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentgate/internal/credentials"
)

type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
)

// Handle owns the running backend process or container bound to a session.
// Implementations live in the supervisor drivers; the session layer treats
// it as an opaque resource that is stopped exactly once.
type Handle interface {
	// Alive reports whether the backend is still running.
	Alive(ctx context.Context) bool
	// Stop gracefully stops the backend, force-killing after grace.
	Stop(ctx context.Context, grace time.Duration) error
}

// Session is the unit of per-user isolation: credentials, one backend
// process, one loopback port and one working directory, exclusively owned
// from Provision until Terminate.
type Session struct {
	ID          string
	Credentials credentials.Credentials
	BackendPort int
	Handle      Handle
	Workdir     string
	CreatedAt   time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	inflight     int
	failStreak   int
}

// New returns a Session in Starting state with an unguessable id.
func New(creds credentials.Credentials) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.New().String(),
		Credentials:  creds,
		CreatedAt:    now,
		state:        StateStarting,
		lastActivity: now,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkReady transitions Starting -> Ready. Returns false if the session
// already left Starting (e.g. terminated by a probe timeout).
func (s *Session) MarkReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting {
		return false
	}
	s.state = StateReady
	return true
}

// BeginDrain transitions Ready -> Draining. Exactly one caller wins; a
// concurrent logout and reaper cycle can never both tear the session down.
func (s *Session) BeginDrain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return false
	}
	s.state = StateDraining
	return true
}

// MarkTerminated moves the session to its terminal state from any state
// and reports whether this call performed the transition. No transition
// leaves Terminated, which is what makes Terminate idempotent.
func (s *Session) MarkTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return false
	}
	s.state = StateTerminated
	return true
}

// Routable reports whether the proxy may forward new requests here.
// Draining sessions reject new work; only in-flight requests finish.
func (s *Session) Routable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady
}

// Touch bumps the activity timestamp. Monotonically non-decreasing: a
// late writer never moves the clock backwards.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now := time.Now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// EnterInflight registers an in-flight proxied request. It fails once the
// session is no longer Ready so draining sessions take no new work.
func (s *Session) EnterInflight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return false
	}
	s.inflight++
	return true
}

func (s *Session) LeaveInflight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		s.inflight--
	}
}

func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// RecordFailure bumps the consecutive dispatch failure streak and returns
// the new value. The proxy escalates to termination past a threshold.
func (s *Session) RecordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStreak++
	return s.failStreak
}

func (s *Session) ResetFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStreak = 0
}
