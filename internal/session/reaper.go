package session

import (
	"context"
	"log/slog"
	"time"

	"agentgate/internal/monitor"
)

// ReaperConfig controls the idle eviction loop.
type ReaperConfig struct {
	Interval    time.Duration // scan period
	IdleTimeout time.Duration // sessions idle longer than this are evicted
	DrainGrace  time.Duration // window for in-flight work to finish
}

// Reaper periodically evicts sessions past their idle deadline. It holds
// explicit handles to the Registry and the supervisor's terminate function;
// it is started at process init and stopped on shutdown.
type Reaper struct {
	registry    *Registry
	terminateFn func(ctx context.Context, s *Session) error
	logger      *slog.Logger
	config      ReaperConfig
	stopCh      chan struct{}
}

// NewReaper creates the idle reaper. terminateFn must implement the full
// teardown (process, working directory, port), typically
// supervisor.Supervisor.Terminate.
func NewReaper(
	registry *Registry,
	terminateFn func(ctx context.Context, s *Session) error,
	config ReaperConfig,
	logger *slog.Logger,
) *Reaper {
	return &Reaper{
		registry:    registry,
		terminateFn: terminateFn,
		logger:      logger.With("component", "reaper"),
		config:      config,
		stopCh:      make(chan struct{}),
	}
}

// Start runs the eviction loop (blocking, call in a goroutine).
func (r *Reaper) Start() {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started",
		"interval", r.config.Interval,
		"idle_timeout", r.config.IdleTimeout,
	)

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("Reaper stopped")
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

// Stop ends the eviction loop.
func (r *Reaper) Stop() {
	select {
	case <-r.stopCh:
		// already closed
	default:
		close(r.stopCh)
	}
}

func (r *Reaper) reap() {
	expired := r.registry.ListExpired(time.Now(), r.config.IdleTimeout)
	for _, s := range expired {
		// The CAS is the overlap guard: a session a concurrent cycle or an
		// explicit logout is already draining loses the race here.
		if !s.BeginDrain() {
			continue
		}
		r.logger.Info("Evicting idle session",
			"session_id", s.ID,
			"idle", time.Since(s.LastActivity()),
		)
		go r.evict(s)
	}
}

// evict runs one session's teardown so a slow terminate never delays the
// scan of unrelated sessions.
func (r *Reaper) evict(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	Drain(ctx, s, r.config.DrainGrace)

	if err := r.terminateFn(ctx, s); err != nil {
		r.logger.Error("Failed to terminate idle session",
			"session_id", s.ID,
			"error", err,
		)
	}
	r.registry.Remove(s.ID)
	monitor.SessionsReaped.Inc()
	monitor.SessionsActive.Set(float64(r.registry.Len()))
}

// Drain waits until the session's in-flight count reaches zero or the
// grace window elapses, whichever comes first.
func Drain(ctx context.Context, s *Session, grace time.Duration) {
	if s.Inflight() == 0 {
		return
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
			if s.Inflight() == 0 {
				return
			}
		}
	}
}

// TerminateAll tears down every live session. Called on server shutdown so
// no backend process or working directory outlives the proxy.
func TerminateAll(
	ctx context.Context,
	registry *Registry,
	terminateFn func(ctx context.Context, s *Session) error,
	logger *slog.Logger,
) {
	sessions := registry.List()
	if len(sessions) == 0 {
		return
	}

	logger.Info("Terminating active sessions on shutdown", "count", len(sessions))
	for _, s := range sessions {
		s.BeginDrain()
		if err := terminateFn(ctx, s); err != nil {
			logger.Error("Failed to terminate session on shutdown",
				"session_id", s.ID,
				"error", err,
			)
		}
		registry.Remove(s.ID)
	}
}
