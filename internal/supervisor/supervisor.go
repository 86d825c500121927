// Package supervisor owns backend process lifecycle: port allocation,
// working directory materialization, launch, readiness probing and
// teardown. Every resource a Provision call creates is released on every
// failure path, not just the happy path.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"agentgate/internal/config"
	"agentgate/internal/credentials"
	"agentgate/internal/monitor"
	"agentgate/internal/session"
)

// StartSpec tells a Driver what to run.
type StartSpec struct {
	SessionID string
	Port      int
	Workdir   string
	Env       []string
}

// Driver starts a backend. Implementations: ExecDriver, DockerDriver.
type Driver interface {
	Start(ctx context.Context, spec StartSpec) (session.Handle, error)
}

type Supervisor struct {
	driver Driver
	ports  *PortAllocator
	cfg    config.SupervisorConfig
	probe  *http.Client
	logger *slog.Logger
}

func New(driver Driver, ports *PortAllocator, cfg config.SupervisorConfig, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		driver: driver,
		ports:  ports,
		cfg:    cfg,
		probe: &http.Client{
			Timeout: 2 * time.Second,
		},
		logger: logger.With("component", "supervisor"),
	}
}

// Provision allocates a port, materializes an isolated working copy of the
// backend assets, launches the backend with the credentials and port
// injected via environment, and polls its health endpoint until it is
// routable. The returned session is Ready.
func (sv *Supervisor) Provision(ctx context.Context, creds credentials.Credentials) (*session.Session, error) {
	start := time.Now()
	s := session.New(creds)

	port, err := sv.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}
	s.BackendPort = port

	workdir, err := materializeWorkdir(sv.cfg.WorkdirRoot, s.ID, sv.cfg.AssetsDir)
	if err != nil {
		sv.ports.Release(port)
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}
	s.Workdir = workdir

	spec := StartSpec{
		SessionID: s.ID,
		Port:      port,
		Workdir:   workdir,
		Env: []string{
			"WORKSPACE_HOST=" + creds.Endpoint,
			"WORKSPACE_TOKEN=" + creds.Token,
		},
	}

	handle, err := sv.driver.Start(ctx, spec)
	if err != nil {
		sv.cleanupPartial(s)
		monitor.ProvisionErrors.Inc()
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}
	s.Handle = handle

	if err := sv.waitReady(ctx, s); err != nil {
		// Starting -> Terminated on probe failure; release what we built.
		s.MarkTerminated()
		stopCtx, cancel := context.WithTimeout(context.Background(), sv.cfg.StopGrace+5*time.Second)
		_ = handle.Stop(stopCtx, sv.cfg.StopGrace)
		cancel()
		sv.cleanupPartial(s)
		monitor.ProvisionErrors.Inc()
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}

	s.MarkReady()
	monitor.ProvisionLatency.Observe(time.Since(start).Seconds())
	monitor.BackendsRunning.Inc()

	sv.logger.Info("Backend provisioned",
		"session_id", s.ID,
		"port", s.BackendPort,
		"elapsed", time.Since(start),
	)
	return s, nil
}

func (sv *Supervisor) cleanupPartial(s *session.Session) {
	if s.Workdir != "" {
		if err := os.RemoveAll(s.Workdir); err != nil {
			sv.logger.Error("Failed to remove workdir", "session_id", s.ID, "error", err)
		}
	}
	sv.ports.Release(s.BackendPort)
}

// waitReady polls the backend health endpoint until it answers or the
// startup deadline passes. A fixed sleep would either waste the common
// fast case or miss the slow one.
func (sv *Supervisor) waitReady(ctx context.Context, s *session.Session) error {
	deadline := time.Now().Add(sv.cfg.StartupTimeout)
	url := fmt.Sprintf("http://%s:%d%s", backendHost, s.BackendPort, sv.cfg.ProbePath)

	for {
		if !s.Handle.Alive(ctx) {
			return fmt.Errorf("%w: backend exited during startup", ErrBackendUnhealthy)
		}
		if sv.probeOnce(ctx, url) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no answer on port %d within %s",
				ErrBackendUnhealthy, s.BackendPort, sv.cfg.StartupTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// probeOnce treats any HTTP answer below 500 as proof of readiness; the
// backend owns the semantics of its health endpoint.
func (sv *Supervisor) probeOnce(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := sv.probe.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Terminate stops the backend (graceful, then force after the grace
// period), deletes the working directory and releases the port. Idempotent:
// terminating an already-terminated session is a no-op.
func (sv *Supervisor) Terminate(ctx context.Context, s *session.Session) error {
	if !s.MarkTerminated() {
		return nil
	}

	var stopErr error
	if s.Handle != nil {
		if err := s.Handle.Stop(ctx, sv.cfg.StopGrace); err != nil {
			// Logged and escalated inside the handle's force-kill; the
			// session still releases its directory and port.
			sv.logger.Error("Backend stop failed", "session_id", s.ID, "error", err)
			stopErr = err
		}
	}

	if s.Workdir != "" {
		if err := os.RemoveAll(s.Workdir); err != nil {
			sv.logger.Error("Failed to remove workdir", "session_id", s.ID, "error", err)
		}
	}
	sv.ports.Release(s.BackendPort)
	monitor.BackendsRunning.Dec()

	sv.logger.Info("Session terminated", "session_id", s.ID, "port", s.BackendPort)
	return stopErr
}

// CheckHealth re-probes a session's backend after proxy failures. A
// transient network hiccup must not kill a healthy session; a dead backend
// must not linger.
func (sv *Supervisor) CheckHealth(ctx context.Context, s *session.Session) bool {
	if s.Handle == nil || !s.Handle.Alive(ctx) {
		return false
	}
	url := fmt.Sprintf("http://%s:%d%s", backendHost, s.BackendPort, sv.cfg.ProbePath)
	return sv.probeOnce(ctx, url)
}
