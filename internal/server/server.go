package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"agentgate/internal/api"
	"agentgate/internal/config"
	"agentgate/internal/monitor"
	"agentgate/internal/proxy"
	"agentgate/internal/session"
	"agentgate/internal/supervisor"
)

type Server struct {
	cfg        *config.Config
	deps       *Dependency
	httpServer *http.Server
	registry   *session.Registry
	sup        *supervisor.Supervisor
	reaper     *session.Reaper
	logger     *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) (*Server, error) {
	logger := deps.Logger

	driver, err := deps.NewDriver(cfg)
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry()
	ports := supervisor.NewPortAllocator()
	sup := supervisor.New(driver, ports, cfg.Supervisor, logger)

	// The single release path for a session's process, port and workdir.
	// Invoked from explicit logout, capacity eviction and failure
	// escalation; the reaper runs the same drain/terminate/remove steps
	// in its own loop.
	teardown := func(ctx context.Context, s *session.Session) {
		session.Drain(ctx, s, cfg.Session.DrainGrace)
		if err := sup.Terminate(ctx, s); err != nil {
			logger.Error("Session teardown error", "session_id", s.ID, "error", err)
		}
		registry.Remove(s.ID)
		monitor.SessionsActive.Set(float64(registry.Len()))
	}

	traffic := proxy.New(
		registry,
		proxy.Config{
			CookieName:       cfg.Cookie.Name,
			FailureThreshold: cfg.Session.FailureThreshold,
			RequestTimeout:   cfg.Server.RequestTimeout,
		},
		sup.CheckHealth,
		func(s *session.Session) {
			if !s.BeginDrain() {
				return
			}
			// The escalating request still holds its in-flight slot, so
			// the drain must not run inline; it would wait on the very
			// request that triggered it.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
				defer cancel()
				teardown(ctx, s)
			}()
		},
		logger,
	)

	reaper := session.NewReaper(registry, sup.Terminate, session.ReaperConfig{
		Interval:    cfg.Session.ReapInterval,
		IdleTimeout: cfg.Session.IdleTimeout,
		DrainGrace:  cfg.Session.DrainGrace,
	}, logger)

	authHandler := api.NewAuthHandler(registry, sup, cfg.Cookie, cfg.Session, teardown, logger)
	healthHandler := api.NewHealthHandler(registry, traffic.Tunnels)
	router := api.NewRouter(authHandler, healthHandler, traffic, logger)

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No write timeout: proxied responses stream and WebSocket
		// tunnels are long-lived.
	}

	return &Server{
		cfg:        cfg,
		deps:       deps,
		httpServer: httpServer,
		registry:   registry,
		sup:        sup,
		reaper:     reaper,
		logger:     logger,
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	go s.reaper.Start()

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.logger); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting proxy server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

// Shutdown stops the reaper, drains the HTTP server and terminates every
// live session so no backend process or working directory is leaked.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.reaper.Stop()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	session.TerminateAll(shutdownCtx, s.registry, s.sup.Terminate, s.logger)

	s.logger.Info("Shutdown complete")
	return nil
}
