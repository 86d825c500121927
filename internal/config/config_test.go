package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("Server.Addr = %q, want loopback default", cfg.Server.Addr)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9090" {
		t.Errorf("Metrics.Addr = %q, want loopback default", cfg.Metrics.Addr)
	}
	if cfg.Cookie.Name != "agentgate_session" {
		t.Errorf("Cookie.Name = %q", cfg.Cookie.Name)
	}
	if cfg.Session.IdleTimeout != 60*time.Minute {
		t.Errorf("Session.IdleTimeout = %v, want 60m", cfg.Session.IdleTimeout)
	}
	if cfg.Session.LimitPolicy != LimitPolicyReject {
		t.Errorf("Session.LimitPolicy = %q, want %q", cfg.Session.LimitPolicy, LimitPolicyReject)
	}
	if cfg.Supervisor.Driver != DriverExec {
		t.Errorf("Supervisor.Driver = %q, want %q", cfg.Supervisor.Driver, DriverExec)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AGENTGATE_ADDR", "0.0.0.0:9000")
	t.Setenv("IDLE_TIMEOUT", "5m")
	t.Setenv("MAX_SESSIONS", "12")
	t.Setenv("SESSION_LIMIT_POLICY", LimitPolicyEvictIdle)
	t.Setenv("COOKIE_SECURE", "true")
	t.Setenv("SUPERVISOR_DRIVER", DriverDocker)

	cfg := Load()

	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Session.IdleTimeout != 5*time.Minute {
		t.Errorf("Session.IdleTimeout = %v, want 5m", cfg.Session.IdleTimeout)
	}
	if cfg.Session.MaxSessions != 12 {
		t.Errorf("Session.MaxSessions = %d, want 12", cfg.Session.MaxSessions)
	}
	if cfg.Session.LimitPolicy != LimitPolicyEvictIdle {
		t.Errorf("Session.LimitPolicy = %q", cfg.Session.LimitPolicy)
	}
	if !cfg.Cookie.Secure {
		t.Error("Cookie.Secure not picked up from env")
	}
	if cfg.Supervisor.Driver != DriverDocker {
		t.Errorf("Supervisor.Driver = %q", cfg.Supervisor.Driver)
	}
}

func TestDurationEnvFallsBackOnGarbage(t *testing.T) {
	t.Setenv("IDLE_TIMEOUT", "not-a-duration")

	cfg := Load()
	if cfg.Session.IdleTimeout != 60*time.Minute {
		t.Errorf("Session.IdleTimeout = %v, want default on parse failure", cfg.Session.IdleTimeout)
	}
}
