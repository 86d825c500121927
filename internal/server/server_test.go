package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agentgate/internal/config"
	"agentgate/internal/credentials"
	"agentgate/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServerConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{Addr: "127.0.0.1:0"},
		Cookie: config.CookieConfig{Name: "agentgate_session", MaxAge: time.Hour},
		Session: config.SessionConfig{
			IdleTimeout:      time.Hour,
			ReapInterval:     time.Hour,
			DrainGrace:       3 * time.Second,
			FailureThreshold: 1,
		},
		Supervisor: config.SupervisorConfig{
			Driver:         config.DriverExec,
			BackendBin:     "assistant",
			WorkdirRoot:    t.TempDir(),
			StartupTimeout: time.Second,
			StopGrace:      time.Second,
			ProbePath:      "/",
		},
	}
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// A request that trips the failure threshold must get its 502 without
// waiting out the drain grace: the teardown it triggers runs off the
// request goroutine, which still holds an in-flight slot.
func TestEscalationDoesNotStallFailingRequest(t *testing.T) {
	cfg := testServerConfig(t)
	srv, err := NewServer(cfg, &Dependency{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	s := session.New(credentials.Credentials{Endpoint: "https://ws.example/", Token: "abc"})
	s.BackendPort = closedPort(t)
	s.MarkReady()
	if err := srv.registry.Create(s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	front := httptest.NewServer(srv.httpServer.Handler)
	defer front.Close()

	req, err := http.NewRequest(http.MethodGet, front.URL+"/anything", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: cfg.Cookie.Name, Value: s.ID})

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if elapsed >= cfg.Session.DrainGrace {
		t.Fatalf("502 took %v, at least the full %v drain grace", elapsed, cfg.Session.DrainGrace)
	}

	// The escalation still tears the session down in the background.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := srv.registry.Get(s.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("escalated session never left the registry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
