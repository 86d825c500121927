package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"agentgate/internal/config"
	"agentgate/internal/proxy"
	"agentgate/internal/session"
	"agentgate/internal/supervisor"
)

const testCookie = "agentgate_session"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoDriver serves plain HTTP on the assigned port, answering every
// request with a fixed body so proxied traffic is recognizable.
type echoDriver struct {
	mu      sync.Mutex
	handles []*echoHandle
}

func (d *echoDriver) Start(ctx context.Context, spec supervisor.StartSpec) (session.Handle, error) {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", spec.Port))
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "backend:%s", spec.SessionID)
		}),
	}
	go srv.Serve(l)

	h := &echoHandle{srv: srv}
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

func (d *echoDriver) stoppedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, h := range d.handles {
		if !h.Alive(context.Background()) {
			n++
		}
	}
	return n
}

type echoHandle struct {
	srv     *http.Server
	mu      sync.Mutex
	stopped bool
}

func (h *echoHandle) Alive(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.stopped
}

func (h *echoHandle) Stop(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true
	return h.srv.Close()
}

// failDriver refuses to start anything.
type failDriver struct{}

func (failDriver) Start(ctx context.Context, spec supervisor.StartSpec) (session.Handle, error) {
	return nil, errors.New("spawn refused")
}

type apiHarness struct {
	driver   *echoDriver
	registry *session.Registry
	sup      *supervisor.Supervisor
	server   *httptest.Server

	mu        sync.Mutex
	teardowns int
}

func newAPIHarness(t *testing.T, limits config.SessionConfig, driver supervisor.Driver) *apiHarness {
	t.Helper()

	ed, _ := driver.(*echoDriver)
	h := &apiHarness{driver: ed, registry: session.NewRegistry()}

	supCfg := config.SupervisorConfig{
		Driver:         config.DriverExec,
		WorkdirRoot:    t.TempDir(),
		StartupTimeout: 3 * time.Second,
		StopGrace:      time.Second,
		ProbePath:      "/",
	}
	h.sup = supervisor.New(driver, supervisor.NewPortAllocator(), supCfg, discardLogger())

	teardown := func(ctx context.Context, s *session.Session) {
		h.mu.Lock()
		h.teardowns++
		h.mu.Unlock()
		session.Drain(ctx, s, 100*time.Millisecond)
		_ = h.sup.Terminate(ctx, s)
		h.registry.Remove(s.ID)
	}

	traffic := proxy.New(
		h.registry,
		proxy.Config{CookieName: testCookie, FailureThreshold: limits.FailureThreshold},
		h.sup.CheckHealth,
		func(s *session.Session) {
			teardown(context.Background(), s)
		},
		discardLogger(),
	)

	cookie := config.CookieConfig{Name: testCookie, MaxAge: time.Hour}
	auth := NewAuthHandler(h.registry, h.sup, cookie, limits, teardown, discardLogger())
	health := NewHealthHandler(h.registry, traffic.Tunnels)

	h.server = httptest.NewServer(NewRouter(auth, health, traffic, discardLogger()))
	t.Cleanup(func() {
		h.server.Close()
		for _, s := range h.registry.List() {
			_ = h.sup.Terminate(context.Background(), s)
		}
	})
	return h
}

func (h *apiHarness) teardownCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.teardowns
}

func (h *apiHarness) login(t *testing.T, endpoint, token string) (*http.Response, LoginResponse) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"endpoint": endpoint, "token": token})
	resp, err := http.Post(h.server.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	var out LoginResponse
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("bad login response %q: %v", raw, err)
		}
	}
	return resp, out
}

func (h *apiHarness) do(t *testing.T, method, path, sessionID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: testCookie, Value: sessionID})
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

func sessionCookie(resp *http.Response) string {
	for _, c := range resp.Cookies() {
		if c.Name == testCookie {
			return c.Value
		}
	}
	return ""
}

func TestLoginThenProxiedRequest(t *testing.T) {
	h := newAPIHarness(t, config.SessionConfig{FailureThreshold: 5}, &echoDriver{})

	resp, out := h.login(t, "ws.example", "secret-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	if out.SessionID == "" {
		t.Fatal("login response carries no session id")
	}
	cookie := sessionCookie(resp)
	if cookie != out.SessionID {
		t.Fatalf("cookie = %q, body session id = %q", cookie, out.SessionID)
	}

	proxied := h.do(t, http.MethodGet, "/some/backend/path", cookie)
	defer proxied.Body.Close()
	if proxied.StatusCode != http.StatusOK {
		t.Fatalf("proxied status = %d, want 200", proxied.StatusCode)
	}
	body, _ := io.ReadAll(proxied.Body)
	if string(body) != "backend:"+out.SessionID {
		t.Fatalf("proxied body = %q, want it served by session %s backend", body, out.SessionID)
	}
}

func TestLoginCookieIsHTTPOnly(t *testing.T) {
	h := newAPIHarness(t, config.SessionConfig{FailureThreshold: 5}, &echoDriver{})

	resp, _ := h.login(t, "ws.example", "secret-token")
	for _, c := range resp.Cookies() {
		if c.Name == testCookie {
			if !c.HttpOnly {
				t.Fatal("session cookie is not http-only")
			}
			return
		}
	}
	t.Fatal("no session cookie set")
}

func TestTwoLoginsTwoSessions(t *testing.T) {
	h := newAPIHarness(t, config.SessionConfig{FailureThreshold: 5}, &echoDriver{})

	_, a := h.login(t, "ws.example", "token-a")
	_, b := h.login(t, "ws.example", "token-b")

	if a.SessionID == b.SessionID {
		t.Fatal("two logins shared a session id")
	}
	sa, _ := h.registry.Get(a.SessionID)
	sb, _ := h.registry.Get(b.SessionID)
	if sa == nil || sb == nil {
		t.Fatal("sessions missing from registry")
	}
	if sa.BackendPort == sb.BackendPort {
		t.Fatalf("both sessions share port %d", sa.BackendPort)
	}
}

func TestLoginRejectsMissingToken(t *testing.T) {
	h := newAPIHarness(t, config.SessionConfig{FailureThreshold: 5}, &echoDriver{})

	resp, _ := h.login(t, "ws.example", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("login status = %d, want 400", resp.StatusCode)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("registry holds %d sessions after rejected login", h.registry.Len())
	}
}

func TestLoginProvisionFailureDoesNotLeakToken(t *testing.T) {
	h := newAPIHarness(t, config.SessionConfig{FailureThreshold: 5}, failDriver{})

	body, _ := json.Marshal(map[string]string{"endpoint": "ws.example", "token": "super-secret"})
	resp, err := http.Post(h.server.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("login status = %d, want 502", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(raw), "super-secret") {
		t.Fatal("error response leaks the submitted token")
	}
	if h.registry.Len() != 0 {
		t.Fatalf("registry holds %d sessions after failed provision", h.registry.Len())
	}
}

func TestLogoutTearsDownOnce(t *testing.T) {
	d := &echoDriver{}
	h := newAPIHarness(t, config.SessionConfig{FailureThreshold: 5}, d)

	_, out := h.login(t, "ws.example", "token")

	resp := h.do(t, http.MethodPost, "/auth/logout", out.SessionID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d, want 204", resp.StatusCode)
	}
	if _, ok := h.registry.Get(out.SessionID); ok {
		t.Fatal("session still registered after logout")
	}
	if d.stoppedCount() != 1 {
		t.Fatalf("stopped backends = %d, want 1", d.stoppedCount())
	}

	// Second logout with the same stale cookie is a no-op.
	again := h.do(t, http.MethodPost, "/auth/logout", out.SessionID)
	again.Body.Close()
	if again.StatusCode != http.StatusNoContent {
		t.Fatalf("repeat logout status = %d, want 204", again.StatusCode)
	}
	if h.teardownCount() != 1 {
		t.Fatalf("teardown ran %d times, want 1", h.teardownCount())
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	h := newAPIHarness(t, config.SessionConfig{FailureThreshold: 5}, &echoDriver{})

	_, out := h.login(t, "ws.example", "token")
	resp := h.do(t, http.MethodPost, "/auth/logout", out.SessionID)
	resp.Body.Close()

	cleared := false
	for _, c := range resp.Cookies() {
		if c.Name == testCookie && c.Value == "" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("logout did not clear the session cookie")
	}
}

func TestLogoutViaGet(t *testing.T) {
	h := newAPIHarness(t, config.SessionConfig{FailureThreshold: 5}, &echoDriver{})

	_, out := h.login(t, "ws.example", "token")
	resp := h.do(t, http.MethodGet, "/auth/logout", out.SessionID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("GET logout status = %d, want 204", resp.StatusCode)
	}
	if _, ok := h.registry.Get(out.SessionID); ok {
		t.Fatal("session still registered after GET logout")
	}
}

func TestCapacityRejectPolicy(t *testing.T) {
	limits := config.SessionConfig{
		MaxSessions:      1,
		LimitPolicy:      config.LimitPolicyReject,
		FailureThreshold: 5,
	}
	h := newAPIHarness(t, limits, &echoDriver{})

	first, a := h.login(t, "ws.example", "token-a")
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first login status = %d, want 200", first.StatusCode)
	}

	second, _ := h.login(t, "ws.example", "token-b")
	if second.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second login status = %d, want 503", second.StatusCode)
	}
	if _, ok := h.registry.Get(a.SessionID); !ok {
		t.Fatal("rejecting a login must not disturb the existing session")
	}
	if h.registry.Len() != 1 {
		t.Fatalf("registry holds %d sessions, want 1", h.registry.Len())
	}
}

func TestCapacityEvictIdlePolicy(t *testing.T) {
	limits := config.SessionConfig{
		MaxSessions:      1,
		LimitPolicy:      config.LimitPolicyEvictIdle,
		FailureThreshold: 5,
	}
	d := &echoDriver{}
	h := newAPIHarness(t, limits, d)

	_, a := h.login(t, "ws.example", "token-a")

	second, b := h.login(t, "ws.example", "token-b")
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second login status = %d, want 200", second.StatusCode)
	}
	if _, ok := h.registry.Get(a.SessionID); ok {
		t.Fatal("least-recently-active session survived eviction")
	}
	if _, ok := h.registry.Get(b.SessionID); !ok {
		t.Fatal("new session missing after eviction made room")
	}
	if d.stoppedCount() != 1 {
		t.Fatalf("stopped backends = %d, want 1", d.stoppedCount())
	}
}

func TestHeartbeatBumpsActivity(t *testing.T) {
	h := newAPIHarness(t, config.SessionConfig{FailureThreshold: 5}, &echoDriver{})

	_, out := h.login(t, "ws.example", "token")
	s, _ := h.registry.Get(out.SessionID)
	before := s.LastActivity()
	time.Sleep(5 * time.Millisecond)

	resp := h.do(t, http.MethodPost, "/auth/heartbeat", out.SessionID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("heartbeat status = %d, want 204", resp.StatusCode)
	}
	if !s.LastActivity().After(before) {
		t.Fatal("heartbeat did not bump activity")
	}
}

func TestHealthReportsSessions(t *testing.T) {
	h := newAPIHarness(t, config.SessionConfig{FailureThreshold: 5}, &echoDriver{})

	_, _ = h.login(t, "ws.example", "token")

	resp := h.do(t, http.MethodGet, "/healthz", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	var out HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if out.Status != "ok" {
		t.Fatalf("status = %q, want ok", out.Status)
	}
	if out.ActiveSessions != 1 {
		t.Fatalf("active sessions = %d, want 1", out.ActiveSessions)
	}
	if out.SessionsByState[string(session.StateReady)] != 1 {
		t.Fatalf("ready sessions = %d, want 1", out.SessionsByState[string(session.StateReady)])
	}
	if out.BackendsRunning != 1 {
		t.Fatalf("backends running = %d, want 1", out.BackendsRunning)
	}
}

func TestHealthIsReadOnly(t *testing.T) {
	h := newAPIHarness(t, config.SessionConfig{FailureThreshold: 5}, &echoDriver{})

	_, out := h.login(t, "ws.example", "token")
	s, _ := h.registry.Get(out.SessionID)
	before := s.LastActivity()

	resp := h.do(t, http.MethodGet, "/healthz", out.SessionID)
	resp.Body.Close()

	if s.LastActivity() != before {
		t.Fatal("health check counted as session activity")
	}
	if s.State() != session.StateReady {
		t.Fatalf("state = %s after health check, want %s", s.State(), session.StateReady)
	}
}
