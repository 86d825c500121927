// Package proxy forwards authenticated session traffic to the session's
// private backend. The session cookie is treated purely as an opaque key
// into the registry; no other request-supplied identity signal is trusted.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"agentgate/internal/monitor"
	"agentgate/internal/session"
)

var (
	ErrBackendUnavailable = errors.New("backend unavailable")

	ErrAuthenticationRequired = errors.New("authentication required")
)

type Config struct {
	CookieName       string
	FailureThreshold int
	RequestTimeout   time.Duration // 0 means no per-request deadline
}

// Proxy resolves a request's session from its cookie and forwards HTTP
// requests and WebSocket frames to the backend port on loopback.
type Proxy struct {
	registry *session.Registry
	cfg      Config

	// escalate tears a session down after repeated consecutive failures
	// or a dead backend; recheck is the supervisor health re-probe used
	// to tell a transient hiccup from a dead process.
	escalate func(s *session.Session)
	recheck  func(ctx context.Context, s *session.Session) bool

	client   *http.Client
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	tunnels  atomic.Int64
	logger   *slog.Logger
}

func New(
	registry *session.Registry,
	cfg Config,
	recheck func(ctx context.Context, s *session.Session) bool,
	escalate func(s *session.Session),
	logger *slog.Logger,
) *Proxy {
	return &Proxy{
		registry: registry,
		cfg:      cfg,
		escalate: escalate,
		recheck:  recheck,
		client: &http.Client{
			// No client timeout: responses stream and WebSocket-adjacent
			// requests can be long-lived. Deadlines come from request
			// contexts.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The proxy fronts a single trusted UI; origin policy belongs
			// to the deployment in front of it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		logger: logger.With("component", "proxy"),
	}
}

// Tunnels returns the number of currently open WebSocket tunnels.
func (p *Proxy) Tunnels() int64 {
	return p.tunnels.Load()
}

// ServeHTTP implements http.Handler for everything that is not a
// lifecycle route.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s, ok := p.resolveSession(r)

	if websocket.IsWebSocketUpgrade(r) {
		p.serveWebSocket(w, r, s, ok)
		return
	}

	if !ok || !s.EnterInflight() {
		respondAuthRequired(w)
		return
	}
	defer s.LeaveInflight()

	p.forward(w, r, s)
}

// resolveSession extracts the opaque session id cookie and looks it up.
func (p *Proxy) resolveSession(r *http.Request) (*session.Session, bool) {
	c, err := r.Cookie(p.cfg.CookieName)
	if err != nil || c.Value == "" {
		return nil, false
	}
	s, ok := p.registry.Get(c.Value)
	if !ok || !s.Routable() {
		return nil, false
	}
	return s, true
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, s *session.Session) {
	ctx := r.Context()
	if p.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}

	target := fmt.Sprintf("http://127.0.0.1:%d%s", s.BackendPort, r.URL.RequestURI())
	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	copyForwardHeaders(req.Header, r.Header)
	req.Host = fmt.Sprintf("127.0.0.1:%d", s.BackendPort)

	resp, err := p.client.Do(req)
	if err != nil {
		p.dispatchFailed(s, err)
		respondBackendUnavailable(w)
		return
	}
	defer resp.Body.Close()

	// The backend answered: credit activity and clear the failure streak.
	// Failed dispatches never count as activity.
	s.ResetFailures()
	p.registry.UpdateActivity(s.ID)
	monitor.ProxiedRequests.Inc()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	streamBody(w, resp.Body)
}

// dispatchFailed records a failed backend dispatch. Transient hiccups are
// tolerated; a dead backend or a failure streak past the threshold
// escalates to termination.
func (p *Proxy) dispatchFailed(s *session.Session, err error) {
	monitor.ProxyErrors.Inc()
	streak := s.RecordFailure()
	p.logger.Warn("Backend dispatch failed",
		"session_id", s.ID,
		"streak", streak,
		"error", err,
	)

	if streak >= p.cfg.FailureThreshold {
		p.logger.Error("Failure threshold reached, terminating session",
			"session_id", s.ID)
		p.escalate(s)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.Routable() && !p.recheck(ctx, s) {
			p.logger.Error("Backend health re-check failed, terminating session",
				"session_id", s.ID)
			p.escalate(s)
		}
	}()
}

// streamBody copies the response without buffering the whole body, so
// large downloads and server-sent event streams pass through.
func streamBody(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func respondAuthRequired(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q}`+"\n", ErrAuthenticationRequired.Error())
}

func respondBackendUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, `{"error":%q}`+"\n", ErrBackendUnavailable.Error())
}
