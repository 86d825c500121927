package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentgate/internal/config"
	"agentgate/internal/credentials"
	"agentgate/internal/monitor"
	"agentgate/internal/session"
	"agentgate/internal/supervisor"
)

// AuthHandler is the lifecycle control surface: it creates sessions via
// the supervisor and registers them, and removes them on explicit logout.
type AuthHandler struct {
	registry   *session.Registry
	supervisor *supervisor.Supervisor
	cookie     config.CookieConfig
	limits     config.SessionConfig

	// teardown drains and terminates a session and removes its registry
	// entry. Shared with the reaper; these are the only two release sites.
	teardown func(ctx context.Context, s *session.Session)
	logger   *slog.Logger
}

func NewAuthHandler(
	registry *session.Registry,
	sup *supervisor.Supervisor,
	cookie config.CookieConfig,
	limits config.SessionConfig,
	teardown func(ctx context.Context, s *session.Session),
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		registry:   registry,
		supervisor: sup,
		cookie:     cookie,
		limits:     limits,
		teardown:   teardown,
		logger:     logger.With("component", "auth"),
	}
}

// Login validates credential shape, provisions a backend and hands the
// caller an opaque session id in an HTTP-only cookie. The submitted token
// is never echoed back, not even on failure.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		respondError(c, http.StatusBadRequest, ErrInvalidRequest)
		return
	}

	creds := credentials.Credentials{Endpoint: req.Endpoint, Token: req.Token}
	creds.Normalize()
	if err := creds.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	if err := h.enforceLimit(c.Request.Context()); err != nil {
		mapLoginError(c, err)
		return
	}

	s, err := h.supervisor.Provision(c.Request.Context(), creds)
	if err != nil {
		h.logger.Warn("Provision failed", "endpoint", creds.Endpoint, "error", err)
		mapLoginError(c, err)
		return
	}

	if err := h.registry.Create(s); err != nil {
		// Unreachable with uuid ids, but never overwrite silently.
		_ = h.supervisor.Terminate(c.Request.Context(), s)
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	monitor.SessionsActive.Set(float64(h.registry.Len()))

	h.setSessionCookie(c, s.ID)
	h.logger.Info("Session started", "session_id", s.ID, "port", s.BackendPort)
	c.JSON(http.StatusOK, LoginResponse{SessionID: s.ID})
}

// enforceLimit applies the configured session-count policy: reject new
// logins, or drain the least-recently-active session to make room.
func (h *AuthHandler) enforceLimit(ctx context.Context) error {
	if h.limits.MaxSessions <= 0 || h.registry.Len() < h.limits.MaxSessions {
		return nil
	}

	if h.limits.LimitPolicy != config.LimitPolicyEvictIdle {
		return ErrCapacity
	}

	lru := h.registry.LeastRecentlyActive()
	if lru == nil || !lru.BeginDrain() {
		return ErrCapacity
	}
	h.logger.Info("Evicting least-recently-active session for capacity",
		"session_id", lru.ID)
	h.teardown(ctx, lru)

	if h.registry.Len() >= h.limits.MaxSessions {
		return ErrCapacity
	}
	return nil
}

// Logout drains the caller's session and tears it down, independent of
// the reaper. Logging out twice is a no-op, not an error.
func (h *AuthHandler) Logout(c *gin.Context) {
	defer h.clearSessionCookie(c)

	id, err := c.Cookie(h.cookie.Name)
	if err != nil || id == "" {
		c.Status(http.StatusNoContent)
		return
	}

	s, ok := h.registry.Get(id)
	if !ok || !s.BeginDrain() {
		// Unknown, already draining or already terminated.
		c.Status(http.StatusNoContent)
		return
	}

	h.logger.Info("Logout", "session_id", s.ID)
	h.teardown(c.Request.Context(), s)
	monitor.SessionsActive.Set(float64(h.registry.Len()))
	c.Status(http.StatusNoContent)
}

// Heartbeat bumps activity for a live session so an open but quiet UI tab
// is not reaped. It never provisions anything.
func (h *AuthHandler) Heartbeat(c *gin.Context) {
	if id, err := c.Cookie(h.cookie.Name); err == nil && id != "" {
		h.registry.UpdateActivity(id)
	}
	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, id string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, id, int(h.cookie.MaxAge.Seconds()), "/", "", h.cookie.Secure, true)
}

func (h *AuthHandler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, "", -1, "/", "", h.cookie.Secure, true)
}
