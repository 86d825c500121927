package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"agentgate/internal/session"
)

// HealthHandler reports operational status. Strictly read-only: it never
// mutates the registry and is never used for routing decisions.
type HealthHandler struct {
	registry  *session.Registry
	tunnels   func() int64
	startedAt time.Time
}

func NewHealthHandler(registry *session.Registry, tunnels func() int64) *HealthHandler {
	return &HealthHandler{
		registry:  registry,
		tunnels:   tunnels,
		startedAt: time.Now(),
	}
}

func (h *HealthHandler) Health(c *gin.Context) {
	byState := make(map[string]int)
	for state, n := range h.registry.CountByState() {
		byState[string(state)] = n
	}

	running := 0
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	for _, s := range h.registry.List() {
		if s.Handle != nil && s.Handle.Alive(ctx) {
			running++
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(http.StatusOK, HealthResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(h.startedAt).Seconds()),
		ActiveSessions:   h.registry.Len(),
		SessionsByState:  byState,
		BackendsRunning:  running,
		WebsocketTunnels: h.tunnels(),
		Goroutines:       runtime.NumGoroutine(),
		HeapBytes:        mem.HeapAlloc,
	})
}
