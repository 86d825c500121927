package api

type LoginRequest struct {
	Endpoint string `json:"endpoint" form:"endpoint" binding:"required"`
	Token    string `json:"token" form:"token" binding:"required"`
}

type LoginResponse struct {
	SessionID string `json:"session_id"`
}

type HealthResponse struct {
	Status           string         `json:"status"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
	ActiveSessions   int            `json:"active_sessions"`
	SessionsByState  map[string]int `json:"sessions_by_state"`
	BackendsRunning  int            `json:"backends_running"`
	WebsocketTunnels int64          `json:"websocket_tunnels"`
	Goroutines       int            `json:"goroutines"`
	HeapBytes        uint64         `json:"heap_bytes"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}
