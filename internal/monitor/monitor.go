package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session Metrics
var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentgate",
		Subsystem: "session",
		Name:      "active_count",
		Help:      "Number of sessions currently in the registry",
	})

	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "session",
		Name:      "reaped_total",
		Help:      "Total number of sessions evicted by the idle reaper",
	})
)

// Supervisor Metrics
var (
	ProvisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentgate",
		Subsystem: "supervisor",
		Name:      "provision_latency_seconds",
		Help:      "Latency of provisioning a backend to Ready",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	ProvisionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "supervisor",
		Name:      "provision_errors_total",
		Help:      "Total number of backend provisioning failures",
	})

	BackendsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentgate",
		Subsystem: "supervisor",
		Name:      "backends_running",
		Help:      "Number of backend processes currently owned by the supervisor",
	})
)

// Proxy Metrics
var (
	ProxiedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests forwarded to backends",
	})

	ProxyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "proxy",
		Name:      "errors_total",
		Help:      "Total number of failed backend dispatches",
	})

	WebsocketTunnels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentgate",
		Subsystem: "proxy",
		Name:      "websocket_tunnels",
		Help:      "Number of currently open WebSocket tunnels",
	})
)
