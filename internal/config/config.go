package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Cookie     CookieConfig
	Session    SessionConfig
	Supervisor SupervisorConfig
	Metrics    MetricsConfig
}

type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	RequestTimeout time.Duration
}

type CookieConfig struct {
	Name   string
	MaxAge time.Duration
	Secure bool
}

type SessionConfig struct {
	IdleTimeout      time.Duration
	ReapInterval     time.Duration
	DrainGrace       time.Duration
	MaxSessions      int
	LimitPolicy      string
	FailureThreshold int
}

type SupervisorConfig struct {
	Driver         string
	BackendBin     string
	BackendImage   string
	AssetsDir      string
	WorkdirRoot    string
	StartupTimeout time.Duration
	StopGrace      time.Duration
	ProbePath      string
}

type MetricsConfig struct {
	Addr string
}

// Session limit policies (see SessionConfig.LimitPolicy).
const (
	LimitPolicyReject    = "reject"
	LimitPolicyEvictIdle = "evict-idle"
)

// Supervisor drivers.
const (
	DriverExec   = "exec"
	DriverDocker = "docker"
)

// Load reads configuration from environment variables with sensible defaults.
// Defaults bind to loopback only; exposing the proxy is an explicit choice.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           getEnv("AGENTGATE_ADDR", "127.0.0.1:8080"),
			ReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			RequestTimeout: getDurationEnv("REQUEST_TIMEOUT", 0),
		},
		Cookie: CookieConfig{
			Name:   getEnv("COOKIE_NAME", "agentgate_session"),
			MaxAge: getDurationEnv("COOKIE_MAX_AGE", 8*time.Hour),
			Secure: getBoolEnv("COOKIE_SECURE", false),
		},
		Session: SessionConfig{
			IdleTimeout:      getDurationEnv("IDLE_TIMEOUT", 60*time.Minute),
			ReapInterval:     getDurationEnv("REAP_INTERVAL", 60*time.Second),
			DrainGrace:       getDurationEnv("DRAIN_GRACE", 10*time.Second),
			MaxSessions:      getIntEnv("MAX_SESSIONS", 0),
			LimitPolicy:      getEnv("SESSION_LIMIT_POLICY", LimitPolicyReject),
			FailureThreshold: getIntEnv("FAILURE_THRESHOLD", 5),
		},
		Supervisor: SupervisorConfig{
			Driver:         getEnv("SUPERVISOR_DRIVER", DriverExec),
			BackendBin:     getEnv("BACKEND_BIN", "assistant"),
			BackendImage:   getEnv("BACKEND_IMAGE", "assistant-backend:latest"),
			AssetsDir:      getEnv("BACKEND_ASSETS_DIR", ""),
			WorkdirRoot:    getEnv("WORKDIR_ROOT", os.TempDir()),
			StartupTimeout: getDurationEnv("STARTUP_TIMEOUT", 30*time.Second),
			StopGrace:      getDurationEnv("STOP_GRACE", 5*time.Second),
			ProbePath:      getEnv("BACKEND_PROBE_PATH", "/"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", "127.0.0.1:9090"),
		},
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
