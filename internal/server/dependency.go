package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/client"

	"agentgate/internal/config"
	"agentgate/internal/supervisor"
)

// Dependency holds infrastructure handles that outlive individual
// sessions.
type Dependency struct {
	Docker *client.Client
	Logger *slog.Logger
}

// InitDeps connects to external infrastructure. The docker client is only
// created (and pinged) when the docker supervisor driver is selected; the
// exec driver needs nothing beyond the local filesystem.
func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	deps := &Dependency{Logger: logger}

	if cfg.Supervisor.Driver == config.DriverDocker {
		dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		if _, err := dockerClient.Ping(ctx); err != nil {
			dockerClient.Close()
			return nil, fmt.Errorf("docker ping: %w", err)
		}
		deps.Docker = dockerClient
	}

	return deps, nil
}

// NewDriver selects the supervisor backend driver from config.
func (d *Dependency) NewDriver(cfg *config.Config) (supervisor.Driver, error) {
	switch cfg.Supervisor.Driver {
	case config.DriverExec:
		return supervisor.NewExecDriver(cfg.Supervisor.BackendBin, d.Logger), nil
	case config.DriverDocker:
		return supervisor.NewDockerDriver(d.Docker, cfg.Supervisor.BackendImage, d.Logger), nil
	default:
		return nil, fmt.Errorf("unknown supervisor driver %q", cfg.Supervisor.Driver)
	}
}

func (d *Dependency) Close() {
	if d.Docker != nil {
		d.Docker.Close()
	}
}
