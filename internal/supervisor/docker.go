package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"agentgate/internal/session"
)

var _ Driver = (*DockerDriver)(nil)

// DockerDriver runs each backend in a container instead of a child
// process. The backend port is published on loopback only, so containers
// are no more reachable from outside than exec backends are.
type DockerDriver struct {
	client *client.Client
	image  string
	logger *slog.Logger
}

func NewDockerDriver(cli *client.Client, image string, logger *slog.Logger) *DockerDriver {
	return &DockerDriver{
		client: cli,
		image:  image,
		logger: logger.With("driver", "docker"),
	}
}

func (d *DockerDriver) Start(ctx context.Context, spec StartSpec) (session.Handle, error) {
	if err := d.ensureImage(ctx); err != nil {
		return nil, err
	}

	port := strconv.Itoa(spec.Port)
	backendPort := nat.Port(port + "/tcp")

	cfg := &container.Config{
		Image: d.image,
		Env:   append([]string{"PORT=" + port}, spec.Env...),
		ExposedPorts: nat.PortSet{
			backendPort: struct{}{},
		},
		Labels: map[string]string{
			"managed_by": "agentgate",
			"session_id": spec.SessionID,
		},
	}

	hostCfg := &container.HostConfig{
		Binds: []string{
			fmt.Sprintf("%s:/workspace:rw", spec.Workdir),
		},
		PortBindings: nat.PortMap{
			backendPort: []nat.PortBinding{
				{HostIP: backendHost, HostPort: port},
			},
		},
		AutoRemove: false,
	}

	name := "agentgate-" + spec.SessionID[:8]
	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendStartFailed, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: %v", ErrBackendStartFailed, err)
	}

	d.logger.Info("Backend container started",
		"session_id", spec.SessionID,
		"container_id", resp.ID[:12],
		"port", spec.Port,
	)
	return &dockerHandle{client: d.client, id: resp.ID}, nil
}

func (d *DockerDriver) ensureImage(ctx context.Context) error {
	_, err := d.client.ImageInspect(ctx, d.image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}

	d.logger.Info("Image not found, pulling...", "image", d.image)
	reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}
	defer reader.Close()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, reader)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrImagePullFailed, ctx.Err())
	}
}

type dockerHandle struct {
	client *client.Client
	id     string
}

func (h *dockerHandle) Alive(ctx context.Context) bool {
	inspect, err := h.client.ContainerInspect(ctx, h.id)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

func (h *dockerHandle) Stop(ctx context.Context, grace time.Duration) error {
	seconds := int(grace.Seconds())
	err := h.client.ContainerStop(ctx, h.id, container.StopOptions{Timeout: &seconds})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container: %w", err)
	}

	err = h.client.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}
