package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"agentgate/internal/session"
)

var _ Driver = (*ExecDriver)(nil)

// ExecDriver runs each backend as a child OS process of the proxy.
type ExecDriver struct {
	bin    string
	logger *slog.Logger
}

func NewExecDriver(bin string, logger *slog.Logger) *ExecDriver {
	return &ExecDriver{
		bin:    bin,
		logger: logger.With("driver", "exec"),
	}
}

func (d *ExecDriver) Start(ctx context.Context, spec StartSpec) (session.Handle, error) {
	cmd := exec.Command(d.bin, "web", "--host", backendHost, "--port", strconv.Itoa(spec.Port))
	cmd.Dir = spec.Workdir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendStartFailed, err)
	}

	h := &execHandle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	d.logger.Info("Backend process started",
		"session_id", spec.SessionID,
		"port", spec.Port,
		"pid", cmd.Process.Pid,
	)
	return h, nil
}

type execHandle struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func (h *execHandle) Alive(ctx context.Context) bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Stop sends SIGTERM, waits up to grace for exit, then SIGKILLs. A process
// that refuses to die never leaves the session stuck in Draining.
func (h *execHandle) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone between the done check and the signal.
		return nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill backend: %w", err)
	}
	<-h.done
	return nil
}
