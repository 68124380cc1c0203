package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Runs units as local child processes. The whole process group is signalled on
// terminate so children spawned by shell wrappers do not leak.
type processExecutor struct{}

func init() {
	RegisterBackend("process", func(map[string]any) (Executor, error) {
		return &processExecutor{}, nil
	})
}

type processHandle struct {
	role string
	cmd  *exec.Cmd
	port int
	done chan struct{}

	mu      sync.Mutex
	waitErr error
	stopped bool
}

func (h *processHandle) ID() string      { return strconv.Itoa(h.cmd.Process.Pid) }
func (h *processHandle) Backend() string { return "process" }
func (h *processHandle) Role() string    { return h.role }

func (h *processHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (e *processExecutor) Launch(ctx context.Context, spec *LaunchSpec) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, &LaunchError{Backend: "process", Role: spec.Role, Err: fmt.Errorf("empty command")}
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Workdir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err := cmd.Start()
	if err != nil {
		return nil, &LaunchError{Backend: "process", Role: spec.Role, Err: err}
	}

	h := &processHandle{role: spec.Role, cmd: cmd, done: make(chan struct{})}
	if len(spec.Ports) > 0 {
		h.port = spec.Ports[0]
	}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.mu.Unlock()
		close(h.done)
	}()

	slog.Info("launched process", slog.String("role", spec.Role), slog.Int("pid", cmd.Process.Pid))
	return h, nil
}

func (e *processExecutor) Healthy(ctx context.Context, handle Handle) bool {
	h, ok := handle.(*processHandle)
	if !ok || h.exited() {
		return false
	}
	if h.port > 0 {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(h.port)), 2*time.Second)
		if err != nil {
			return false
		}
		conn.Close()
	}
	return true
}

func (e *processExecutor) Terminate(ctx context.Context, handle Handle, grace time.Duration) error {
	h, ok := handle.(*processHandle)
	if !ok {
		return fmt.Errorf("not a process handle: %T", handle)
	}

	h.mu.Lock()
	alreadyStopped := h.stopped
	h.stopped = true
	h.mu.Unlock()
	if alreadyStopped || h.exited() {
		return nil
	}

	pgid, err := syscall.Getpgid(h.cmd.Process.Pid)
	if err != nil {
		// The process is already gone.
		return nil
	}

	slog.Debug("terminating process group", slog.String("role", h.role), slog.Int("pgid", pgid))
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signalling process group failed: %w", err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	slog.Warn("process did not exit within grace period, killing", slog.String("role", h.role))
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("killing process group failed: %w", err)
	}
	<-h.done
	return nil
}
