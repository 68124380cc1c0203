package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/util"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// Runs units as containers through the Docker Engine API, with the run
// workspace bind-mounted in.
type dockerExecutor struct {
	cli *client.Client
}

func init() {
	RegisterBackend("docker", func(map[string]any) (Executor, error) {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("creating docker client failed: %w", err)
		}
		return &dockerExecutor{cli: cli}, nil
	})
}

type dockerHandle struct {
	role        string
	containerID string

	mu      sync.Mutex
	removed bool
}

func (h *dockerHandle) ID() string      { return h.containerID }
func (h *dockerHandle) Backend() string { return "docker" }
func (h *dockerHandle) Role() string    { return h.role }

func (e *dockerExecutor) Launch(ctx context.Context, spec *LaunchSpec) (Handle, error) {
	if spec.Image == "" {
		return nil, &LaunchError{Backend: "docker", Role: spec.Role, Err: fmt.Errorf("image is required")}
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort("tcp", fmt.Sprint(p))
		if err != nil {
			return nil, &LaunchError{Backend: "docker", Role: spec.Role, Err: err}
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprint(p)}}
	}

	name := fmt.Sprintf("%s-%s", spec.Role, util.Randstring(6))
	created, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Command,
			Env:          spec.Env,
			WorkingDir:   spec.Workdir,
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			Binds:        spec.Binds,
			PortBindings: bindings,
		},
		nil, nil, name)
	if err != nil {
		return nil, &LaunchError{Backend: "docker", Role: spec.Role, Err: fmt.Errorf("container create failed: %w", err)}
	}

	err = e.cli.ContainerStart(ctx, created.ID, container.StartOptions{})
	if err != nil {
		// Best effort, the container never ran.
		e.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, &LaunchError{Backend: "docker", Role: spec.Role, Err: fmt.Errorf("container start failed: %w", err)}
	}

	slog.Info("started container", slog.String("role", spec.Role), slog.String("containerID", created.ID[:12]))
	return &dockerHandle{role: spec.Role, containerID: created.ID}, nil
}

func (e *dockerExecutor) Healthy(ctx context.Context, handle Handle) bool {
	h, ok := handle.(*dockerHandle)
	if !ok {
		return false
	}
	info, err := e.cli.ContainerInspect(ctx, h.containerID)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

func (e *dockerExecutor) Terminate(ctx context.Context, handle Handle, grace time.Duration) error {
	h, ok := handle.(*dockerHandle)
	if !ok {
		return fmt.Errorf("not a docker handle: %T", handle)
	}

	h.mu.Lock()
	alreadyRemoved := h.removed
	h.removed = true
	h.mu.Unlock()
	if alreadyRemoved {
		return nil
	}

	// ContainerStop escalates to SIGKILL on its own once the timeout elapses.
	timeout := int(grace.Seconds())
	err := e.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("container stop failed, killing", slog.String("containerID", h.containerID[:12]), slog.String("error", err.Error()))
		if err := e.cli.ContainerKill(ctx, h.containerID, "KILL"); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("container kill failed: %w", err)
		}
	}

	err = e.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container remove failed: %w", err)
	}
	return nil
}
