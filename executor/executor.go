package executor

import (
	"context"
	"fmt"
	"time"
)

// A Handle is an opaque reference to a launched unit. It is owned exclusively
// by the orchestrator for its lifetime and never shared between goroutines.
type Handle interface {
	ID() string
	Backend() string
	Role() string
}

// Resources requested for a launch. Interpretation is backend-specific.
type Resources struct {
	Nodes     int
	CPUs      int
	GPUs      int
	Memory    string
	Partition string
}

// LaunchSpec describes one process-like unit to start under a backend.
// Workload drivers build these from the recipe; executors only consume them.
type LaunchSpec struct {
	Role      string
	Command   []string
	Env       []string
	Workdir   string
	Image     string   // container image, or apptainer image to wrap a scheduler job in
	Binds     []string // host:target mounts for container-based backends
	Ports     []int    // ports the unit listens on; the first one backs the liveness probe
	Resources Resources
}

// Executor starts, stops and queries one named unit under a chosen backend.
// Terminate must be idempotent and must escalate from graceful stop to forced
// kill once the grace period elapses.
type Executor interface {
	Launch(ctx context.Context, spec *LaunchSpec) (Handle, error)
	Healthy(ctx context.Context, h Handle) bool
	Terminate(ctx context.Context, h Handle, grace time.Duration) error
}

// LaunchError means the backend failed to start a unit.
type LaunchError struct {
	Backend string
	Role    string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s on backend %s failed: %v", e.Role, e.Backend, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

type executorFactory func(map[string]any) (Executor, error)

var backends map[string]executorFactory

// All backends must register themselves at module load time so the recipe can
// be checked against the registry before anything is launched.
func RegisterBackend(name string, f executorFactory) {
	if backends == nil {
		backends = map[string]executorFactory{}
	}
	backends[name] = f
}

func KnownBackend(name string) bool {
	_, ok := backends[name]
	return ok
}

func NewExecutor(name string, opts map[string]any) (Executor, error) {
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown executor backend: %s", name)
	}
	return f(opts)
}
