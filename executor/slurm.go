package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/util"
	"github.com/avast/retry-go"
	"github.com/hashicorp/go-version"
)

// Oldest slurm release the sbatch/squeue flags used here are known to work on.
var minSlurmVersion = version.Must(version.NewVersion("20.02"))

// Submits units as cluster jobs via sbatch and polls their queue state.
// A scheduler reporting RUNNING does not imply the service inside the job is
// ready, so the orchestrator layers an application-level probe on top.
type slurmExecutor struct {
	// stubbed out in tests
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func init() {
	RegisterBackend("slurm", func(map[string]any) (Executor, error) {
		e := &slurmExecutor{run: runCommand}
		if err := e.checkVersion(); err != nil {
			return nil, err
		}
		return e, nil
	})
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (e *slurmExecutor) checkVersion() error {
	out, err := e.run(context.Background(), "sbatch", "--version")
	if err != nil {
		return fmt.Errorf("sbatch is not usable: %w", err)
	}
	// Output looks like "slurm 23.02.1"
	fields := strings.Fields(util.LastNonEmptyLine(out))
	if len(fields) < 2 {
		return fmt.Errorf("cannot parse sbatch version from %q", string(out))
	}
	v, err := version.NewVersion(fields[len(fields)-1])
	if err != nil {
		return fmt.Errorf("cannot parse sbatch version from %q: %w", string(out), err)
	}
	if v.LessThan(minSlurmVersion) {
		return fmt.Errorf("slurm %s is too old, need at least %s", v, minSlurmVersion)
	}
	return nil
}

type slurmHandle struct {
	role  string
	jobID string

	mu      sync.Mutex
	stopped bool
}

func (h *slurmHandle) ID() string      { return h.jobID }
func (h *slurmHandle) Backend() string { return "slurm" }
func (h *slurmHandle) Role() string    { return h.role }

func (e *slurmExecutor) Launch(ctx context.Context, spec *LaunchSpec) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, &LaunchError{Backend: "slurm", Role: spec.Role, Err: fmt.Errorf("empty command")}
	}

	wrapped := strings.Join(spec.Command, " ")
	if spec.Image != "" {
		wrapped = fmt.Sprintf("apptainer exec --nv %s %s", spec.Image, wrapped)
	}

	args := []string{
		"--job-name=" + spec.Role,
		"--parsable",
	}
	res := spec.Resources
	if res.Nodes > 0 {
		args = append(args, fmt.Sprintf("-N%d", res.Nodes))
	}
	if res.CPUs > 0 {
		args = append(args, fmt.Sprintf("--cpus-per-task=%d", res.CPUs))
	}
	if res.GPUs > 0 {
		args = append(args, fmt.Sprintf("--gres=gpu:%d", res.GPUs))
	}
	if res.Memory != "" {
		args = append(args, "--mem="+res.Memory)
	}
	if res.Partition != "" {
		args = append(args, "--partition="+res.Partition)
	}
	if spec.Workdir != "" {
		args = append(args, "--chdir="+spec.Workdir)
	}
	args = append(args, "--wrap="+wrapped)

	out, err := e.run(ctx, "sbatch", args...)
	if err != nil {
		return nil, &LaunchError{Backend: "slurm", Role: spec.Role, Err: fmt.Errorf("sbatch failed: %w: %s", err, string(out))}
	}

	// With --parsable the last line is "<jobid>" or "<jobid>;<cluster>".
	jobID := strings.Split(util.LastNonEmptyLine(out), ";")[0]
	if jobID == "" {
		return nil, &LaunchError{Backend: "slurm", Role: spec.Role, Err: fmt.Errorf("cannot parse job ID from sbatch output %q", string(out))}
	}

	slog.Info("submitted slurm job", slog.String("role", spec.Role), slog.String("jobID", jobID))
	return &slurmHandle{role: spec.Role, jobID: jobID}, nil
}

func (e *slurmExecutor) queueState(ctx context.Context, jobID string) (string, error) {
	var state string
	err := retry.Do(
		func() error {
			out, err := e.run(ctx, "squeue", "-j", jobID, "-h", "-o", "%T")
			if err != nil {
				return fmt.Errorf("squeue failed: %w: %s", err, string(out))
			}
			state = strings.TrimSpace(string(out))
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return state, err
}

func (e *slurmExecutor) Healthy(ctx context.Context, handle Handle) bool {
	h, ok := handle.(*slurmHandle)
	if !ok {
		return false
	}
	state, err := e.queueState(ctx, h.jobID)
	if err != nil {
		slog.Warn("slurm queue state poll failed", slog.String("jobID", h.jobID), slog.String("error", err.Error()))
		return false
	}
	return state == "RUNNING"
}

func (e *slurmExecutor) Terminate(ctx context.Context, handle Handle, grace time.Duration) error {
	h, ok := handle.(*slurmHandle)
	if !ok {
		return fmt.Errorf("not a slurm handle: %T", handle)
	}

	h.mu.Lock()
	alreadyStopped := h.stopped
	h.stopped = true
	h.mu.Unlock()
	if alreadyStopped {
		return nil
	}

	// Graceful first; plain scancel force-kills after the grace period.
	out, err := e.run(ctx, "scancel", "--signal=TERM", h.jobID)
	if err != nil {
		slog.Debug("graceful scancel failed, job may already be gone", slog.String("jobID", h.jobID), slog.String("output", string(out)))
		return nil
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		state, err := e.queueState(ctx, h.jobID)
		if err != nil || state == "" {
			return nil
		}
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		if ctx.Err() != nil {
			break
		}
	}

	slog.Warn("slurm job did not finish within grace period, force cancelling", slog.String("jobID", h.jobID))
	if out, err := e.run(ctx, "scancel", h.jobID); err != nil {
		slog.Debug("force scancel failed", slog.String("jobID", h.jobID), slog.String("output", string(out)))
	}
	return nil
}
