package executor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slurmCall struct {
	name string
	args []string
}

// stubRunner replays canned outputs per command name and records every call.
type stubRunner struct {
	calls   []slurmCall
	outputs map[string][]byte
	errs    map[string]error
}

func (s *stubRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	s.calls = append(s.calls, slurmCall{name: name, args: args})
	return s.outputs[name], s.errs[name]
}

func (s *stubRunner) callsTo(name string) int {
	n := 0
	for _, c := range s.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func TestSlurmLaunchParsesJobID(t *testing.T) {
	stub := &stubRunner{outputs: map[string][]byte{"sbatch": []byte("12345;cluster\n")}}
	e := &slurmExecutor{run: stub.run}

	h, err := e.Launch(context.Background(), &LaunchSpec{
		Role:    "vllm",
		Command: []string{"vllm", "serve", "m"},
		Image:   "vllm.sif",
		Resources: Resources{
			Nodes:  1,
			CPUs:   8,
			GPUs:   2,
			Memory: "64G",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "12345", h.ID())
	assert.Equal(t, "slurm", h.Backend())

	require.Len(t, stub.calls, 1)
	args := strings.Join(stub.calls[0].args, " ")
	assert.Contains(t, args, "--job-name=vllm")
	assert.Contains(t, args, "--parsable")
	assert.Contains(t, args, "--cpus-per-task=8")
	assert.Contains(t, args, "--gres=gpu:2")
	assert.Contains(t, args, "--mem=64G")
	assert.Contains(t, args, "apptainer exec --nv vllm.sif vllm serve m")
}

func TestSlurmLaunchSbatchFailure(t *testing.T) {
	stub := &stubRunner{
		outputs: map[string][]byte{"sbatch": []byte("sbatch: error: invalid partition\n")},
		errs:    map[string]error{"sbatch": fmt.Errorf("exit status 1")},
	}
	e := &slurmExecutor{run: stub.run}

	_, err := e.Launch(context.Background(), &LaunchSpec{Role: "svc", Command: []string{"srv"}})
	var lerr *LaunchError
	require.ErrorAs(t, err, &lerr)
	assert.Contains(t, lerr.Error(), "invalid partition")
}

func TestSlurmHealthy(t *testing.T) {
	stub := &stubRunner{outputs: map[string][]byte{"squeue": []byte("RUNNING\n")}}
	e := &slurmExecutor{run: stub.run}
	h := &slurmHandle{role: "svc", jobID: "7"}

	assert.True(t, e.Healthy(context.Background(), h))

	stub.outputs["squeue"] = []byte("PENDING\n")
	assert.False(t, e.Healthy(context.Background(), h))
}

func TestSlurmTerminateIdempotent(t *testing.T) {
	stub := &stubRunner{outputs: map[string][]byte{
		"scancel": []byte(""),
		"squeue":  []byte(""), // job gone right after graceful cancel
	}}
	e := &slurmExecutor{run: stub.run}
	h := &slurmHandle{role: "svc", jobID: "7"}

	require.NoError(t, e.Terminate(context.Background(), h, 10*time.Second))
	assert.Equal(t, 1, stub.callsTo("scancel"))

	// Second terminate short-circuits without shelling out again.
	require.NoError(t, e.Terminate(context.Background(), h, 10*time.Second))
	assert.Equal(t, 1, stub.callsTo("scancel"))
}

func TestSlurmCheckVersion(t *testing.T) {
	stub := &stubRunner{outputs: map[string][]byte{"sbatch": []byte("slurm 23.02.1\n")}}
	e := &slurmExecutor{run: stub.run}
	require.NoError(t, e.checkVersion())

	stub.outputs["sbatch"] = []byte("slurm 19.05.0\n")
	err := e.checkVersion()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too old")
}
