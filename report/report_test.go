package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTerminal(t *testing.T) {
	assert.True(t, PhaseCompleted.Terminal())
	assert.True(t, PhaseFailed.Terminal())
	assert.False(t, PhaseMeasuring.Terminal())
	assert.False(t, PhaseInit.Terminal())
}

func TestPhaseExitCode(t *testing.T) {
	assert.Equal(t, 0, PhaseCompleted.ExitCode())
	assert.Equal(t, 1, PhaseFailed.ExitCode())
	assert.Equal(t, 1, PhaseMeasuring.ExitCode())
}

func TestSnapshotPersist(t *testing.T) {
	dir := t.TempDir()
	snap := &MetricSnapshot{
		Source: "minio-metrics",
		Start:  time.Now().Add(-time.Minute),
		End:    time.Now(),
		Samples: []Sample{
			{Name: "minio_s3_requests_total", Labels: map[string]string{"api": "putobject"}, Time: time.Now().UnixMilli(), Value: 42},
		},
	}

	p, err := snap.Persist(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "minio-metrics_snapshot.json"), p)

	buf, err := os.ReadFile(p)
	require.NoError(t, err)
	var got MetricSnapshot
	require.NoError(t, json.Unmarshal(buf, &got))
	assert.Equal(t, "minio-metrics", got.Source)
	require.Len(t, got.Samples, 1)
	assert.Equal(t, 42.0, got.Samples[0].Value)
}

func TestRunResultSetFatalKeepsFirstCause(t *testing.T) {
	r := NewRunResult("run-1", "minio-ingest")
	r.SetFatal(fmt.Errorf("service minio did not become ready"))
	r.SetFatal(fmt.Errorf("monitor endpoint is down"))
	r.AppendError(fmt.Errorf("scancel failed"))

	assert.Equal(t, "service minio did not become ready", r.FatalCause)
	assert.Equal(t, []string{"monitor endpoint is down", "scancel failed"}, r.Errors)
}

func TestRunResultSetFatalNil(t *testing.T) {
	r := NewRunResult("run-1", "r")
	r.SetFatal(nil)
	assert.Empty(t, r.FatalCause)
}

func TestRunResultPersist(t *testing.T) {
	dir := t.TempDir()
	r := NewRunResult("run-1", "minio-ingest")
	r.Phase = PhaseCompleted
	r.PhaseReached = PhaseCompleted
	r.RoleStatus["minio"] = "terminated"
	r.Clients["uploader"] = &ClientMetrics{Role: "uploader", Completed: 100}
	r.FinishedAt = time.Now()

	p, err := r.Persist(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "result.json"), p)

	buf, err := os.ReadFile(p)
	require.NoError(t, err)
	var got RunResult
	require.NoError(t, json.Unmarshal(buf, &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, PhaseCompleted, got.Phase)
	assert.Equal(t, 100, got.Clients["uploader"].Completed)
	assert.Empty(t, got.FatalCause)
}
