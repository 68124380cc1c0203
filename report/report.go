package report

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"time"
)

// Phase is the current state of a run's lifecycle state machine.
type Phase string

const (
	PhaseInit         Phase = "INIT"
	PhaseLaunching    Phase = "LAUNCHING"
	PhaseWaitingReady Phase = "WAITING_READY"
	PhaseWarmup       Phase = "WARMUP"
	PhaseMeasuring    Phase = "MEASURING"
	PhaseDraining     Phase = "DRAINING"
	PhaseTeardown     Phase = "TEARDOWN"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseFailed       Phase = "FAILED"
)

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Process exit code the surrounding tooling maps this run to.
func (p Phase) ExitCode() int {
	if p == PhaseCompleted {
		return 0
	}
	return 1
}

// A single sampled value from a metrics source.
type Sample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Time   int64             `json:"time"` // unix milliseconds
	Value  float64           `json:"value"`
}

// MetricSnapshot is the time-series window captured between measurement start
// and drain completion. Immutable once the monitor flushes it.
type MetricSnapshot struct {
	Source  string    `json:"source"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Samples []Sample  `json:"samples"`
}

func (s *MetricSnapshot) Persist(dir string) (string, error) {
	if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
		return "", err
	}
	buf, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	p := path.Join(dir, fmt.Sprintf("%s_snapshot.json", s.Source))
	if err := os.WriteFile(p, buf, os.ModePerm); err != nil {
		return "", err
	}
	return p, nil
}

// ClientMetrics is what one client driver reports for the measurement window.
type ClientMetrics struct {
	Role         string  `json:"role"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	BytesMoved   int64   `json:"bytesMoved,omitempty"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	P50LatencyMs float64 `json:"p50LatencyMs"`
	P99LatencyMs float64 `json:"p99LatencyMs"`
}

// RunResult is the final outcome of one run. Created at run start, appended to
// throughout, frozen and persisted at teardown. All writes are serialized by
// the orchestrator.
type RunResult struct {
	RunID         string                    `json:"runId"`
	Recipe        string                    `json:"recipe"`
	StartedAt     time.Time                 `json:"startedAt"`
	FinishedAt    time.Time                 `json:"finishedAt"`
	Phase         Phase                     `json:"phase"`
	PhaseReached  Phase                     `json:"phaseReached"`
	RoleStatus    map[string]string         `json:"roleStatus"`
	Clients       map[string]*ClientMetrics `json:"clients,omitempty"`
	SnapshotPaths []string                  `json:"snapshotPaths,omitempty"`
	LogPath       string                    `json:"logPath,omitempty"`
	FatalCause    string                    `json:"fatalCause,omitempty"` // first root cause, empty iff the run completed
	Errors        []string                  `json:"errors,omitempty"`     // secondary errors, including swallowed termination errors
}

func NewRunResult(runID, recipeName string) *RunResult {
	return &RunResult{
		RunID:      runID,
		Recipe:     recipeName,
		StartedAt:  time.Now(),
		Phase:      PhaseInit,
		RoleStatus: map[string]string{},
		Clients:    map[string]*ClientMetrics{},
	}
}

// SetFatal records the first fatal cause. Later errors are kept as secondary.
func (r *RunResult) SetFatal(err error) {
	if err == nil {
		return
	}
	if r.FatalCause == "" {
		r.FatalCause = err.Error()
	} else {
		r.Errors = append(r.Errors, err.Error())
	}
}

func (r *RunResult) AppendError(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

func (r *RunResult) Persist(dir string) (string, error) {
	if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
		return "", err
	}
	buf, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	p := path.Join(dir, "result.json")
	if err := os.WriteFile(p, buf, os.ModePerm); err != nil {
		return "", err
	}
	return p, nil
}
