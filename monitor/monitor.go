package monitor

import (
	"context"
	"fmt"

	"github.com/LucaLM02/Benchmarking-AI-Factories/recipe"
	"github.com/LucaLM02/Benchmarking-AI-Factories/report"
)

// A Monitor polls a metrics source on an interval between measurement start
// and measurement end.
type Monitor interface {
	// Start begins sampling. Sampling stops when Stop is called or ctx is
	// cancelled.
	Start(ctx context.Context) error

	// Stop takes one final sample so the window is never truncated short,
	// then flushes the snapshot. The snapshot is immutable afterwards.
	Stop() *report.MetricSnapshot

	// Fatal delivers at most one error when the source must be considered
	// down. A single failed poll never shows up here.
	Fatal() <-chan error
}

// EndpointUnhealthyError means the scrape failure ratio was exceeded and the
// run must be aborted.
type EndpointUnhealthyError struct {
	Endpoint    string
	Consecutive int
}

func (e *EndpointUnhealthyError) Error() string {
	return fmt.Sprintf("metrics endpoint %s is down: %d consecutive scrape failures", e.Endpoint, e.Consecutive)
}

type monitorFactory func(spec *recipe.Monitor) (Monitor, error)

var kinds map[string]monitorFactory

// All monitor kinds must register themselves at module load time so that
// recipe validation can resolve kind strings eagerly.
func RegisterKind(kind string, f monitorFactory) {
	if kinds == nil {
		kinds = map[string]monitorFactory{}
	}
	kinds[kind] = f
}

func KnownKind(kind string) bool {
	_, ok := kinds[kind]
	return ok
}

func NewMonitor(spec *recipe.Monitor) (Monitor, error) {
	f, ok := kinds[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown monitor kind: %s", spec.Kind)
	}
	return f(spec)
}
