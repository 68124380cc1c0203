package workload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/executor"
	"github.com/LucaLM02/Benchmarking-AI-Factories/recipe"
	"github.com/LucaLM02/Benchmarking-AI-Factories/report"
)

// A ReadinessProbe is polled on a bounded interval until the service answers.
// Check returns nil once the service is ready. Errors wrapped in Permanent
// abort the wait instead of being retried.
type ReadinessProbe interface {
	Check(ctx context.Context) error
}

// Permanent marks a probe failure that polling cannot recover from.
func Permanent(err error) error {
	return &permanentError{err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// A Driver knows how to start a specific service type and how to generate
// client load against it. One instance is created per declared role.
type Driver interface {
	// ServiceSpec builds the launch description for this service type.
	ServiceSpec(svc *recipe.Service) (*executor.LaunchSpec, error)

	// Readiness returns the probe gating the transition out of WAITING_READY.
	Readiness(svc *recipe.Service) ReadinessProbe

	// DriveClient issues load for exactly d, stops issuing new requests at the
	// boundary and lets in-flight requests drain (bounded by ctx) before
	// reporting.
	DriveClient(ctx context.Context, cl *recipe.Client, d time.Duration) (*report.ClientMetrics, error)
}

// ClientDriverError means load generation failed irrecoverably.
type ClientDriverError struct {
	Role string
	Err  error
}

func (e *ClientDriverError) Error() string {
	return fmt.Sprintf("client driver %s failed: %v", e.Role, e.Err)
}

func (e *ClientDriverError) Unwrap() error { return e.Err }

type driverFactory func(params map[string]any) (Driver, error)

var drivers map[string]driverFactory

// All workload types must register themselves at module load time so that
// recipe validation can resolve type strings before anything runs.
func RegisterDriver(workloadType string, f driverFactory) {
	if drivers == nil {
		drivers = map[string]driverFactory{}
	}
	drivers[workloadType] = f
}

func KnownDriver(workloadType string) bool {
	_, ok := drivers[workloadType]
	return ok
}

func NewDriver(workloadType string, params map[string]any) (Driver, error) {
	f, ok := drivers[workloadType]
	if !ok {
		return nil, fmt.Errorf("unknown workload type: %s", workloadType)
	}
	return f(params)
}
