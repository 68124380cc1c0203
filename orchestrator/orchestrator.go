package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/analytics"
	"github.com/LucaLM02/Benchmarking-AI-Factories/executor"
	"github.com/LucaLM02/Benchmarking-AI-Factories/monitor"
	"github.com/LucaLM02/Benchmarking-AI-Factories/recipe"
	"github.com/LucaLM02/Benchmarking-AI-Factories/report"
	"github.com/LucaLM02/Benchmarking-AI-Factories/runlog"
	"github.com/LucaLM02/Benchmarking-AI-Factories/workload"
	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

const (
	defaultStartupTimeout = 2 * time.Minute
	defaultDrainTimeout   = 30 * time.Second
	defaultTerminateGrace = 10 * time.Second
	probeInterval         = 2 * time.Second
)

// StartupTimeoutError means a service's readiness probe did not report ready
// within the recipe's startup timeout.
type StartupTimeoutError struct {
	Role    string
	Timeout time.Duration
	Err     error
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("service %s did not become ready within %s: %v", e.Role, e.Timeout, e.Err)
}

func (e *StartupTimeoutError) Unwrap() error { return e.Err }

type launchedService struct {
	svc    *recipe.Service
	exec   executor.Executor
	handle executor.Handle
}

// Orchestrator drives one run of a recipe end to end: it instantiates the
// declared roles, walks the lifecycle state machine and guarantees teardown
// under partial failure. One instance per run; the control loop is single
// threaded, concurrent activities report upward through channels.
type Orchestrator struct {
	rec       *recipe.Recipe
	workspace string
	outputDir string

	executors map[string]executor.Executor
	drivers   map[string]workload.Driver
	monitors  map[string]monitor.Monitor
	logger    runlog.Logger

	launched        []launchedService
	monitorsStarted bool

	// resultMu serializes RunResult updates coming from concurrent
	// activities (readiness pollers, client drivers).
	resultMu sync.Mutex
	result   *report.RunResult

	drainTimeout   time.Duration
	terminateGrace time.Duration
}

// Run executes the recipe and always returns a RunResult, even on abort
// paths. The caller maps RunResult.Phase to an exit code.
func Run(ctx context.Context, rec *recipe.Recipe, workspace string) *report.RunResult {
	outputDir := rec.Reporting.OutputDir
	if outputDir == "" {
		outputDir = "results"
	}
	o := &Orchestrator{
		rec:            rec,
		workspace:      workspace,
		outputDir:      path.Join(workspace, outputDir),
		result:         report.NewRunResult(uuid.NewString(), rec.Meta.Name),
		drainTimeout:   defaultDrainTimeout,
		terminateGrace: defaultTerminateGrace,
	}
	if rec.Execution.DrainTimeout > 0 {
		o.drainTimeout = rec.Execution.DrainTimeout.Std()
	}
	if rec.Execution.TerminateGrace > 0 {
		o.terminateGrace = rec.Execution.TerminateGrace.Std()
	}
	if rec.Execution.MaxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rec.Execution.MaxRuntime.Std())
		defer cancel()
	}
	return o.run(ctx)
}

func (o *Orchestrator) run(ctx context.Context) *report.RunResult {
	slog.Info("starting run", slog.String("runID", o.result.RunID), slog.String("recipe", o.rec.Meta.Name))

	if err := o.init(); err != nil {
		// Nothing was allocated, no teardown needed.
		o.result.SetFatal(err)
		o.result.Phase = report.PhaseFailed
		o.finish()
		return o.result
	}
	o.setPhase(report.PhaseInit)

	fatal := o.launchAndMeasure(ctx)
	if fatal != nil {
		o.result.SetFatal(fatal)
	}

	o.teardown()

	if fatal != nil {
		o.setPhase(report.PhaseFailed)
	} else {
		o.setPhase(report.PhaseCompleted)
	}
	o.finish()
	return o.result
}

// launchAndMeasure walks INIT..DRAINING and returns the first fatal cause, or
// nil if measurement finished normally. Teardown is the caller's job so it
// runs on every path.
func (o *Orchestrator) launchAndMeasure(ctx context.Context) error {
	o.setPhase(report.PhaseLaunching)
	if err := o.launch(ctx); err != nil {
		return err
	}

	o.setPhase(report.PhaseWaitingReady)
	if err := o.waitReady(ctx); err != nil {
		return err
	}

	if warmup := o.rec.Execution.Warmup.Std(); warmup > 0 {
		o.setPhase(report.PhaseWarmup)
		if err := o.runClients(ctx, warmup, false); err != nil {
			return err
		}
	}

	o.setPhase(report.PhaseMeasuring)
	return o.measure(ctx)
}

func (o *Orchestrator) init() error {
	err := o.rec.Validate(&recipe.ValidateOpts{
		KnownBackend:  executor.KnownBackend,
		KnownWorkload: workload.KnownDriver,
		KnownMonitor:  monitor.KnownKind,
		KnownSink:     runlog.KnownSink,
	})
	if err != nil {
		return err
	}

	sink := o.rec.Logger.Sink
	if sink == "" {
		sink = "file"
	}
	destination := o.rec.Logger.Destination
	if destination == "" {
		destination = path.Join(o.outputDir, "run.log")
	} else if !path.IsAbs(destination) {
		destination = path.Join(o.workspace, destination)
	}
	o.logger, err = runlog.NewLogger(sink, destination)
	if err != nil {
		return fmt.Errorf("creating run logger failed: %w", err)
	}

	byBackend := map[string]executor.Executor{}
	o.executors = map[string]executor.Executor{}
	o.drivers = map[string]workload.Driver{}
	for i := range o.rec.Services {
		svc := &o.rec.Services[i]
		exec, ok := byBackend[svc.Backend]
		if !ok {
			exec, err = executor.NewExecutor(svc.Backend, nil)
			if err != nil {
				return fmt.Errorf("creating %s executor failed: %w", svc.Backend, err)
			}
			byBackend[svc.Backend] = exec
		}
		o.executors[svc.Name] = exec

		o.drivers[svc.Name], err = workload.NewDriver(svc.Workload, svc.Params)
		if err != nil {
			return fmt.Errorf("creating driver for service %s failed: %w", svc.Name, err)
		}
	}
	for i := range o.rec.Clients {
		cl := &o.rec.Clients[i]
		o.drivers[cl.Name], err = workload.NewDriver(cl.Workload, cl.Params)
		if err != nil {
			return fmt.Errorf("creating driver for client %s failed: %w", cl.Name, err)
		}
	}

	o.monitors = map[string]monitor.Monitor{}
	for i := range o.rec.Monitors {
		m := &o.rec.Monitors[i]
		o.monitors[m.Name], err = monitor.NewMonitor(m)
		if err != nil {
			return fmt.Errorf("creating monitor %s failed: %w", m.Name, err)
		}
	}
	return nil
}

// launch starts every declared service in dependency-declared order. Clients
// are not separate units, they run in-process once their targets are ready.
func (o *Orchestrator) launch(ctx context.Context) error {
	for i := range o.rec.Services {
		svc := &o.rec.Services[i]
		spec, err := o.drivers[svc.Name].ServiceSpec(svc)
		if err != nil {
			return &executor.LaunchError{Backend: svc.Backend, Role: svc.Name, Err: err}
		}
		if spec.Workdir == "" {
			spec.Workdir = o.workspace
		}

		handle, err := o.executors[svc.Name].Launch(ctx, spec)
		if err != nil {
			o.setRoleStatus(svc.Name, "launch failed")
			return err
		}
		o.launched = append(o.launched, launchedService{svc: svc, exec: o.executors[svc.Name], handle: handle})
		o.setRoleStatus(svc.Name, "launched")
		o.record("INFO", svc.Name, "service launched", map[string]any{"handle": handle.ID(), "backend": handle.Backend()})
	}
	return nil
}

// waitReady polls every service's readiness probe concurrently. The first
// startup timeout or permanent probe failure aborts the run.
func (o *Orchestrator) waitReady(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range o.launched {
		l := l
		g.Go(func() error {
			timeout := l.svc.StartupTimeout.Std()
			if timeout <= 0 {
				timeout = defaultStartupTimeout
			}
			probe := o.drivers[l.svc.Name].Readiness(l.svc)

			tctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			attempts := uint(timeout/probeInterval) + 1
			err := retry.Do(
				func() error {
					err := probe.Check(tctx)
					if err != nil && workload.IsPermanent(err) {
						return retry.Unrecoverable(err)
					}
					return err
				},
				retry.Context(tctx),
				retry.Attempts(attempts),
				retry.Delay(probeInterval),
				retry.DelayType(retry.FixedDelay),
				retry.LastErrorOnly(true),
			)
			if err != nil {
				o.setRoleStatus(l.svc.Name, "startup failed")
				return &StartupTimeoutError{Role: l.svc.Name, Timeout: timeout, Err: err}
			}
			o.setRoleStatus(l.svc.Name, "ready")
			o.record("INFO", l.svc.Name, "service ready", nil)
			return nil
		})
	}
	return g.Wait()
}

// runClients drives every client for d. Metrics are retained only when record
// is set (the measurement window); warmup results are discarded.
func (o *Orchestrator) runClients(ctx context.Context, d time.Duration, record bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range o.rec.Clients {
		cl := &o.rec.Clients[i]
		g.Go(func() error {
			metrics, err := o.drivers[cl.Name].DriveClient(gctx, cl, d)
			if record && metrics != nil {
				o.resultMu.Lock()
				o.result.Clients[cl.Name] = metrics
				o.resultMu.Unlock()
			}
			if err != nil {
				o.setRoleStatus(cl.Name, "failed")
				return err
			}
			o.setRoleStatus(cl.Name, "finished")
			return nil
		})
	}
	return g.Wait()
}

// measure runs MEASURING and DRAINING: monitors start strictly after all
// services are ready, stop strictly after the measurement duration elapses
// (idle time is still measured if a client finishes early), and in-flight
// client requests get a bounded drain.
func (o *Orchestrator) measure(ctx context.Context) error {
	measCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for name, m := range o.monitors {
		if err := m.Start(measCtx); err != nil {
			return fmt.Errorf("starting monitor %s failed: %w", name, err)
		}
		o.record("INFO", name, "monitor started", nil)
	}
	o.monitorsStarted = true

	monFatal := make(chan error, len(o.monitors))
	for _, m := range o.monitors {
		m := m
		go func() {
			select {
			case err := <-m.Fatal():
				monFatal <- err
			case <-measCtx.Done():
			}
		}()
	}

	d := o.rec.Execution.Measurement.Std()
	clientErr := make(chan error, 1)
	go func() {
		clientErr <- o.runClients(measCtx, d, true)
	}()
	clientsDone := false

	// No concurrent activity may outlive the control loop: every abort path
	// cancels the drivers and waits for them, bounded by the drain timeout,
	// before teardown starts and the result freezes.
	abort := func(cause error) error {
		cancel()
		if !clientsDone {
			select {
			case <-clientErr:
			case <-time.After(o.drainTimeout):
				o.record("WARN", "", "client drivers did not stop within drain timeout", nil)
			}
			clientsDone = true
		}
		return cause
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	healthTicker := time.NewTicker(probeInterval)
	defer healthTicker.Stop()
	for {
		select {
		case err := <-clientErr:
			clientsDone = true
			if err != nil {
				return abort(err)
			}
			// Finished early without error: keep measuring idle time.
			continue
		case err := <-monFatal:
			return abort(err)
		case <-healthTicker.C:
			if err := o.checkServices(ctx); err != nil {
				return abort(err)
			}
			continue
		case <-ctx.Done():
			return abort(ctx.Err())
		case <-timer.C:
		}
		break
	}

	o.setPhase(report.PhaseDraining)
	if !clientsDone {
		select {
		case err := <-clientErr:
			clientsDone = true
			if err != nil {
				return err
			}
		case <-time.After(o.drainTimeout):
			o.record("WARN", "", "drain timeout exceeded, cancelling in-flight requests", nil)
			cancel()
			if err := <-clientErr; err != nil && ctx.Err() == nil {
				// In-flight failures caused by the drain cut are expected.
				o.record("WARN", "", "client error during drain cut", map[string]any{"error": err.Error()})
			}
			clientsDone = true
		case <-ctx.Done():
			return abort(ctx.Err())
		}
	}

	o.stopMonitors(true)
	return nil
}

// checkServices asks each backend whether its unit is still alive. The
// application probes only gate startup; a service dying mid-window is caught
// here, including services no client ever talks to.
func (o *Orchestrator) checkServices(ctx context.Context) error {
	for _, l := range o.launched {
		if !l.exec.Healthy(ctx, l.handle) {
			o.setRoleStatus(l.svc.Name, "unhealthy")
			return fmt.Errorf("service %s (%s) is no longer healthy", l.svc.Name, l.handle.Backend())
		}
	}
	return nil
}

// stopMonitors flushes every running monitor. Snapshots are persisted only
// when the run measured successfully; abort paths just release the goroutines.
func (o *Orchestrator) stopMonitors(persist bool) {
	if !o.monitorsStarted {
		return
	}
	o.monitorsStarted = false

	var snapshots []*report.MetricSnapshot
	for name, m := range o.monitors {
		snap := m.Stop()
		o.record("INFO", name, "monitor stopped", map[string]any{"samples": len(snap.Samples)})
		if persist {
			snapshots = append(snapshots, snap)
			p, err := snap.Persist(o.outputDir)
			if err != nil {
				o.result.AppendError(fmt.Errorf("persisting snapshot %s failed: %w", name, err))
				continue
			}
			o.result.SnapshotPaths = append(o.result.SnapshotPaths, p)
		}
	}

	if persist && o.rec.Reporting.Grafana && len(snapshots) > 0 {
		exporter := analytics.NewGrafanaExporter(nil)
		if p, err := exporter.Export(snapshots, o.outputDir); err != nil {
			o.result.AppendError(fmt.Errorf("grafana export failed: %w", err))
		} else {
			o.record("INFO", "", "grafana panels exported", map[string]any{"path": p})
		}
	}
}

// teardown always runs, regardless of which phase triggered it, and swallows
// individual termination errors so one stuck unit cannot block cleanup of the
// others. Clients are stopped first (their contexts are cancelled by the time
// we get here), then services in reverse launch order.
func (o *Orchestrator) teardown() {
	o.setPhase(report.PhaseTeardown)
	o.stopMonitors(false)

	var terminationErrs *multierror.Error
	for i := len(o.launched) - 1; i >= 0; i-- {
		l := o.launched[i]
		tctx, cancel := context.WithTimeout(context.Background(), o.terminateGrace+30*time.Second)
		err := l.exec.Terminate(tctx, l.handle, o.terminateGrace)
		cancel()
		if err != nil {
			terr := fmt.Errorf("terminating %s failed: %w", l.handle.Role(), err)
			slog.Error("termination failed", slog.String("role", l.handle.Role()), slog.String("error", err.Error()))
			o.record("ERROR", l.handle.Role(), "termination failed", map[string]any{"error": err.Error()})
			terminationErrs = multierror.Append(terminationErrs, terr)
			continue
		}
		o.setRoleStatus(l.handle.Role(), "terminated")
		o.record("INFO", l.handle.Role(), "service terminated", nil)
	}
	if terminationErrs != nil {
		for _, err := range terminationErrs.Errors {
			o.result.AppendError(err)
		}
	}
}

func (o *Orchestrator) finish() {
	o.result.FinishedAt = time.Now()
	if o.logger != nil {
		if p, err := o.logger.Flush(); err == nil {
			o.result.LogPath = p
		}
	}
	o.resultMu.Lock()
	p, err := o.result.Persist(o.outputDir)
	o.resultMu.Unlock()
	if err != nil {
		slog.Error("persisting run result failed", slog.String("error", err.Error()))
	} else {
		slog.Info("run finished", slog.String("runID", o.result.RunID), slog.String("phase", string(o.result.Phase)), slog.String("result", p))
	}
}

func (o *Orchestrator) setPhase(p report.Phase) {
	o.resultMu.Lock()
	o.result.Phase = p
	if !p.Terminal() {
		o.result.PhaseReached = p
	}
	o.resultMu.Unlock()
	slog.Info("phase transition", slog.String("runID", o.result.RunID), slog.String("phase", string(p)))
	o.record("INFO", "", "phase transition", map[string]any{"phase": string(p)})
}

func (o *Orchestrator) setRoleStatus(role, status string) {
	o.resultMu.Lock()
	o.result.RoleStatus[role] = status
	o.resultMu.Unlock()
}

func (o *Orchestrator) record(level, role, msg string, fields map[string]any) {
	if o.logger == nil {
		return
	}
	o.resultMu.Lock()
	phase := string(o.result.Phase)
	o.resultMu.Unlock()
	o.logger.Record(runlog.Event{
		Phase:   phase,
		Role:    role,
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}
