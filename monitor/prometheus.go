package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/recipe"
	"github.com/LucaLM02/Benchmarking-AI-Factories/report"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const defaultMaxConsecutiveFailures = 5

// Scrapes a Prometheus text exposition endpoint on an interval and keeps the
// samples matching the configured metric names.
type prometheusMonitor struct {
	name           string
	endpoint       string
	interval       time.Duration
	names          map[string]bool
	maxConsecutive int
	hc             *http.Client

	stop  *atomic.Bool
	wg    *sync.WaitGroup
	fatal chan error

	mu          sync.Mutex
	samples     []report.Sample
	consecutive int
	start       time.Time
}

func init() {
	RegisterKind("prometheus", func(spec *recipe.Monitor) (Monitor, error) {
		if spec.Endpoint == "" {
			return nil, fmt.Errorf("prometheus monitor %s: endpoint is required", spec.Name)
		}
		interval := spec.Interval.Std()
		if interval <= 0 {
			interval = 5 * time.Second
		}
		maxConsecutive := spec.MaxConsecutiveFailures
		if maxConsecutive <= 0 {
			maxConsecutive = defaultMaxConsecutiveFailures
		}
		names := map[string]bool{}
		for _, n := range spec.Metrics {
			names[n] = true
		}
		return &prometheusMonitor{
			name:           spec.Name,
			endpoint:       spec.Endpoint,
			interval:       interval,
			names:          names,
			maxConsecutive: maxConsecutive,
			hc:             &http.Client{Timeout: 3 * time.Second},
			stop:           &atomic.Bool{},
			wg:             &sync.WaitGroup{},
			fatal:          make(chan error, 1),
		}, nil
	})
}

func (m *prometheusMonitor) Start(ctx context.Context) error {
	m.start = time.Now()
	m.wg.Add(1)
	go m.run(ctx)
	slog.Info("monitor started", slog.String("name", m.name), slog.String("endpoint", m.endpoint))
	return nil
}

func (m *prometheusMonitor) Fatal() <-chan error {
	return m.fatal
}

func (m *prometheusMonitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if m.stop.Load() || ctx.Err() != nil {
			return
		}
		if err := m.scrape(ctx); err != nil {
			m.consecutive++
			slog.Warn("scrape failed", slog.String("name", m.name), slog.Int("consecutive", m.consecutive), slog.String("error", err.Error()))
			if m.consecutive >= m.maxConsecutive {
				m.fatal <- &EndpointUnhealthyError{Endpoint: m.endpoint, Consecutive: m.consecutive}
				return
			}
		} else {
			m.consecutive = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *prometheusMonitor) Stop() *report.MetricSnapshot {
	m.stop.Store(true)
	m.wg.Wait()

	// One sample at or after the end timestamp so the window is never cut
	// short. Failure here is not fatal, the run is already past measuring.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.scrape(ctx); err != nil {
		slog.Debug("final scrape failed", slog.String("name", m.name), slog.String("error", err.Error()))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	snap := &report.MetricSnapshot{
		Source:  m.name,
		Start:   m.start,
		End:     time.Now(),
		Samples: m.samples,
	}
	m.samples = nil
	slog.Info("monitor stopped", slog.String("name", m.name), slog.Int("samples", len(snap.Samples)))
	return snap
}

func (m *prometheusMonitor) scrape(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := m.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}

	parser := expfmt.TextParser{}
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return fmt.Errorf("parsing metrics failed: %w", err)
	}

	now := time.Now().UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, family := range families {
		if len(m.names) > 0 && !m.names[name] {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if len(labels) == 0 {
				labels = nil
			}
			m.samples = append(m.samples, flatten(name, labels, now, family.GetType(), metric)...)
		}
	}
	return nil
}

func flatten(name string, labels map[string]string, now int64, typ dto.MetricType, metric *dto.Metric) []report.Sample {
	switch typ {
	case dto.MetricType_COUNTER:
		return []report.Sample{{Name: name, Labels: labels, Time: now, Value: metric.GetCounter().GetValue()}}
	case dto.MetricType_GAUGE:
		return []report.Sample{{Name: name, Labels: labels, Time: now, Value: metric.GetGauge().GetValue()}}
	case dto.MetricType_HISTOGRAM:
		h := metric.GetHistogram()
		return []report.Sample{
			{Name: name + "_sum", Labels: labels, Time: now, Value: h.GetSampleSum()},
			{Name: name + "_count", Labels: labels, Time: now, Value: float64(h.GetSampleCount())},
		}
	case dto.MetricType_SUMMARY:
		s := metric.GetSummary()
		return []report.Sample{
			{Name: name + "_sum", Labels: labels, Time: now, Value: s.GetSampleSum()},
			{Name: name + "_count", Labels: labels, Time: now, Value: float64(s.GetSampleCount())},
		}
	default:
		return []report.Sample{{Name: name, Labels: labels, Time: now, Value: metric.GetUntyped().GetValue()}}
	}
}
