package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/recipe"
	"github.com/LucaLM02/Benchmarking-AI-Factories/report"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// Samples CPU, memory and network counters of the local host. Useful when the
// service under test runs on the same node and exposes no metrics endpoint of
// its own.
type systemMonitor struct {
	name     string
	interval time.Duration

	stop  *atomic.Bool
	wg    *sync.WaitGroup
	fatal chan error

	mu      sync.Mutex
	samples []report.Sample
	start   time.Time
}

func init() {
	RegisterKind("system", func(spec *recipe.Monitor) (Monitor, error) {
		interval := spec.Interval.Std()
		if interval <= 0 {
			interval = time.Second
		}
		return &systemMonitor{
			name:     spec.Name,
			interval: interval,
			stop:     &atomic.Bool{},
			wg:       &sync.WaitGroup{},
			fatal:    make(chan error, 1),
		}, nil
	})
}

func (m *systemMonitor) Start(ctx context.Context) error {
	m.start = time.Now()
	m.wg.Add(1)
	go m.run(ctx)
	slog.Info("monitor started", slog.String("name", m.name))
	return nil
}

func (m *systemMonitor) Fatal() <-chan error {
	return m.fatal
}

func (m *systemMonitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if m.stop.Load() || ctx.Err() != nil {
			return
		}
		m.sample()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *systemMonitor) sample() {
	now := time.Now().UnixMilli()
	var samples []report.Sample

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		samples = append(samples, report.Sample{Name: "cpu_usage_percent", Time: now, Value: pct[0]})
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		samples = append(samples,
			report.Sample{Name: "mem_used_bytes", Time: now, Value: float64(vm.Used)},
			report.Sample{Name: "mem_used_percent", Time: now, Value: vm.UsedPercent},
		)
	}
	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		samples = append(samples,
			report.Sample{Name: "net_bytes_sent_total", Time: now, Value: float64(counters[0].BytesSent)},
			report.Sample{Name: "net_bytes_recv_total", Time: now, Value: float64(counters[0].BytesRecv)},
		)
	}

	m.mu.Lock()
	m.samples = append(m.samples, samples...)
	m.mu.Unlock()
}

func (m *systemMonitor) Stop() *report.MetricSnapshot {
	m.stop.Store(true)
	m.wg.Wait()
	m.sample()

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
