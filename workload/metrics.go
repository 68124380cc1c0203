package workload

import (
	"sort"
	"sync"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/report"
)

// recorder accumulates per-request observations from concurrent workers.
type recorder struct {
	mu          sync.Mutex
	latenciesMs []float64
	completed   int
	failed      int
	bytes       int64
}

func (r *recorder) observe(d time.Duration, bytes int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed++
		return
	}
	r.completed++
	r.bytes += bytes
	r.latenciesMs = append(r.latenciesMs, float64(d.Milliseconds()))
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (r *recorder) metrics(role string) *report.ClientMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := &report.ClientMetrics{
		Role:       role,
		Completed:  r.completed,
		Failed:     r.failed,
		BytesMoved: r.bytes,
	}
	if len(r.latenciesMs) == 0 {
		return m
	}

	sum := 0.0
	for _, l := range r.latenciesMs {
		sum += l
	}
	m.AvgLatencyMs = sum / float64(len(r.latenciesMs))

	sorted := append([]float64(nil), r.latenciesMs...)
	sort.Float64s(sorted)
	m.P50LatencyMs = percentile(sorted, 0.50)
	m.P99LatencyMs = percentile(sorted, 0.99)
	return m
}
