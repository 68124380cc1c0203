package monitor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/recipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exposition = `# HELP minio_s3_requests_total Total S3 requests.
# TYPE minio_s3_requests_total counter
minio_s3_requests_total{api="putobject"} %d
# TYPE minio_node_mem_used gauge
minio_node_mem_used 1048576
# TYPE request_latency_seconds histogram
request_latency_seconds_bucket{le="0.1"} 5
request_latency_seconds_bucket{le="+Inf"} 10
request_latency_seconds_sum 1.5
request_latency_seconds_count 10
`

func metricsServer() (*httptest.Server, *atomic.Int64) {
	var counter atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, exposition, counter.Add(1))
	}))
	return srv, &counter
}

func newPromMonitor(t *testing.T, spec *recipe.Monitor) Monitor {
	t.Helper()
	if spec.Kind == "" {
		spec.Kind = "prometheus"
	}
	m, err := NewMonitor(spec)
	require.NoError(t, err)
	return m
}

func TestPrometheusScrapeWindow(t *testing.T) {
	srv, scrapes := metricsServer()
	defer srv.Close()

	m := newPromMonitor(t, &recipe.Monitor{
		Name:     "minio-metrics",
		Endpoint: srv.URL,
		Interval: recipe.Duration(20 * time.Millisecond),
	})

	before := time.Now()
	require.NoError(t, m.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)
	snap := m.Stop()
	after := time.Now()

	require.NotNil(t, snap)
	assert.Equal(t, "minio-metrics", snap.Source)
	assert.False(t, snap.Start.Before(before))
	assert.False(t, snap.End.After(after))
	assert.Greater(t, scrapes.Load(), int64(2))

	require.NotEmpty(t, snap.Samples)
	names := map[string]bool{}
	for _, s := range snap.Samples {
		names[s.Name] = true
		assert.GreaterOrEqual(t, s.Time, snap.Start.UnixMilli())
		assert.LessOrEqual(t, s.Time, snap.End.UnixMilli())
	}
	// Counter, gauge and flattened histogram series all present.
	assert.True(t, names["minio_s3_requests_total"])
	assert.True(t, names["minio_node_mem_used"])
	assert.True(t, names["request_latency_seconds_sum"])
	assert.True(t, names["request_latency_seconds_count"])
}

func TestPrometheusMetricFilter(t *testing.T) {
	srv, _ := metricsServer()
	defer srv.Close()

	m := newPromMonitor(t, &recipe.Monitor{
		Name:     "filtered",
		Endpoint: srv.URL,
		Interval: recipe.Duration(20 * time.Millisecond),
		Metrics:  []string{"minio_node_mem_used"},
	})

	require.NoError(t, m.Start(context.Background()))
	time.Sleep(60 * time.Millisecond)
	snap := m.Stop()

	require.NotEmpty(t, snap.Samples)
	for _, s := range snap.Samples {
		assert.Equal(t, "minio_node_mem_used", s.Name)
	}
}

func TestPrometheusLabelsKept(t *testing.T) {
	srv, _ := metricsServer()
	defer srv.Close()

	m := newPromMonitor(t, &recipe.Monitor{
		Name:     "labelled",
		Endpoint: srv.URL,
		Interval: recipe.Duration(20 * time.Millisecond),
		Metrics:  []string{"minio_s3_requests_total"},
	})

	require.NoError(t, m.Start(context.Background()))
	time.Sleep(60 * time.Millisecond)
	snap := m.Stop()

	require.NotEmpty(t, snap.Samples)
	assert.Equal(t, map[string]string{"api": "putobject"}, snap.Samples[0].Labels)
}

func TestPrometheusFatalAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newPromMonitor(t, &recipe.Monitor{
		Name:                   "down",
		Endpoint:               srv.URL,
		Interval:               recipe.Duration(10 * time.Millisecond),
		MaxConsecutiveFailures: 3,
	})

	require.NoError(t, m.Start(context.Background()))
	select {
	case err := <-m.Fatal():
		var uerr *EndpointUnhealthyError
		require.ErrorAs(t, err, &uerr)
		assert.Equal(t, srv.URL, uerr.Endpoint)
		assert.Equal(t, 3, uerr.Consecutive)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a fatal monitor error")
	}
	m.Stop()
}

func TestPrometheusRecoveryResetsFailureCount(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, exposition, 1)
	}))
	defer srv.Close()

	m := newPromMonitor(t, &recipe.Monitor{
		Name:                   "flaky",
		Endpoint:               srv.URL,
		Interval:               recipe.Duration(10 * time.Millisecond),
		MaxConsecutiveFailures: 10,
	})

	require.NoError(t, m.Start(context.Background()))
	// A few failures, then recover well before the threshold is hit.
	fail.Store(true)
	time.Sleep(25 * time.Millisecond)
	fail.Store(false)
	time.Sleep(50 * time.Millisecond)

	select {
	case err := <-m.Fatal():
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}
	snap := m.Stop()
	assert.NotEmpty(t, snap.Samples)
}

func TestPrometheusRequiresEndpoint(t *testing.T) {
	_, err := NewMonitor(&recipe.Monitor{Name: "m", Kind: "prometheus"})
	require.Error(t, err)
}

func TestNewMonitorUnknownKind(t *testing.T) {
	_, err := NewMonitor(&recipe.Monitor{Name: "m", Kind: "psychic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "psychic")
}
