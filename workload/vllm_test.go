package workload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/recipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVLLMDriver(t *testing.T, params map[string]any) Driver {
	t.Helper()
	d, err := NewDriver("vllm-inference", params)
	require.NoError(t, err)
	return d
}

func TestVLLMDriverDefaults(t *testing.T) {
	d := newVLLMDriver(t, nil).(*vllmDriver)
	assert.Equal(t, "chat", d.input.Mode)
	assert.Equal(t, 8000, d.input.Port)
	assert.Equal(t, "http://127.0.0.1:8000", d.input.Endpoint)
	assert.Equal(t, "/health", d.input.HealthPath)
}

func TestVLLMDriverRejectsBadMode(t *testing.T) {
	_, err := NewDriver("vllm-inference", map[string]any{"mode": "stream"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream")
}

func TestVLLMServiceSpec(t *testing.T) {
	d := newVLLMDriver(t, map[string]any{"model": "my-model", "port": 9001})
	spec, err := d.ServiceSpec(&recipe.Service{
		Name:      "inference",
		Resources: recipe.Resources{GPUs: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "inference", spec.Role)
	assert.Equal(t, []string{"vllm", "serve", "my-model", "--port", "9001"}, spec.Command)
	assert.Equal(t, []int{9001}, spec.Ports)
	assert.Equal(t, 2, spec.Resources.GPUs)
}

func TestVLLMReadiness(t *testing.T) {
	healthy := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newVLLMDriver(t, map[string]any{"endpoint": srv.URL})
	probe := d.Readiness(&recipe.Service{Name: "inference"})

	err := probe.Check(context.Background())
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	healthy.Store(true)
	require.NoError(t, probe.Check(context.Background()))
}

func TestVLLMReadinessVersionGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/version":
			json.NewEncoder(w).Encode(map[string]string{"version": "0.4.1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := newVLLMDriver(t, map[string]any{
		"endpoint":           srv.URL,
		"min_server_version": "0.6.0",
	})
	err := d.Readiness(&recipe.Service{Name: "inference"}).Check(context.Background())
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "0.4.1")
}

func TestVLLMVersionGateRetriedAfterTransientFailure(t *testing.T) {
	var versionCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/version":
			// First fetch dies mid-response; the gate must not be skipped
			// because of it.
			if versionCalls.Add(1) == 1 {
				panic(http.ErrAbortHandler)
			}
			json.NewEncoder(w).Encode(map[string]string{"version": "0.4.1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := newVLLMDriver(t, map[string]any{
		"endpoint":           srv.URL,
		"min_server_version": "0.6.0",
	})
	probe := d.Readiness(&recipe.Service{Name: "inference"})

	err := probe.Check(context.Background())
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	err = probe.Check(context.Background())
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "0.4.1")
	assert.EqualValues(t, 2, versionCalls.Load())
}

func TestVLLMDriveClient(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer dummy-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Contains(t, payload, "messages")

		requests.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	d := newVLLMDriver(t, map[string]any{"endpoint": srv.URL})
	m, err := d.DriveClient(context.Background(), &recipe.Client{Name: "chat", Concurrency: 2}, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(m.Completed), requests.Load())
	assert.Greater(t, m.Completed, 0)
	assert.Greater(t, m.AvgLatencyMs, -1.0)
}

func TestVLLMDriveClientAllFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newVLLMDriver(t, map[string]any{"endpoint": srv.URL})
	m, err := d.DriveClient(context.Background(), &recipe.Client{Name: "chat", Concurrency: 1}, 100*time.Millisecond)
	var derr *ClientDriverError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "chat", derr.Role)
	assert.Zero(t, m.Completed)
	assert.Greater(t, m.Failed, 0)
}

func TestNewDriverUnknownType(t *testing.T) {
	_, err := NewDriver("quantum", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quantum")
}
