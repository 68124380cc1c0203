package analytics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(samples ...report.Sample) *report.MetricSnapshot {
	return &report.MetricSnapshot{
		Source:  "minio-metrics",
		Start:   time.Now().Add(-time.Minute),
		End:     time.Now(),
		Samples: samples,
	}
}

func TestExportRateTransform(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().UnixMilli()
	snap := snapshot(
		report.Sample{Name: "minio_s3_requests_total", Time: base, Value: 100},
		report.Sample{Name: "minio_s3_requests_total", Time: base + 1000, Value: 150},
		report.Sample{Name: "minio_s3_requests_total", Time: base + 2000, Value: 250},
	)

	g := NewGrafanaExporter(nil)
	p, err := g.Export([]*report.MetricSnapshot{snap}, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "grafana_panels.json"), p)

	var doc struct {
		Panels []PanelOutput `json:"panels"`
	}
	buf, err := os.ReadFile(p)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf, &doc))

	var throughput *PanelOutput
	for i := range doc.Panels {
		if doc.Panels[i].Name == "ingest_throughput_ops" {
			throughput = &doc.Panels[i]
		}
	}
	require.NotNil(t, throughput)
	require.Len(t, throughput.Series, 1)

	// Rate of 100 -> 150 -> 250 over 1s steps is 50/s then 100/s.
	points := throughput.Series[0].Points
	require.Len(t, points, 2)
	assert.Equal(t, 50.0, points[0].Value)
	assert.Equal(t, 100.0, points[1].Value)
}

func TestExportRateSkipsCounterResets(t *testing.T) {
	base := time.Now().UnixMilli()
	points := rate([]Point{
		{Time: base, Value: 100},
		{Time: base + 1000, Value: 10}, // reset
		{Time: base + 2000, Value: 30},
	})
	require.Len(t, points, 1)
	assert.Equal(t, 20.0, points[0].Value)
}

func TestExportGroupsByLabels(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().UnixMilli()
	snap := snapshot(
		report.Sample{Name: "minio_s3_requests_total", Labels: map[string]string{"api": "putobject"}, Time: base, Value: 1},
		report.Sample{Name: "minio_s3_requests_total", Labels: map[string]string{"api": "getobject"}, Time: base, Value: 2},
		report.Sample{Name: "minio_s3_requests_total", Labels: map[string]string{"api": "putobject"}, Time: base + 1000, Value: 5},
	)

	g := NewGrafanaExporter([]Panel{{
		Name:        "reqs",
		Title:       "Requests",
		MetricNames: []string{"minio_s3_requests_total"},
	}})
	p, err := g.Export([]*report.MetricSnapshot{snap}, dir)
	require.NoError(t, err)

	var doc struct {
		Panels []PanelOutput `json:"panels"`
	}
	buf, err := os.ReadFile(p)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf, &doc))
	require.Len(t, doc.Panels, 1)
	assert.Len(t, doc.Panels[0].Series, 2)
}

func TestExportSkipsEmptyPanels(t *testing.T) {
	dir := t.TempDir()
	snap := snapshot(report.Sample{Name: "unrelated_metric", Time: time.Now().UnixMilli(), Value: 1})

	g := NewGrafanaExporter([]Panel{{
		Name:        "reqs",
		MetricNames: []string{"minio_s3_requests_total"},
	}})
	_, err := g.Export([]*report.MetricSnapshot{snap}, dir)
	require.NoError(t, err)
}
