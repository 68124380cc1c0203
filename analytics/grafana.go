package analytics

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/LucaLM02/Benchmarking-AI-Factories/report"
)

// Panel maps a set of metric names onto one dashboard panel.
type Panel struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Unit        string   `json:"unit"`
	MetricNames []string `json:"metricNames"`
	Transform   string   `json:"transform,omitempty"` // "rate" converts counters to per-second deltas
}

// The built-in panel set covers the usual MinIO/vLLM/node exporter metric
// names so dashboards work out of the box for both workload families.
var DefaultPanels = []Panel{
	{
		Name:  "ingest_throughput_ops",
		Title: "Ingest Throughput (ops/s)",
		Unit:  "ops/s",
		MetricNames: []string{
			"minio_s3_requests_total", "minio_http_requests_total",
			"http_requests_total", "s3_upload_objects_total",
		},
		Transform: "rate",
	},
	{
		Name:  "ingest_errors_total",
		Title: "Ingest Errors",
		Unit:  "errors/s",
		MetricNames: []string{
			"minio_s3_errors_total", "minio_http_requests_error_total", "s3_upload_errors_total",
		},
		Transform: "rate",
	},
	{
		Name:  "request_latency_seconds",
		Title: "Request Latency",
		Unit:  "seconds",
		MetricNames: []string{
			"minio_http_request_duration_seconds", "http_request_duration_seconds",
			"minio_s3_request_duration_seconds",
		},
	},
	{
		Name:  "cpu_consumption",
		Title: "CPU Consumption",
		Unit:  "seconds",
		MetricNames: []string{
			"process_cpu_seconds_total", "minio_node_cpu_total_seconds", "cpu_usage_percent",
		},
		Transform: "rate",
	},
	{
		Name:  "memory_usage",
		Title: "Memory Usage",
		Unit:  "bytes",
		MetricNames: []string{
			"process_resident_memory_bytes", "go_memstats_heap_inuse_bytes",
			"minio_node_memory_usage_bytes", "mem_used_bytes",
		},
	},
	{
		Name:  "network_io",
		Title: "Network IO",
		Unit:  "bytes/s",
		MetricNames: []string{
			"minio_network_sent_bytes_total", "minio_network_received_bytes_total",
			"node_network_transmit_bytes_total", "node_network_receive_bytes_total",
			"net_bytes_sent_total", "net_bytes_recv_total",
		},
		Transform: "rate",
	},
}

type Point struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

type Series struct {
	Metric string            `json:"metric"`
	Labels map[string]string `json:"labels,omitempty"`
	Points []Point           `json:"points"`
}

type PanelOutput struct {
	Name   string   `json:"name"`
	Title  string   `json:"title"`
	Unit   string   `json:"unit"`
	Series []Series `json:"series"`
}

// GrafanaExporter builds lightweight Grafana-friendly time-series files from
// monitor snapshots, for offline dashboards running outside the cluster.
type GrafanaExporter struct {
	panels []Panel
}

func NewGrafanaExporter(panels []Panel) *GrafanaExporter {
	if len(panels) == 0 {
		panels = DefaultPanels
	}
	return &GrafanaExporter{panels: panels}
}

func (g *GrafanaExporter) Export(snapshots []*report.MetricSnapshot, dir string) (string, error) {
	var out []PanelOutput
	for _, panel := range g.panels {
		series := buildSeries(snapshots, panel)
		if len(series) == 0 {
			continue
		}
		out = append(out, PanelOutput{
			Name:   panel.Name,
			Title:  panel.Title,
			Unit:   panel.Unit,
			Series: series,
		})
	}

	if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
		return "", err
	}
	buf, err := json.MarshalIndent(map[string]any{"panels": out}, "", "  ")
	if err != nil {
		return "", err
	}
	p := path.Join(dir, "grafana_panels.json")
	if err := os.WriteFile(p, buf, os.ModePerm); err != nil {
		return "", err
	}
	return p, nil
}

func buildSeries(snapshots []*report.MetricSnapshot, panel Panel) []Series {
	wanted := map[string]bool{}
	for _, n := range panel.MetricNames {
		wanted[n] = true
	}

	grouped := map[string]*Series{}
	var order []string
	for _, snap := range snapshots {
		for _, s := range snap.Samples {
			if !wanted[s.Name] {
				continue
			}
			key := seriesKey(s)
			series, ok := grouped[key]
			if !ok {
				series = &Series{Metric: s.Name, Labels: s.Labels}
				grouped[key] = series
				order = append(order, key)
			}
			series.Points = append(series.Points, Point{Time: s.Time, Value: s.Value})
		}
	}

	var out []Series
	for _, key := range order {
		series := grouped[key]
		sort.Slice(series.Points, func(i, j int) bool { return series.Points[i].Time < series.Points[j].Time })
		if panel.Transform == "rate" {
			series.Points = rate(series.Points)
		}
		if len(series.Points) > 0 {
			out = append(out, *series)
		}
	}
	return out
}

func seriesKey(s report.Sample) string {
	if len(s.Labels) == 0 {
		return s.Name
	}
	keys := make([]string, 0, len(s.Labels))
	for k := range s.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(s.Name)
	for _, k := range keys {
		fmt.Fprintf(&b, ",%s=%s", k, s.Labels[k])
	}
	return b.String()
}

// rate converts cumulative counter points to per-second deltas. Counter resets
// (value decreasing) start a new interval and are skipped.
func rate(points []Point) []Point {
	var out []Point
	for i := 1; i < len(points); i++ {
		dt := float64(points[i].Time-points[i-1].Time) / 1000
		dv := points[i].Value - points[i-1].Value
		if dt <= 0 || dv < 0 {
			continue
		}
		out = append(out, Point{Time: points[i].Time, Value: dv / dt})
	}
	return out
}
