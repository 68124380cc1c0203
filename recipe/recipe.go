package recipe

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// A Recipe is the immutable, validated description of one benchmark run.
// Loaded once, read-only thereafter.
type Recipe struct {
	Meta      Meta      `yaml:"meta"`
	Services  []Service `yaml:"services"`
	Clients   []Client  `yaml:"clients"`
	Monitors  []Monitor `yaml:"monitors"`
	Logger    Logger    `yaml:"logger"`
	Execution Execution `yaml:"execution"`
	Reporting Reporting `yaml:"reporting"`
}

type Meta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
}

// Resources requested for a service unit. Interpretation is backend-specific;
// the process backend ignores everything but the command.
type Resources struct {
	Nodes     int    `yaml:"nodes"`
	CPUs      int    `yaml:"cpus"`
	GPUs      int    `yaml:"gpus"`
	Memory    string `yaml:"memory"`
	Partition string `yaml:"partition"`
}

type Service struct {
	Name           string         `yaml:"name"`
	Workload       string         `yaml:"workload"`
	Backend        string         `yaml:"backend"`
	Resources      Resources      `yaml:"resources"`
	StartupTimeout Duration       `yaml:"startup_timeout"`
	Params         map[string]any `yaml:"params"`
}

type Client struct {
	Name        string         `yaml:"name"`
	Workload    string         `yaml:"workload"`
	Target      string         `yaml:"target"`
	Concurrency int            `yaml:"concurrency"`
	Rate        float64        `yaml:"rate"` // requests per second, 0 = closed loop
	Params      map[string]any `yaml:"params"`
}

type Monitor struct {
	Name                   string   `yaml:"name"`
	Kind                   string   `yaml:"kind"`
	Endpoint               string   `yaml:"endpoint"`
	Interval               Duration `yaml:"interval"`
	Metrics                []string `yaml:"metrics"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
}

type Logger struct {
	Sink        string `yaml:"sink"`
	Destination string `yaml:"destination"`
}

type Execution struct {
	Warmup         Duration `yaml:"warmup"`
	Measurement    Duration `yaml:"measurement"`
	MaxRuntime     Duration `yaml:"max_runtime"`
	DrainTimeout   Duration `yaml:"drain_timeout"`
	TerminateGrace Duration `yaml:"terminate_grace"`
}

type Reporting struct {
	OutputDir string `yaml:"output_dir"`
	Grafana   bool   `yaml:"grafana"`
}

// Duration parses human-readable durations ("30s", "5m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ValidationError names the offending recipe path. Raised before any resource
// is allocated.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid recipe at %s: %s", e.Path, e.Reason)
}

func Load(path string) (*Recipe, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipe file failed: %w", err)
	}
	return Parse(buf)
}

// Unknown keys surface from yaml.v3 as "field <name> not found in type ...";
// pulled out so the validation error names the offending path.
var unknownFieldRe = regexp.MustCompile(`field (\S+) not found`)

// Parse decodes a recipe document, rejecting unknown keys.
func Parse(buf []byte) (*Recipe, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(buf)))
	dec.KnownFields(true)
	r := &Recipe{}
	if err := dec.Decode(r); err != nil {
		p := "document"
		if m := unknownFieldRe.FindStringSubmatch(err.Error()); m != nil {
			p = m[1]
		}
		return nil, &ValidationError{Path: p, Reason: err.Error()}
	}
	return r, nil
}

// Registry lookups the validator consults so that unknown role types fail
// eagerly, before anything is launched. Nil funcs skip that check.
type ValidateOpts struct {
	KnownBackend  func(string) bool
	KnownWorkload func(string) bool
	KnownMonitor  func(string) bool
	KnownSink     func(string) bool
}

func (r *Recipe) Validate(opts *ValidateOpts) error {
	if opts == nil {
		opts = &ValidateOpts{}
	}
	if len(r.Services) == 0 {
		return &ValidationError{Path: "services", Reason: "at least one service is required"}
	}
	if r.Execution.Measurement <= 0 {
		return &ValidationError{Path: "execution.measurement", Reason: "measurement duration must be > 0"}
	}
	for _, d := range []struct {
		path string
		dur  Duration
	}{
		{"execution.warmup", r.Execution.Warmup},
		{"execution.max_runtime", r.Execution.MaxRuntime},
		{"execution.drain_timeout", r.Execution.DrainTimeout},
		{"execution.terminate_grace", r.Execution.TerminateGrace},
	} {
		if d.dur < 0 {
			return &ValidationError{Path: d.path, Reason: "duration must be >= 0"}
		}
	}

	names := map[string]bool{}
	services := map[string]bool{}
	for i, svc := range r.Services {
		p := fmt.Sprintf("services[%d]", i)
		if svc.Name == "" {
			return &ValidationError{Path: p + ".name", Reason: "name is required"}
		}
		if names[svc.Name] {
			return &ValidationError{Path: p + ".name", Reason: fmt.Sprintf("duplicate role name %q", svc.Name)}
		}
		names[svc.Name] = true
		services[svc.Name] = true
		if svc.StartupTimeout < 0 {
			return &ValidationError{Path: p + ".startup_timeout", Reason: "duration must be >= 0"}
		}
		if opts.KnownBackend != nil && !opts.KnownBackend(svc.Backend) {
			return &ValidationError{Path: p + ".backend", Reason: fmt.Sprintf("unknown executor backend %q", svc.Backend)}
		}
		if opts.KnownWorkload != nil && !opts.KnownWorkload(svc.Workload) {
			return &ValidationError{Path: p + ".workload", Reason: fmt.Sprintf("unknown workload type %q", svc.Workload)}
		}
	}
	for i, cl := range r.Clients {
		p := fmt.Sprintf("clients[%d]", i)
		if cl.Name == "" {
			return &ValidationError{Path: p + ".name", Reason: "name is required"}
		}
		if names[cl.Name] {
			return &ValidationError{Path: p + ".name", Reason: fmt.Sprintf("duplicate role name %q", cl.Name)}
		}
		names[cl.Name] = true
		if !services[cl.Target] {
			return &ValidationError{Path: p + ".target", Reason: fmt.Sprintf("target %q does not resolve to a declared service", cl.Target)}
		}
		if cl.Concurrency < 0 {
			return &ValidationError{Path: p + ".concurrency", Reason: "concurrency must be >= 0"}
		}
		if cl.Rate < 0 {
			return &ValidationError{Path: p + ".rate", Reason: "rate must be >= 0"}
		}
		if opts.KnownWorkload != nil && !opts.KnownWorkload(cl.Workload) {
			return &ValidationError{Path: p + ".workload", Reason: fmt.Sprintf("unknown workload type %q", cl.Workload)}
		}
	}
	for i, m := range r.Monitors {
		p := fmt.Sprintf("monitors[%d]", i)
		if m.Name == "" {
			return &ValidationError{Path: p + ".name", Reason: "name is required"}
		}
		if names[m.Name] {
			return &ValidationError{Path: p + ".name", Reason: fmt.Sprintf("duplicate role name %q", m.Name)}
		}
		names[m.Name] = true
		if m.Interval < 0 {
			return &ValidationError{Path: p + ".interval", Reason: "duration must be >= 0"}
		}
		if opts.KnownMonitor != nil && !opts.KnownMonitor(m.Kind) {
			return &ValidationError{Path: p + ".kind", Reason: fmt.Sprintf("unknown monitor kind %q", m.Kind)}
		}
	}
	if opts.KnownSink != nil && r.Logger.Sink != "" && !opts.KnownSink(r.Logger.Sink) {
		return &ValidationError{Path: "logger.sink", Reason: fmt.Sprintf("unknown logger sink %q", r.Logger.Sink)}
	}
	return nil
}

// Summary renders a short human-readable description for the CLI.
func (r *Recipe) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recipe: %s\n", r.Meta.Name)
	if r.Meta.Description != "" {
		fmt.Fprintf(&b, "  %s\n", r.Meta.Description)
	}
	if r.Meta.Author != "" {
		fmt.Fprintf(&b, "  author: %s\n", r.Meta.Author)
	}
	fmt.Fprintf(&b, "Services (%d):\n", len(r.Services))
	for _, svc := range r.Services {
		fmt.Fprintf(&b, "  - %s (%s on %s)\n", svc.Name, svc.Workload, svc.Backend)
	}
	fmt.Fprintf(&b, "Clients (%d):\n", len(r.Clients))
	for _, cl := range r.Clients {
		fmt.Fprintf(&b, "  - %s (%s -> %s)\n", cl.Name, cl.Workload, cl.Target)
	}
	fmt.Fprintf(&b, "Monitors (%d):\n", len(r.Monitors))
	for _, m := range r.Monitors {
		fmt.Fprintf(&b, "  - %s (%s)\n", m.Name, m.Kind)
	}
	fmt.Fprintf(&b, "Execution: warmup=%s measurement=%s\n",
		r.Execution.Warmup.Std(), r.Execution.Measurement.Std())
	return b.String()
}
