package workload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/executor"
	"github.com/LucaLM02/Benchmarking-AI-Factories/recipe"
	"github.com/LucaLM02/Benchmarking-AI-Factories/report"
	"github.com/hashicorp/go-version"
	"github.com/mitchellh/mapstructure"
)

// Inference workload: serves a model with vLLM and drives OpenAI-compatible
// chat/completion requests against it.
type vllmDriver struct {
	input *VLLMInput
	hc    *http.Client
}

type VLLMInput struct {
	Endpoint         string   `mapstructure:"endpoint"`
	Mode             string   `mapstructure:"mode"`
	Model            string   `mapstructure:"model"`
	Prompt           string   `mapstructure:"prompt"`
	SystemPrompt     string   `mapstructure:"system_prompt"`
	MaxTokens        int      `mapstructure:"max_tokens"`
	Temperature      float64  `mapstructure:"temperature"`
	APIKey           string   `mapstructure:"api_key"`
	Port             int      `mapstructure:"port"`
	HealthPath       string   `mapstructure:"health_path"`
	TimeoutSec       float64  `mapstructure:"timeout_sec"`
	MinServerVersion string   `mapstructure:"min_server_version"`
	Command          []string `mapstructure:"command"`
	Image            string   `mapstructure:"image"`
	Binds            []string `mapstructure:"binds"`
}

func init() {
	RegisterDriver("vllm-inference", func(params map[string]any) (Driver, error) {
		input := &VLLMInput{
			Mode:        "chat",
			Model:       "meta-llama/Llama-3-8b-instruct",
			MaxTokens:   128,
			Temperature: 0.1,
			APIKey:      "dummy-key",
			Port:        8000,
			HealthPath:  "/health",
			TimeoutSec:  8,
		}
		err := mapstructure.Decode(params, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert params to VLLMInput: %w", err)
		}
		if input.Mode != "chat" && input.Mode != "completion" {
			return nil, fmt.Errorf("unsupported mode %q, expected chat or completion", input.Mode)
		}
		if input.Endpoint == "" {
			input.Endpoint = fmt.Sprintf("http://127.0.0.1:%d", input.Port)
		}
		return &vllmDriver{
			input: input,
			hc:    &http.Client{Timeout: time.Duration(input.TimeoutSec * float64(time.Second))},
		}, nil
	})
}

func (d *vllmDriver) ServiceSpec(svc *recipe.Service) (*executor.LaunchSpec, error) {
	cmd := d.input.Command
	if len(cmd) == 0 {
		cmd = []string{"vllm", "serve", d.input.Model, "--port", strconv.Itoa(d.input.Port)}
	}
	return &executor.LaunchSpec{
		Role:    svc.Name,
		Command: cmd,
		Image:   d.input.Image,
		Binds:   d.input.Binds,
		Ports:   []int{d.input.Port},
		Resources: executor.Resources{
			Nodes:     svc.Resources.Nodes,
			CPUs:      svc.Resources.CPUs,
			GPUs:      svc.Resources.GPUs,
			Memory:    svc.Resources.Memory,
			Partition: svc.Resources.Partition,
		},
	}, nil
}

type vllmProbe struct {
	d       *vllmDriver
	checked bool
}

func (p *vllmProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.d.input.Endpoint+p.d.input.HealthPath, nil)
	if err != nil {
		return Permanent(err)
	}
	resp, err := p.d.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	if !p.checked && p.d.input.MinServerVersion != "" {
		// Marked checked only once the gate passed, so a transient /version
		// fetch failure is retried on the next probe.
		if err := p.d.checkServerVersion(ctx); err != nil {
			return err
		}
		p.checked = true
	}
	return nil
}

// The /version endpoint became stable before the features this driver relies
// on, so a server that answers health but runs an older release is rejected
// outright instead of failing mid-measurement.
func (d *vllmDriver) checkServerVersion(ctx context.Context) error {
	minVersion, err := version.NewVersion(d.input.MinServerVersion)
	if err != nil {
		return Permanent(fmt.Errorf("invalid min_server_version %q: %w", d.input.MinServerVersion, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.input.Endpoint+"/version", nil)
	if err != nil {
		return Permanent(err)
	}
	resp, err := d.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var payload struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		slog.Warn("cannot parse server version, skipping version gate", slog.String("error", err.Error()))
		return nil
	}
	v, err := version.NewVersion(payload.Version)
	if err != nil {
		slog.Warn("cannot parse server version, skipping version gate", slog.String("version", payload.Version))
		return nil
	}
	if v.LessThan(minVersion) {
		return Permanent(fmt.Errorf("server version %s is below required %s", v, minVersion))
	}
	return nil
}

func (d *vllmDriver) Readiness(svc *recipe.Service) ReadinessProbe {
	return &vllmProbe{d: d}
}

func (d *vllmDriver) buildPayload() map[string]any {
	prompt := d.input.Prompt
	if prompt == "" {
		prompt = "List three European capitals."
	}
	if d.input.Mode == "completion" {
		return map[string]any{
			"model":       d.input.Model,
			"prompt":      prompt,
			"max_tokens":  d.input.MaxTokens,
			"temperature": d.input.Temperature,
		}
	}
	system := d.input.SystemPrompt
	if system == "" {
		system = "You are a fast inference worker."
	}
	return map[string]any{
		"model": d.input.Model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
		"max_tokens":  d.input.MaxTokens,
		"temperature": d.input.Temperature,
	}
}

func (d *vllmDriver) requestURL() string {
	if d.input.Mode == "completion" {
		return d.input.Endpoint + "/v1/completions"
	}
	return d.input.Endpoint + "/v1/chat/completions"
}

func (d *vllmDriver) DriveClient(ctx context.Context, cl *recipe.Client, dur time.Duration) (*report.ClientMetrics, error) {
	url := d.requestURL()
	payload, err := json.Marshal(d.buildPayload())
	if err != nil {
		return nil, &ClientDriverError{Role: cl.Name, Err: err}
	}

	slog.Info("driving inference load", slog.String("role", cl.Name), slog.String("url", url), slog.String("duration", dur.String()))
	rec := runPattern(ctx, cl, dur, func(ctx context.Context) (int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+d.input.APIKey)

		resp, err := d.hc.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		n, _ := io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return n, nil
	})

	m := rec.metrics(cl.Name)
	if ctx.Err() == nil && m.Completed == 0 && m.Failed > 0 {
		return m, &ClientDriverError{Role: cl.Name, Err: fmt.Errorf("all %d requests failed", m.Failed)}
	}
	return m, nil
}
