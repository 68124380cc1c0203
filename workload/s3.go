package workload

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/LucaLM02/Benchmarking-AI-Factories/executor"
	"github.com/LucaLM02/Benchmarking-AI-Factories/recipe"
	"github.com/LucaLM02/Benchmarking-AI-Factories/report"
	"github.com/LucaLM02/Benchmarking-AI-Factories/util"
	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/mitchellh/mapstructure"
	"github.com/schollz/progressbar/v3"
)

// Storage workload: serves an S3-compatible object store (MinIO) and drives
// object put/get load against it.
type s3Driver struct {
	input *S3Input
	hc    *http.Client

	mu       sync.Mutex
	s3       *s3.Client
	seedKeys []string
}

type S3Input struct {
	Endpoint        string   `mapstructure:"endpoint"`
	Region          string   `mapstructure:"region"`
	AccessKey       string   `mapstructure:"access_key"`
	SecretKey       string   `mapstructure:"secret_key"`
	Bucket          string   `mapstructure:"bucket"`
	Operation       string   `mapstructure:"operation"` // put or get
	ObjectSizeBytes int      `mapstructure:"object_size_bytes"`
	SeedObjects     int      `mapstructure:"seed_objects"`
	SeedConcurrency int      `mapstructure:"seed_concurrency"`
	Port            int      `mapstructure:"port"`
	HealthPath      string   `mapstructure:"health_path"`
	DataDir         string   `mapstructure:"data_dir"`
	Command         []string `mapstructure:"command"`
	Image           string   `mapstructure:"image"`
	Binds           []string `mapstructure:"binds"`
}

func init() {
	RegisterDriver("s3-storage", func(params map[string]any) (Driver, error) {
		input := &S3Input{
			Region:          "us-east-1",
			AccessKey:       "minioadmin",
			SecretKey:       "minioadmin",
			Bucket:          "benchmark-" + util.Randstring(8),
			Operation:       "put",
			ObjectSizeBytes: 1024 * 1024,
			SeedObjects:     100,
			SeedConcurrency: 8,
			Port:            9000,
			HealthPath:      "/minio/health/ready",
			DataDir:         "/tmp/minio-data",
		}
		err := mapstructure.Decode(params, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert params to S3Input: %w", err)
		}
		if input.Operation != "put" && input.Operation != "get" {
			return nil, fmt.Errorf("unsupported operation %q, expected put or get", input.Operation)
		}
		if input.Endpoint == "" {
			input.Endpoint = fmt.Sprintf("http://127.0.0.1:%d", input.Port)
		}
		return &s3Driver{input: input, hc: &http.Client{Timeout: 5 * time.Second}}, nil
	})
}

func (d *s3Driver) ServiceSpec(svc *recipe.Service) (*executor.LaunchSpec, error) {
	cmd := d.input.Command
	if len(cmd) == 0 {
		cmd = []string{"minio", "server", d.input.DataDir, "--address", ":" + strconv.Itoa(d.input.Port)}
	}
	return &executor.LaunchSpec{
		Role:    svc.Name,
		Command: cmd,
		Env: []string{
			"MINIO_ROOT_USER=" + d.input.AccessKey,
			"MINIO_ROOT_PASSWORD=" + d.input.SecretKey,
		},
		Image: d.input.Image,
		Binds: d.input.Binds,
		Ports: []int{d.input.Port},
		Resources: executor.Resources{
			Nodes:     svc.Resources.Nodes,
			CPUs:      svc.Resources.CPUs,
			GPUs:      svc.Resources.GPUs,
			Memory:    svc.Resources.Memory,
			Partition: svc.Resources.Partition,
		},
	}, nil
}

type s3Probe struct {
	d *s3Driver
}

func (p *s3Probe) Check(ctx context.Context) error {
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
	return nil
}

func (d *s3Driver) Readiness(svc *recipe.Service) ReadinessProbe {
	return &s3Probe{d: d}
}

func (d *s3Driver) client(ctx context.Context) (*s3.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.s3 != nil {
		return d.s3, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(d.input.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(d.input.AccessKey, d.input.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config failed: %w", err)
	}
	d.s3 = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(d.input.Endpoint)
		o.UsePathStyle = true
	})
	return d.s3, nil
}

func (d *s3Driver) ensureBucket(ctx context.Context, client *s3.Client) error {
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &d.input.Bucket})
	var owned *s3Types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) {
		// this is fine, we'll just use it
		slog.Debug("bucket already exists", slog.String("name", d.input.Bucket))
		return nil
	}
	return err
}

// seed uploads the object set that get workloads read back. Runs once, during
// warmup, so the upload never overlaps the measurement window.
func (d *s3Driver) seed(ctx context.Context, client *s3.Client) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.seedKeys) > 0 {
		return nil
	}

	slog.Info("uploading seed objects", slog.String("bucket", d.input.Bucket), slog.Int("count", d.input.SeedObjects))
	uploader := manager.NewUploader(client)
	keys := make([]string, d.input.SeedObjects)
	errChan := make(chan error, d.input.SeedObjects)
	pool := pond.New(d.input.SeedConcurrency, 0, pond.MinWorkers(d.input.SeedConcurrency))
	p := progressbar.Default(int64(d.input.SeedObjects), "Uploading seed objects:")
	for i := range keys {
		keys[i] = fmt.Sprintf("seed/%06d", i)
		key := keys[i]
		pool.Submit(func() {
			defer p.Add(1)
			buf := make([]byte, d.input.ObjectSizeBytes)
			if _, err := rand.Read(buf); err != nil {
				errChan <- err
				return
			}
			_, err := uploader.Upload(ctx, &s3.PutObjectInput{
				Bucket: &d.input.Bucket,
				Key:    &key,
				Body:   bytes.NewReader(buf),
			})
			if err != nil {
				errChan <- err
			}
		})
	}
	pool.StopAndWait()
	p.Finish()

	select {
	case err := <-errChan:
		return fmt.Errorf("some seed objects failed to upload: %w", err)
	default:
		d.seedKeys = keys
		return nil
	}
}

func (d *s3Driver) DriveClient(ctx context.Context, cl *recipe.Client, dur time.Duration) (*report.ClientMetrics, error) {
	client, err := d.client(ctx)
	if err != nil {
		return nil, &ClientDriverError{Role: cl.Name, Err: err}
	}
	if err := d.ensureBucket(ctx, client); err != nil {
		return nil, &ClientDriverError{Role: cl.Name, Err: fmt.Errorf("ensuring bucket failed: %w", err)}
	}
	if d.input.Operation == "get" {
		if err := d.seed(ctx, client); err != nil {
			return nil, &ClientDriverError{Role: cl.Name, Err: err}
		}
	}

	payload := make([]byte, d.input.ObjectSizeBytes)
	if _, err := rand.Read(payload); err != nil {
		return nil, &ClientDriverError{Role: cl.Name, Err: err}
	}

	slog.Info("driving storage load", slog.String("role", cl.Name), slog.String("operation", d.input.Operation), slog.String("duration", dur.String()))
	rec := runPattern(ctx, cl, dur, func(ctx context.Context) (int64, error) {
		if d.input.Operation == "get" {
			key := d.seedKeys[mrand.Intn(len(d.seedKeys))]
			out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &d.input.Bucket, Key: &key})
			if err != nil {
				return 0, err
			}
			defer out.Body.Close()
			return io.Copy(io.Discard, out.Body)
		}
		key := fmt.Sprintf("bench/%s/%s", cl.Name, util.Randstring(16))
		_, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &d.input.Bucket,
			Key:    &key,
			Body:   bytes.NewReader(payload),
		})
		if err != nil {
			return 0, err
		}
		return int64(len(payload)), nil
	})

	m := rec.metrics(cl.Name)
	if ctx.Err() == nil && m.Completed == 0 && m.Failed > 0 {
		return m, &ClientDriverError{Role: cl.Name, Err: fmt.Errorf("all %d requests failed", m.Failed)}
	}
	return m, nil
}
