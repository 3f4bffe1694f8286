package grader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	units "github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "sandbox",
		Name:      "run_duration_seconds",
		Help:      "Duration of sandbox container runs",
		Buckets:   prometheus.DefBuckets,
	}, []string{"image"})

	runTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "sandbox",
		Name:      "run_timeouts_total",
		Help:      "Number of sandbox runs that hit the timeout",
	}, []string{"image"})

	runFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "sandbox",
		Name:      "run_failures_total",
		Help:      "Number of sandbox runs that resulted in an error",
	}, []string{"image"})
)

// sandboxMount is where the grading root is bound inside the container.
const sandboxMount = "/grade"

// RunSpec describes one sandboxed container execution.
type RunSpec struct {
	Image            string
	Entrypoint       []string
	Env              []string
	SandboxDir       string
	Timeout          time.Duration
	EnableNetworking bool

	MemoryBytes       int64
	KernelMemoryBytes int64
	DiskQuotaBytes    int64
	PidsLimit         int64
	CPUShares         int64
}

// RunResult summarises the outcome of a container execution. TimedOut and
// ExitCode together determine environment-level success.
type RunResult struct {
	ExitCode   int
	TimedOut   bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Runner abstracts the container runtime behind the local grading backend.
type Runner interface {
	Pull(ctx context.Context, imageRef string) error
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// RunnerConfig groups Docker runner construction values.
type RunnerConfig struct {
	Host string
	// Overhead bounds the whole run beyond the job's own timeout, covering
	// container setup and teardown.
	Overhead time.Duration
	Logger   zerolog.Logger
}

// DockerRunner executes grading jobs in Docker containers.
type DockerRunner struct {
	client   *client.Client
	overhead time.Duration
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewDockerRunner constructs a Docker backed runner.
func NewDockerRunner(cfg RunnerConfig) (*DockerRunner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	overhead := cfg.Overhead
	if overhead <= 0 {
		overhead = 5 * time.Minute
	}

	return &DockerRunner{
		client:   cli,
		overhead: overhead,
		tracer:   otel.Tracer("github.com/classline/grader-go/internal/grader"),
		logger:   cfg.Logger.With().Str("component", "docker_runner").Logger(),
	}, nil
}

// Pull refreshes the grading image. Callers treat failure as non-fatal and
// fall back to whatever image is cached locally.
func (r *DockerRunner) Pull(ctx context.Context, imageRef string) error {
	reader, err := r.client.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}

	return nil
}

// Run executes the grading entrypoint inside a resource-limited container.
// On timeout the container is killed and the result reports TimedOut; the
// kill is only requested here, completion is observed through the single
// container wait.
func (r *DockerRunner) Run(parent context.Context, spec RunSpec) (RunResult, error) {
	ctx, span := r.tracer.Start(parent, "grader.runner.run", trace.WithAttributes(
		attribute.String("docker.image", spec.Image),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, spec.Timeout+r.overhead)
	defer cancel()

	pidsLimit := spec.PidsLimit
	hostCfg := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:%s", spec.SandboxDir, sandboxMount)},
		Resources: container.Resources{
			Memory: spec.MemoryBytes,
			// Equal memory and swap ceilings leave no effective swap headroom.
			MemorySwap:   spec.MemoryBytes,
			KernelMemory: spec.KernelMemoryBytes,
			CPUShares:    spec.CPUShares,
			PidsLimit:    &pidsLimit,
			Ulimits: []*units.Ulimit{
				// Core dumps can get very large and bloat sandbox storage.
				{Name: "core", Soft: 0, Hard: 0},
			},
		},
		IpcMode: "private",
	}

	// The writable-layer quota rides on the storage driver rather than the
	// cgroup resource set.
	if spec.DiskQuotaBytes > 0 {
		hostCfg.StorageOpt = map[string]string{
			"size": strconv.FormatInt(spec.DiskQuotaBytes, 10),
		}
	}

	config := &container.Config{
		Image:           spec.Image,
		Entrypoint:      spec.Entrypoint,
		Env:             spec.Env,
		AttachStdout:    true,
		AttachStderr:    true,
		Tty:             true,
		NetworkDisabled: !spec.EnableNetworking,
	}

	result := RunResult{}

	resp, err := r.client.ContainerCreate(ctx, config, hostCfg, nil, nil, "")
	if err != nil {
		runFailures.WithLabelValues(spec.Image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("container create: %w", err)
	}

	containerID := resp.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := r.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		})
		if err != nil {
			r.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove container")
		}
	}()

	attach, err := r.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		runFailures.WithLabelValues(spec.Image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("container attach: %w", err)
	}
	defer attach.Close()

	go func() {
		scanner := bufio.NewScanner(attach.Reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			r.logger.Debug().Str("container_id", containerID).Msg("container> " + scanner.Text())
		}
	}()

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		runFailures.WithLabelValues(spec.Image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("container start: %w", err)
	}

	result.StartedAt = time.Now().UTC()

	var timedOut atomic.Bool
	timer := time.AfterFunc(spec.Timeout, func() {
		timedOut.Store(true)
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.client.ContainerKill(killCtx, containerID, "KILL"); err != nil {
			r.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to kill timed out container")
		}
	})
	defer timer.Stop()

	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)
	select {
	case err := <-errCh:
		runFailures.WithLabelValues(spec.Image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("container wait: %w", err)
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	}

	result.FinishedAt = time.Now().UTC()
	result.TimedOut = timedOut.Load()
	runDuration.WithLabelValues(spec.Image).Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	if result.TimedOut {
		runTimeouts.WithLabelValues(spec.Image).Inc()
		span.SetStatus(codes.Error, "execution timed out")
	}

	return result, nil
}

// Close shuts down the runner's underlying client.
func (r *DockerRunner) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
