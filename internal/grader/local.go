package grader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/classline/grader-go/internal/models"
	"github.com/classline/grader-go/internal/sandbox"
)

// resultsRelPath is where grading code writes its output, relative to the
// sandbox root.
const resultsRelPath = "results/results.json"

// LocalConfig groups the local backend's execution limits.
type LocalConfig struct {
	SandboxRoot    string
	PullImages     bool
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxResultBytes int64

	MemoryBytes       int64
	KernelMemoryBytes int64
	DiskQuotaBytes    int64
	PidsLimit         int64
	CPUShares         int64
}

// Local runs grading jobs synchronously in-process against a container
// runtime. Each call owns one sandbox directory keyed by job id, torn down
// on every exit path.
type Local struct {
	builder *sandbox.Builder
	runner  Runner
	cfg     LocalConfig
	logger  zerolog.Logger
}

// NewLocalGrader constructs the local sandbox grading backend.
func NewLocalGrader(builder *sandbox.Builder, runner Runner, cfg LocalConfig, logger zerolog.Logger) *Local {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.MaxResultBytes <= 0 {
		cfg.MaxResultBytes = 1024 * 1024
	}

	return &Local{
		builder: builder,
		runner:  runner,
		cfg:     cfg,
		logger:  logger.With().Str("component", "local_grader").Logger(),
	}
}

// Handle implements Grader. The submitted event fires synchronously before
// any real work so a caller attaching a listener right after the call does
// not race it.
func (g *Local) Handle(ctx context.Context, job Job, progress ProgressFunc) <-chan Outcome {
	progress(EventSubmitted, time.Now().UTC())

	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		ch <- g.run(ctx, job, progress)
	}()

	return ch
}

func (g *Local) run(ctx context.Context, job Job, progress ProgressFunc) Outcome {
	logger := g.logger.With().Uint("job_id", job.Job.ID).Logger()

	dir := filepath.Join(g.cfg.SandboxRoot, fmt.Sprintf("job_%d_%s", job.Job.ID, uuid.NewString()))
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Error().Err(err).Str("dir", dir).Msg("failed to remove sandbox directory")
		}
	}()

	if err := g.builder.Build(dir, job.Submission, job.Variant, job.Question, job.Course); err != nil {
		return Outcome{Err: fmt.Errorf("build sandbox: %w", err)}
	}

	if err := os.MkdirAll(filepath.Join(dir, "results"), 0o777); err != nil {
		return Outcome{Err: fmt.Errorf("create results dir: %w", err)}
	}

	if g.cfg.PullImages {
		if err := g.runner.Pull(ctx, job.Question.GradingImage); err != nil {
			// Non-fatal: run with whatever image is cached locally.
			logger.Warn().Err(err).Str("image", job.Question.GradingImage).Msg("image pull failed, using cached image")
		}
	}

	receivedTime := time.Now().UTC()
	progress(EventReceived, receivedTime)

	timeout := g.timeoutFor(job.Question)
	spec := RunSpec{
		Image:             job.Question.GradingImage,
		Entrypoint:        splitEntrypoint(job.Question.GradingEntrypoint),
		Env:               environmentList(job.Question.Environment),
		SandboxDir:        dir,
		Timeout:           timeout,
		EnableNetworking:  job.Question.EnableNetworking,
		MemoryBytes:       g.cfg.MemoryBytes,
		KernelMemoryBytes: g.cfg.KernelMemoryBytes,
		DiskQuotaBytes:    g.cfg.DiskQuotaBytes,
		PidsLimit:         g.cfg.PidsLimit,
		CPUShares:         g.cfg.CPUShares,
	}

	runResult, err := g.runner.Run(ctx, spec)
	if err != nil {
		return Outcome{Err: fmt.Errorf("run container: %w", err)}
	}

	payload := g.buildPayload(logger, job.Job.ID, dir, receivedTime, timeout, runResult)

	encoded, err := json.Marshal(payload)
	if err != nil {
		return Outcome{Err: fmt.Errorf("encode results payload: %w", err)}
	}

	succeeded, _ := payload["succeeded"].(bool)
	return Outcome{Payload: encoded, EnvSucceeded: succeeded}
}

// buildPayload assembles the raw results document for one finished run.
// Extraction problems downgrade environment-level success with an
// explanatory message instead of propagating an error.
func (g *Local) buildPayload(logger zerolog.Logger, jobID uint, dir string, receivedTime time.Time, timeout time.Duration, run RunResult) map[string]interface{} {
	succeeded := !run.TimedOut && run.ExitCode == 0

	payload := map[string]interface{}{
		"job_id":        jobID,
		"received_time": receivedTime.Format(time.RFC3339Nano),
		"start_time":    run.StartedAt.Format(time.RFC3339Nano),
		"end_time":      run.FinishedAt.Format(time.RFC3339Nano),
		"succeeded":     succeeded,
		"results":       nil,
	}

	if !succeeded {
		if run.TimedOut {
			payload["message"] = fmt.Sprintf(
				"Your grading job did not complete within the time limit of %d seconds.\nPlease fix your code before submitting again.",
				int(timeout.Seconds()))
		} else {
			payload["message"] = fmt.Sprintf("Your grading job exited with code %d.", run.ExitCode)
		}
		return payload
	}

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(resultsRelPath)))
	if err != nil {
		logger.Error().Err(err).Msg("could not read results file")
		payload["succeeded"] = false
		payload["message"] = "Could not read grading results."
		return payload
	}

	if int64(len(data)) > g.cfg.MaxResultBytes {
		payload["succeeded"] = false
		payload["message"] = fmt.Sprintf(
			"The grading results were larger than %dMB. If the problem persists, please contact course staff or a proctor.",
			g.cfg.MaxResultBytes/(1024*1024))
		return payload
	}

	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		logger.Error().Err(err).Msg("could not parse results file")
		payload["succeeded"] = false
		payload["message"] = "Could not parse the grading results."
		return payload
	}

	payload["results"] = parsed
	return payload
}

func (g *Local) timeoutFor(question models.Question) time.Duration {
	return computeTimeout(question.TimeoutSeconds, g.cfg.DefaultTimeout, g.cfg.MaxTimeout)
}

func splitEntrypoint(entrypoint string) []string {
	if strings.TrimSpace(entrypoint) == "" {
		return nil
	}
	return strings.Fields(entrypoint)
}

// environmentList converts the question's environment map to Docker form:
// {"K": "v"} becomes "K=v" and {"K": null} becomes a bare "K", declaring
// the variable with no value.
func environmentList(env map[string]interface{}) []string {
	if len(env) == 0 {
		return nil
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, key := range keys {
		if env[key] == nil {
			list = append(list, key)
			continue
		}
		list = append(list, fmt.Sprintf("%s=%v", key, env[key]))
	}

	return list
}
