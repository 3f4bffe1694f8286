package grader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/classline/grader-go/internal/models"
	"github.com/classline/grader-go/internal/sandbox"
)

// stubRunner fakes the container runtime: it records the run spec, optionally
// drops a results file into the sandbox and returns a scripted result.
type stubRunner struct {
	mu           sync.Mutex
	pulls        []string
	pullErr      error
	spec         *RunSpec
	result       RunResult
	runErr       error
	resultsBytes []byte
}

func (r *stubRunner) Pull(_ context.Context, imageRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls = append(r.pulls, imageRef)
	return r.pullErr
}

func (r *stubRunner) Run(_ context.Context, spec RunSpec) (RunResult, error) {
	r.mu.Lock()
	r.spec = &spec
	r.mu.Unlock()

	if r.resultsBytes != nil {
		path := filepath.Join(spec.SandboxDir, "results", "results.json")
		if err := os.WriteFile(path, r.resultsBytes, 0o644); err != nil {
			return RunResult{}, err
		}
	}

	return r.result, r.runErr
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(event Event, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) recorded() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func testJob(t *testing.T) Job {
	t.Helper()
	return Job{
		Job: models.GradingJob{ID: 1},
		Question: models.Question{
			QID:               "add-numbers",
			GradingEnabled:    true,
			GradingImage:      "grader/python:latest",
			GradingEntrypoint: "/grade.sh run",
			TimeoutSeconds:    10,
			Environment:       datatypes.JSONMap{"B": "x", "A": nil},
		},
		Course: models.Course{Path: t.TempDir()},
	}
}

func localConfig(t *testing.T) LocalConfig {
	t.Helper()
	return LocalConfig{
		SandboxRoot:       t.TempDir(),
		PullImages:        true,
		DefaultTimeout:    30 * time.Second,
		MaxTimeout:        60 * time.Second,
		MaxResultBytes:    1024,
		MemoryBytes:       1 << 30,
		KernelMemoryBytes: 1 << 29,
		DiskQuotaBytes:    1 << 30,
		PidsLimit:         64,
		CPUShares:         512,
	}
}

func TestLocalHandleSuccess(t *testing.T) {
	runner := &stubRunner{
		result:       RunResult{ExitCode: 0, StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC()},
		resultsBytes: []byte(`{"score": 0.5, "gradable": true}`),
	}
	cfg := localConfig(t)
	recorder := &eventRecorder{}
	g := NewLocalGrader(sandbox.NewBuilder(zerolog.Nop()), runner, cfg, zerolog.Nop())

	outcome := <-g.Handle(context.Background(), testJob(t), recorder.record)

	require.NoError(t, outcome.Err)
	require.True(t, outcome.EnvSucceeded)
	require.Equal(t, []Event{EventSubmitted, EventReceived}, recorder.recorded())

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(outcome.Payload, &payload))
	require.Equal(t, true, payload["succeeded"])
	require.NotEmpty(t, payload["received_time"])
	require.NotEmpty(t, payload["start_time"])

	results, ok := payload["results"].(map[string]interface{})
	require.True(t, ok)
	require.InDelta(t, 0.5, results["score"], 1e-9)

	// The run spec carries the question setup and the configured limits.
	require.Equal(t, "grader/python:latest", runner.spec.Image)
	require.Equal(t, []string{"/grade.sh", "run"}, runner.spec.Entrypoint)
	require.Equal(t, []string{"A", "B=x"}, runner.spec.Env)
	require.Equal(t, 10*time.Second, runner.spec.Timeout)
	require.Equal(t, cfg.MemoryBytes, runner.spec.MemoryBytes)
	require.Equal(t, cfg.DiskQuotaBytes, runner.spec.DiskQuotaBytes)
	require.Equal(t, cfg.PidsLimit, runner.spec.PidsLimit)
	require.Equal(t, []string{"grader/python:latest"}, runner.pulls)

	_, err := os.Stat(runner.spec.SandboxDir)
	require.True(t, os.IsNotExist(err), "sandbox directory must be removed")
}

func TestLocalHandleTimeout(t *testing.T) {
	runner := &stubRunner{result: RunResult{TimedOut: true, ExitCode: 137, StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC()}}
	g := NewLocalGrader(sandbox.NewBuilder(zerolog.Nop()), runner, localConfig(t), zerolog.Nop())

	outcome := <-g.Handle(context.Background(), testJob(t), func(Event, time.Time) {})

	require.NoError(t, outcome.Err)
	require.False(t, outcome.EnvSucceeded)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(outcome.Payload, &payload))
	require.Equal(t, false, payload["succeeded"])
	require.Contains(t, payload["message"], "did not complete within the time limit of 10 seconds")

	_, err := os.Stat(runner.spec.SandboxDir)
	require.True(t, os.IsNotExist(err), "sandbox directory must be removed after a timeout")
}

func TestLocalHandleNonZeroExit(t *testing.T) {
	runner := &stubRunner{result: RunResult{ExitCode: 2, StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC()}}
	g := NewLocalGrader(sandbox.NewBuilder(zerolog.Nop()), runner, localConfig(t), zerolog.Nop())

	outcome := <-g.Handle(context.Background(), testJob(t), func(Event, time.Time) {})

	require.False(t, outcome.EnvSucceeded)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(outcome.Payload, &payload))
	require.Contains(t, payload["message"], "exited with code 2")
}

func TestLocalHandleMissingResultsFile(t *testing.T) {
	runner := &stubRunner{result: RunResult{ExitCode: 0, StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC()}}
	g := NewLocalGrader(sandbox.NewBuilder(zerolog.Nop()), runner, localConfig(t), zerolog.Nop())

	outcome := <-g.Handle(context.Background(), testJob(t), func(Event, time.Time) {})

	require.False(t, outcome.EnvSucceeded)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(outcome.Payload, &payload))
	require.Equal(t, "Could not read grading results.", payload["message"])
}

func TestLocalHandleUnparsableResults(t *testing.T) {
	runner := &stubRunner{
		result:       RunResult{ExitCode: 0, StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC()},
		resultsBytes: []byte("definitely not json"),
	}
	g := NewLocalGrader(sandbox.NewBuilder(zerolog.Nop()), runner, localConfig(t), zerolog.Nop())

	outcome := <-g.Handle(context.Background(), testJob(t), func(Event, time.Time) {})

	require.False(t, outcome.EnvSucceeded)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(outcome.Payload, &payload))
	require.Equal(t, "Could not parse the grading results.", payload["message"])
}

func TestLocalHandleOversizedResults(t *testing.T) {
	big := make([]byte, 0, 256)
	big = append(big, `{"padding": "`...)
	for i := 0; i < 100; i++ {
		big = append(big, 'x')
	}
	big = append(big, `"}`...)

	cfg := localConfig(t)
	cfg.MaxResultBytes = 16
	runner := &stubRunner{
		result:       RunResult{ExitCode: 0, StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC()},
		resultsBytes: big,
	}
	g := NewLocalGrader(sandbox.NewBuilder(zerolog.Nop()), runner, cfg, zerolog.Nop())

	outcome := <-g.Handle(context.Background(), testJob(t), func(Event, time.Time) {})

	require.False(t, outcome.EnvSucceeded)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(outcome.Payload, &payload))
	require.Contains(t, payload["message"], "The grading results were larger than")
}

func TestLocalHandlePullFailureIsNonFatal(t *testing.T) {
	runner := &stubRunner{
		pullErr:      os.ErrDeadlineExceeded,
		result:       RunResult{ExitCode: 0, StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC()},
		resultsBytes: []byte(`{"score": 1}`),
	}
	g := NewLocalGrader(sandbox.NewBuilder(zerolog.Nop()), runner, localConfig(t), zerolog.Nop())

	outcome := <-g.Handle(context.Background(), testJob(t), func(Event, time.Time) {})

	require.NoError(t, outcome.Err)
	require.True(t, outcome.EnvSucceeded)
}

func TestComputeTimeout(t *testing.T) {
	def := 30 * time.Second
	max := 60 * time.Second

	require.Equal(t, def, computeTimeout(0, def, max))
	require.Equal(t, 10*time.Second, computeTimeout(10, def, max))
	require.Equal(t, max, computeTimeout(3600, def, max))
}

func TestSplitEntrypoint(t *testing.T) {
	require.Nil(t, splitEntrypoint("  "))
	require.Equal(t, []string{"/grade.sh"}, splitEntrypoint("/grade.sh"))
	require.Equal(t, []string{"python3", "/grade.py", "-v"}, splitEntrypoint("python3 /grade.py -v"))
}

func TestEnvironmentList(t *testing.T) {
	require.Nil(t, environmentList(nil))

	env := map[string]interface{}{"PATH": "/usr/bin", "DEBUG": nil}
	require.Equal(t, []string{"DEBUG", "PATH=/usr/bin"}, environmentList(env))
}
