package grader

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/classline/grader-go/internal/models"
	"github.com/classline/grader-go/internal/repository"
	"github.com/classline/grader-go/internal/sandbox"
)

type recordingUploader struct {
	mu     sync.Mutex
	bucket string
	key    string
	size   int64
	err    error
}

func (u *recordingUploader) Upload(_ context.Context, bucket, key string, body io.Reader) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return err
	}
	u.bucket, u.key, u.size = bucket, key, n
	return nil
}

type recordingQueue struct {
	mu       sync.Mutex
	resolves int
	sent     []string
}

func (q *recordingQueue) ResolveQueueURL(context.Context, string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resolves++
	return "https://queue.test/jobs", nil
}

func (q *recordingQueue) Send(_ context.Context, _ string, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, body)
	return nil
}

// coordsRepo records storage coordinates and ignores everything else.
type coordsRepo struct {
	mu      sync.Mutex
	bucket  string
	rootKey string
}

func (r *coordsRepo) Create(context.Context, *models.GradingJob) error { return nil }
func (r *coordsRepo) GetByID(context.Context, uint) (models.GradingJob, error) {
	return models.GradingJob{}, repository.ErrJobNotFound
}
func (r *coordsRepo) GetContext(context.Context, uint) (repository.JobContext, error) {
	return repository.JobContext{}, repository.ErrJobNotFound
}
func (r *coordsRepo) MarkSubmitted(context.Context, uint, time.Time) error { return nil }
func (r *coordsRepo) MarkReceived(context.Context, uint, time.Time) error  { return nil }
func (r *coordsRepo) MarkBroken(context.Context, uint, string) error       { return nil }
func (r *coordsRepo) SetStorageCoords(_ context.Context, _ uint, bucket, rootKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bucket, r.rootKey = bucket, rootKey
	return nil
}
func (r *coordsRepo) Finalize(context.Context, uint, repository.TerminalUpdate) error { return nil }

func remoteConfig(t *testing.T) RemoteConfig {
	t.Helper()
	return RemoteConfig{
		SandboxRoot:    t.TempDir(),
		Bucket:         "grading-jobs",
		QueueName:      "grading_jobs",
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     60 * time.Second,
	}
}

func TestRemoteHandleHandsOff(t *testing.T) {
	uploader := &recordingUploader{}
	queue := &recordingQueue{}
	repo := &coordsRepo{}
	cfg := remoteConfig(t)
	recorder := &eventRecorder{}

	g := NewRemoteGrader(sandbox.NewBuilder(zerolog.Nop()), uploader, queue, repo, cfg, zerolog.Nop())

	job := testJob(t)
	job.Question.TimeoutSeconds = 3600

	outcome, ok := <-g.Handle(context.Background(), job, recorder.record)
	require.False(t, ok, "hand-off closes the channel without a value")
	require.Zero(t, outcome)

	require.Equal(t, []Event{EventSubmitted}, recorder.recorded())

	// Archive landed under the job's root key.
	require.Equal(t, "grading-jobs", uploader.bucket)
	require.Equal(t, repo.rootKey+"/"+ArchiveKey, uploader.key)
	require.Positive(t, uploader.size)
	require.Equal(t, "grading-jobs", repo.bucket)

	require.Len(t, queue.sent, 1)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(queue.sent[0]), &msg))
	require.InDelta(t, 1, msg["jobId"], 1e-9)
	require.Equal(t, "grader/python:latest", msg["image"])
	require.Equal(t, "/grade.sh run", msg["entrypoint"], "entrypoint stays a single string on the wire")
	require.Equal(t, repo.rootKey, msg["storageRootKey"])
	require.InDelta(t, 60, msg["timeoutSeconds"], 1e-9, "question timeout is capped at the system maximum")

	// The local tree is disposable after upload.
	entries, err := os.ReadDir(cfg.SandboxRoot)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRemoteHandleMemoizesQueueURL(t *testing.T) {
	queue := &recordingQueue{}
	g := NewRemoteGrader(sandbox.NewBuilder(zerolog.Nop()), &recordingUploader{}, queue, &coordsRepo{}, remoteConfig(t), zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, ok := <-g.Handle(context.Background(), testJob(t), func(Event, time.Time) {})
		require.False(t, ok)
	}

	require.Equal(t, 1, queue.resolves)
}

func TestRemoteHandleUploadFailure(t *testing.T) {
	uploader := &recordingUploader{err: errors.New("bucket gone")}
	queue := &recordingQueue{}
	repo := &coordsRepo{}
	cfg := remoteConfig(t)

	g := NewRemoteGrader(sandbox.NewBuilder(zerolog.Nop()), uploader, queue, repo, cfg, zerolog.Nop())

	outcome, ok := <-g.Handle(context.Background(), testJob(t), func(Event, time.Time) {})
	require.True(t, ok)
	require.Error(t, outcome.Err)

	require.Empty(t, queue.sent)
	require.Empty(t, repo.rootKey, "coordinates are only persisted after a successful upload")

	entries, err := os.ReadDir(cfg.SandboxRoot)
	require.NoError(t, err)
	require.Empty(t, entries, "sandbox is removed on failure paths too")
}
