package grader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/classline/grader-go/internal/repository"
	"github.com/classline/grader-go/internal/sandbox"
	"github.com/classline/grader-go/pkg/archive"
)

// ArchiveKey is the object key of the job archive under a job's root key.
const ArchiveKey = "job.tar.gz"

// ObjectUploader stores job archives in object storage.
type ObjectUploader interface {
	Upload(ctx context.Context, bucket, key string, body io.Reader) error
}

// JobQueue enqueues job-description messages for the worker fleet.
type JobQueue interface {
	ResolveQueueURL(ctx context.Context, name string) (string, error)
	Send(ctx context.Context, queueURL, body string) error
}

// jobMessage is the outbound work-queue schema consumed by remote workers.
type jobMessage struct {
	JobID            uint                   `json:"jobId"`
	Image            string                 `json:"image"`
	Entrypoint       string                 `json:"entrypoint"`
	StorageBucket    string                 `json:"storageBucket"`
	StorageRootKey   string                 `json:"storageRootKey"`
	TimeoutSeconds   int                    `json:"timeoutSeconds"`
	EnableNetworking bool                   `json:"enableNetworking"`
	Environment      map[string]interface{} `json:"environment"`
}

// RemoteConfig groups the queue backend's construction values.
type RemoteConfig struct {
	SandboxRoot    string
	Bucket         string
	QueueName      string
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Remote packages the sandbox into an archive, uploads it to object storage
// and enqueues a job description for out-of-process workers. It never
// reports completion itself; results arrive later through the results
// queue consumer.
type Remote struct {
	builder  *sandbox.Builder
	uploader ObjectUploader
	queue    JobQueue
	jobs     repository.GradingJobRepository
	cfg      RemoteConfig
	logger   zerolog.Logger

	// The queue URL is resolved once per instance lifetime; queue
	// recreation under the same name requires a process restart.
	urlMu    sync.Mutex
	queueURL string
}

// NewRemoteGrader constructs the queue-backed grading backend.
func NewRemoteGrader(builder *sandbox.Builder, uploader ObjectUploader, queue JobQueue, jobs repository.GradingJobRepository, cfg RemoteConfig, logger zerolog.Logger) *Remote {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}

	return &Remote{
		builder:  builder,
		uploader: uploader,
		queue:    queue,
		jobs:     jobs,
		cfg:      cfg,
		logger:   logger.With().Str("component", "remote_grader").Logger(),
	}
}

// Handle implements Grader. The submitted event fires on enqueue success;
// the outcome channel is closed without a value since completion is
// delivered out-of-band.
func (g *Remote) Handle(ctx context.Context, job Job, progress ProgressFunc) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		if err := g.enqueue(ctx, job, progress); err != nil {
			ch <- Outcome{Err: err}
		}
	}()

	return ch
}

func (g *Remote) enqueue(ctx context.Context, job Job, progress ProgressFunc) error {
	logger := g.logger.With().Uint("job_id", job.Job.ID).Logger()

	rootKey := fmt.Sprintf("job_%d_%s", job.Job.ID, uuid.NewString())
	dir := filepath.Join(g.cfg.SandboxRoot, rootKey)
	defer func() {
		// The local tree is disposable once archived, whatever the upload
		// outcome was.
		if err := os.RemoveAll(dir); err != nil {
			logger.Error().Err(err).Str("dir", dir).Msg("failed to remove sandbox directory")
		}
	}()

	if err := g.builder.Build(dir, job.Submission, job.Variant, job.Question, job.Course); err != nil {
		return fmt.Errorf("build sandbox: %w", err)
	}

	if err := g.uploadArchive(ctx, dir, rootKey); err != nil {
		return err
	}

	if err := g.jobs.SetStorageCoords(ctx, job.Job.ID, g.cfg.Bucket, rootKey); err != nil {
		return fmt.Errorf("persist storage coordinates: %w", err)
	}

	queueURL, err := g.resolveQueueURL(ctx)
	if err != nil {
		return err
	}

	timeout := computeTimeout(job.Question.TimeoutSeconds, g.cfg.DefaultTimeout, g.cfg.MaxTimeout)
	msg := jobMessage{
		JobID:            job.Job.ID,
		Image:            job.Question.GradingImage,
		Entrypoint:       job.Question.GradingEntrypoint,
		StorageBucket:    g.cfg.Bucket,
		StorageRootKey:   rootKey,
		TimeoutSeconds:   int(timeout.Seconds()),
		EnableNetworking: job.Question.EnableNetworking,
		Environment:      job.Question.Environment,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}

	if err := g.queue.Send(ctx, queueURL, string(body)); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	logger.Info().Str("root_key", rootKey).Msg("job enqueued for remote grading")
	progress(EventSubmitted, time.Now().UTC())

	return nil
}

func (g *Remote) uploadArchive(ctx context.Context, dir, rootKey string) error {
	tmp, err := os.CreateTemp("", "job-archive-*.tar.gz")
	if err != nil {
		return fmt.Errorf("create archive temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := archive.WriteTarGz(dir, tmp); err != nil {
		return err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind archive: %w", err)
	}

	return g.uploader.Upload(ctx, g.cfg.Bucket, rootKey+"/"+ArchiveKey, tmp)
}

func (g *Remote) resolveQueueURL(ctx context.Context) (string, error) {
	g.urlMu.Lock()
	defer g.urlMu.Unlock()

	if g.queueURL != "" {
		return g.queueURL, nil
	}

	url, err := g.queue.ResolveQueueURL(ctx, g.cfg.QueueName)
	if err != nil {
		return "", err
	}

	g.queueURL = url
	return url, nil
}

// computeTimeout is the lesser of the question's configured timeout and the
// system-wide maximum, falling back to the default when unset.
func computeTimeout(questionSeconds int, def, max time.Duration) time.Duration {
	timeout := def
	if questionSeconds > 0 {
		timeout = time.Duration(questionSeconds) * time.Second
	}
	if timeout > max {
		timeout = max
	}
	return timeout
}
