package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/classline/grader-go/internal/cloud"
	"github.com/classline/grader-go/internal/notify"
	"github.com/classline/grader-go/internal/observability"
	"github.com/classline/grader-go/internal/repository"
)

// ResultsKey is the object key of a job's result payload under its root key.
const ResultsKey = "results.json"

// Result message event types.
const (
	EventJobReceived   = "job_received"
	EventGradingResult = "grading_result"
)

// ResultQueue is the inbound side of the results queue.
type ResultQueue interface {
	ResolveQueueURL(ctx context.Context, name string) (string, error)
	Receive(ctx context.Context, queueURL string, max int32, waitSeconds int32) ([]cloud.Message, error)
	Delete(ctx context.Context, queueURL, receiptHandle string) error
}

// ObjectDownloader fetches result payloads that were too large to inline.
type ObjectDownloader interface {
	Download(ctx context.Context, bucket, key string) ([]byte, error)
}

// resultMessage is the inbound results-queue schema produced by workers.
type resultMessage struct {
	JobID uint            `json:"jobId" validate:"required"`
	Event string          `json:"event" validate:"required,oneof=job_received grading_result"`
	Data  json.RawMessage `json:"data"`
}

type receivedData struct {
	ReceivedTime time.Time `json:"receivedTime"`
}

// ConsumerConfig groups results-consumer tuning knobs.
type ConsumerConfig struct {
	QueueName   string
	BatchSize   int32
	WaitSeconds int32
}

// Consumer drains the results queue: it resolves each message's target job,
// fetches the result payload, normalizes and applies it, and deletes the
// message only after successful processing.
type Consumer struct {
	queue      ResultQueue
	storage    ObjectDownloader
	jobs       repository.GradingJobRepository
	normalizer *Normalizer
	applier    *Applier
	notifier   notify.Notifier
	validate   *validator.Validate
	cfg        ConsumerConfig
	logger     zerolog.Logger

	running atomic.Bool
}

// NewConsumer constructs a results queue consumer.
func NewConsumer(queue ResultQueue, storage ObjectDownloader, jobs repository.GradingJobRepository, normalizer *Normalizer, applier *Applier, notifier notify.Notifier, validate *validator.Validate, cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = 20
	}

	return &Consumer{
		queue:      queue,
		storage:    storage,
		jobs:       jobs,
		normalizer: normalizer,
		applier:    applier,
		notifier:   notifier,
		validate:   validate,
		cfg:        cfg,
		logger:     logger.With().Str("component", "results_consumer").Logger(),
	}
}

// Running reports whether the consumer loop is active.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Run polls the results queue until ctx is cancelled. Cancellation is only
// honored at the idle boundary before a receive; a batch that has already
// been received is processed to completion before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)

	queueURL, err := c.resolveQueueURL(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("results consumer stopped")
			return nil
		default:
		}

		messages, err := c.queue.Receive(ctx, queueURL, c.cfg.BatchSize, c.cfg.WaitSeconds)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("results consumer stopped")
				return nil
			}
			// Transient receive errors are retried without backing off the
			// whole loop.
			c.logger.Error().Err(err).Msg("failed to receive messages")
			continue
		}

		if len(messages) == 0 {
			continue
		}

		c.processBatch(context.WithoutCancel(ctx), queueURL, messages)
	}
}

// processBatch handles every message of one batch concurrently but
// independently. A message whose processing fails stays in the queue for
// redelivery and does not halt the rest of its batch.
func (c *Consumer) processBatch(ctx context.Context, queueURL string, messages []cloud.Message) {
	group, gctx := errgroup.WithContext(ctx)
	for _, message := range messages {
		message := message
		group.Go(func() error {
			event, err := c.processMessage(gctx, message)
			if err != nil {
				observability.MessagesProcessed().WithLabelValues(event, "error").Inc()
				c.logger.Error().Err(err).Msg("failed to process message, leaving for redelivery")
				return nil
			}
			observability.MessagesProcessed().WithLabelValues(event, "ok").Inc()

			if err := c.queue.Delete(gctx, queueURL, message.ReceiptHandle); err != nil {
				c.logger.Error().Err(err).Msg("failed to delete processed message")
			}

			return nil
		})
	}
	_ = group.Wait()
}

// processMessage returns the message's event type alongside any error so the
// caller can label its metrics; the event is "invalid" when the body could
// not even be decoded.
func (c *Consumer) processMessage(ctx context.Context, message cloud.Message) (string, error) {
	var msg resultMessage
	if err := json.Unmarshal([]byte(message.Body), &msg); err != nil {
		return "invalid", fmt.Errorf("decode message body: %w", err)
	}

	if err := c.validate.Struct(msg); err != nil {
		return "invalid", fmt.Errorf("invalid message: %w", err)
	}

	logger := c.logger.With().Uint("job_id", msg.JobID).Str("event", msg.Event).Logger()

	switch msg.Event {
	case EventJobReceived:
		return msg.Event, c.handleJobReceived(ctx, logger, msg)
	case EventGradingResult:
		return msg.Event, c.handleGradingResult(ctx, logger, msg)
	default:
		return msg.Event, fmt.Errorf("unknown event %q", msg.Event)
	}
}

func (c *Consumer) handleJobReceived(ctx context.Context, logger zerolog.Logger, msg resultMessage) error {
	var data receivedData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return fmt.Errorf("decode job_received data: %w", err)
		}
	}

	at := data.ReceivedTime
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if err := c.jobs.MarkReceived(ctx, msg.JobID, at); err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			logger.Debug().Msg("job gone, dropping acknowledgement")
			return nil
		}
		return err
	}

	c.notifier.JobStatusChanged(msg.JobID)
	return nil
}

func (c *Consumer) handleGradingResult(ctx context.Context, logger zerolog.Logger, msg resultMessage) error {
	payload := inlinePayload(msg.Data)

	if payload == nil {
		job, err := c.jobs.GetByID(ctx, msg.JobID)
		if err != nil {
			if errors.Is(err, repository.ErrJobNotFound) {
				// The job may have been hard-deleted by an instructor bulk
				// delete; a stale message is an expected outcome.
				logger.Debug().Msg("job gone, dropping result")
				return nil
			}
			return err
		}

		if !job.HasRemoteStorage() {
			logger.Debug().Msg("job has no storage coordinates, dropping result")
			return nil
		}

		payload, err = c.storage.Download(ctx, job.S3Bucket, job.S3RootKey+"/"+ResultsKey)
		if err != nil {
			return fmt.Errorf("fetch result payload: %w", err)
		}
	}

	result := c.normalizer.Normalize(msg.JobID, payload)

	err := c.applier.Apply(ctx, msg.JobID, result.Succeeded, result)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			logger.Debug().Msg("job gone, dropping result")
			return nil
		}
		return err
	}

	return nil
}

func (c *Consumer) resolveQueueURL(ctx context.Context) (string, error) {
	url, err := c.queue.ResolveQueueURL(ctx, c.cfg.QueueName)
	if err != nil {
		return "", fmt.Errorf("resolve results queue: %w", err)
	}
	return url, nil
}

// inlinePayload returns the message's embedded result document, or nil when
// the payload must be fetched from object storage.
func inlinePayload(data json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}
