package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/classline/grader-go/internal/notify"
	"github.com/classline/grader-go/internal/observability"
	"github.com/classline/grader-go/internal/repository"
)

// Applier writes a canonical grading record to durable state within a
// single transaction-scoped update, then notifies observers exactly once.
type Applier struct {
	jobs     repository.GradingJobRepository
	notifier notify.Notifier
	logger   zerolog.Logger
}

// NewApplier constructs a result applier.
func NewApplier(jobs repository.GradingJobRepository, notifier notify.Notifier, logger zerolog.Logger) *Applier {
	return &Applier{
		jobs:     jobs,
		notifier: notifier,
		logger:   logger.With().Str("component", "result_applier").Logger(),
	}
}

// Apply reconciles the two independent "succeeded" signals and persists the
// terminal job state. envSucceeded is the execution environment's own
// verdict; the canonical result carries the payload-level flags.
//
// A crashed or timed-out sandbox cannot be trusted to have produced a
// meaningful payload-level judgment, so the environment signal dominates:
// when it is false the submission is not gradable no matter what the
// payload claims. The payload-scoped results.succeeded flag only zeroes the
// score and never feeds into gradability.
//
// Re-running Apply with the same canonical result is an idempotent
// overwrite. The status notification fires exactly once per call, on
// success and failure paths alike.
func (a *Applier) Apply(ctx context.Context, jobID uint, envSucceeded bool, result CanonicalResult) (err error) {
	defer func() {
		a.notifier.JobStatusChanged(jobID)
		if err != nil {
			a.logger.Error().Err(err).Uint("job_id", jobID).Msg("failed to apply grading result")
		}
	}()

	jobSucceeded := envSucceeded && result.Succeeded

	// Default to gradable for backward compatibility with grading images
	// that never set results.gradable.
	gradable := jobSucceeded && (result.ResultsGradable == nil || *result.ResultsGradable)

	score := result.Score
	if result.ResultsSucceeded != nil && !*result.ResultsSucceeded {
		score = 0
	}
	if !gradable {
		score = 0
	}
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}

	feedback, err := json.Marshal(result.Feedback)
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}

	formatErrors := result.FormatErrors
	if formatErrors == nil {
		formatErrors = []string{}
	}
	encodedErrors, err := json.Marshal(formatErrors)
	if err != nil {
		return fmt.Errorf("encode format errors: %w", err)
	}

	update := repository.TerminalUpdate{
		Score:        score,
		Gradable:     gradable,
		Broken:       false,
		Feedback:     datatypes.JSON(feedback),
		FormatErrors: datatypes.JSON(encodedErrors),
		ReceivedAt:   result.ReceivedAt,
		StartedAt:    result.StartedAt,
		FinishedAt:   result.EndedAt,
	}

	start := time.Now()
	if err := a.jobs.Finalize(ctx, jobID, update); err != nil {
		return fmt.Errorf("finalize job %d: %w", jobID, err)
	}
	observability.ApplyDuration().WithLabelValues(strconv.FormatBool(gradable)).Observe(time.Since(start).Seconds())

	a.logger.Info().
		Uint("job_id", jobID).
		Bool("gradable", gradable).
		Float64("score", score).
		Msg("grading result applied")

	return nil
}
