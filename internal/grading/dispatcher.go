package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/classline/grader-go/internal/grader"
	"github.com/classline/grader-go/internal/notify"
	"github.com/classline/grader-go/internal/observability"
	"github.com/classline/grader-go/internal/repository"
)

// Dispatcher is the entry point invoked when a submission needs grading.
// The active Grader backend is chosen once at process construction and
// injected here.
type Dispatcher struct {
	jobs       repository.GradingJobRepository
	grader     grader.Grader
	backend    string
	normalizer *Normalizer
	applier    *Applier
	notifier   notify.Notifier
	logger     zerolog.Logger
}

// NewDispatcher constructs a grading dispatcher. backend names the active
// grader in logs and metrics.
func NewDispatcher(jobs repository.GradingJobRepository, g grader.Grader, backend string, normalizer *Normalizer, applier *Applier, notifier notify.Notifier, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:       jobs,
		grader:     g,
		backend:    backend,
		normalizer: normalizer,
		applier:    applier,
		notifier:   notifier,
		logger:     logger.With().Str("component", "grading_dispatcher").Str("backend", backend).Logger(),
	}
}

// Dispatch loads the job context and hands the job to the active grader,
// wiring its lifecycle events to state updates. Questions with grading
// disabled short-circuit to an immediate zero-score result without any
// grader involvement.
//
// With the local backend Dispatch blocks until the job's terminal outcome
// has been applied. With the queue backend it returns once the job has been
// handed off; completion arrives later through the results queue consumer.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID uint) error {
	logger := d.logger.With().Uint("job_id", jobID).Logger()

	jc, err := d.jobs.GetContext(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job context: %w", err)
	}

	if jc.Job.Finalized() {
		logger.Warn().Msg("job already finalized, skipping dispatch")
		return nil
	}

	if !jc.Question.GradingEnabled {
		logger.Info().Msg("grading not enabled for question")
		observability.JobsDispatched().WithLabelValues(d.backend, "not_enabled").Inc()
		return d.applyNotEnabled(ctx, jobID)
	}

	job := grader.Job{
		Job:        jc.Job,
		Submission: jc.Submission,
		Variant:    jc.Variant,
		Question:   jc.Question,
		Course:     jc.Course,
	}

	outcomes := d.grader.Handle(ctx, job, func(event grader.Event, at time.Time) {
		d.handleProgress(ctx, logger, jobID, event, at)
	})

	outcome, ok := <-outcomes
	if !ok {
		// Queue backend: hand-off complete, result arrives out-of-band.
		observability.JobsDispatched().WithLabelValues(d.backend, "handed_off").Inc()
		return nil
	}

	if outcome.Err != nil {
		logger.Error().Err(outcome.Err).Msg("grader failed")
		observability.JobsDispatched().WithLabelValues(d.backend, "broken").Inc()
		d.markBroken(ctx, logger, jobID, outcome.Err)
		return outcome.Err
	}

	observability.JobsDispatched().WithLabelValues(d.backend, "completed").Inc()
	result := d.normalizer.Normalize(jobID, outcome.Payload)
	return d.applier.Apply(ctx, jobID, outcome.EnvSucceeded, result)
}

func (d *Dispatcher) handleProgress(ctx context.Context, logger zerolog.Logger, jobID uint, event grader.Event, at time.Time) {
	var err error
	switch event {
	case grader.EventSubmitted:
		err = d.jobs.MarkSubmitted(ctx, jobID, at)
	case grader.EventReceived:
		err = d.jobs.MarkReceived(ctx, jobID, at)
	default:
		return
	}

	if err != nil {
		logger.Error().Err(err).Str("event", string(event)).Msg("failed to record progress event")
		return
	}

	d.notifier.JobStatusChanged(jobID)
}

// markBroken is the terminal path for jobs that could not be processed at
// all. Observers still get their status signal.
func (d *Dispatcher) markBroken(ctx context.Context, logger zerolog.Logger, jobID uint, cause error) {
	defer d.notifier.JobStatusChanged(jobID)

	if err := d.jobs.MarkBroken(ctx, jobID, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to mark job broken")
	}
}

// applyNotEnabled routes a synthesized zero-score result straight to the
// applier, bypassing any grader.
func (d *Dispatcher) applyNotEnabled(ctx context.Context, jobID uint) error {
	payload, err := json.Marshal(map[string]interface{}{
		"succeeded": true,
		"results": map[string]interface{}{
			"score":         0,
			"gradable":      false,
			"format_errors": []string{"External grading is not enabled :("},
		},
	})
	if err != nil {
		return fmt.Errorf("encode not-enabled payload: %w", err)
	}

	result := d.normalizer.Normalize(jobID, payload)
	return d.applier.Apply(ctx, jobID, true, result)
}
