package grader

import (
	"context"
	"time"

	"github.com/classline/grader-go/internal/models"
)

// Event is a progress signal emitted before a job's terminal outcome.
type Event string

const (
	// EventSubmitted fires once the job has been handed off for execution.
	EventSubmitted Event = "submitted"
	// EventReceived fires when a worker acknowledges pickup. The local
	// backend emits it itself after sandbox setup; the queue backend leaves
	// it to the remote worker's acknowledgement message.
	EventReceived Event = "received"
)

// ProgressFunc observes progress events. It is called from the goroutine
// driving the job and must not block for long.
type ProgressFunc func(event Event, at time.Time)

// Outcome is the single terminal result of a Handle call. Exactly one of
// Payload or Err is set.
type Outcome struct {
	// Payload is the raw results document produced by the execution
	// environment. It is untrusted and must pass through normalization
	// before touching durable state.
	Payload []byte
	// EnvSucceeded reports whether the execution environment itself ran to
	// completion: exit code zero, no timeout, results extracted.
	EnvSucceeded bool
	Err          error
}

// Job bundles the loaded context for one grading attempt.
type Job struct {
	Job        models.GradingJob
	Submission models.Submission
	Variant    models.Variant
	Question   models.Question
	Course     models.Course
}

// Grader abstracts "run this submission and eventually report a result".
//
// Handle returns a channel that yields at most one Outcome and is then
// closed. The local backend always yields an Outcome; the queue backend
// closes the channel without one on successful hand-off, since completion
// arrives out-of-band through the results queue consumer.
type Grader interface {
	Handle(ctx context.Context, job Job, progress ProgressFunc) <-chan Outcome
}
