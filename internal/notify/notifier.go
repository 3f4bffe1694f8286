package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Notifier pushes fire-and-forget "this job changed" signals to connected
// clients. Delivery is best-effort; consumers re-fetch authoritative state.
type Notifier interface {
	JobStatusChanged(jobID uint)
}

type statusEvent struct {
	JobID  uint      `json:"job_id"`
	SentAt time.Time `json:"sent_at"`
}

type natsNotifier struct {
	conn        *nats.Conn
	subjectBase string
	logger      zerolog.Logger
}

// NewNATSNotifier publishes job-status events on
// "<base>.grading_job.<id>". Publish failures are logged and swallowed;
// the notification carries no correctness guarantee.
func NewNATSNotifier(conn *nats.Conn, subjectBase string, logger zerolog.Logger) Notifier {
	if subjectBase == "" {
		subjectBase = "grader"
	}

	return &natsNotifier{
		conn:        conn,
		subjectBase: subjectBase,
		logger:      logger.With().Str("component", "status_notifier").Logger(),
	}
}

func (n *natsNotifier) JobStatusChanged(jobID uint) {
	payload, err := json.Marshal(statusEvent{JobID: jobID, SentAt: time.Now().UTC()})
	if err != nil {
		n.logger.Error().Err(err).Uint("job_id", jobID).Msg("failed to encode status event")
		return
	}

	subject := fmt.Sprintf("%s.grading_job.%d", n.subjectBase, jobID)
	if err := n.conn.Publish(subject, payload); err != nil {
		n.logger.Warn().Err(err).Uint("job_id", jobID).Msg("failed to publish status event")
	}
}

type noopNotifier struct{}

// NewNoopNotifier returns a notifier that drops every event. Used when no
// live-status channel is configured.
func NewNoopNotifier() Notifier {
	return noopNotifier{}
}

func (noopNotifier) JobStatusChanged(uint) {}
