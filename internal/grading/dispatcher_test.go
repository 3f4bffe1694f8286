package grading

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/classline/grader-go/internal/grader"
	"github.com/classline/grader-go/internal/models"
	"github.com/classline/grader-go/internal/repository"
)

// stubGrader replays scripted progress events and at most one outcome.
type stubGrader struct {
	events  []grader.Event
	outcome *grader.Outcome
	handled bool
}

func (s *stubGrader) Handle(_ context.Context, _ grader.Job, progress grader.ProgressFunc) <-chan grader.Outcome {
	s.handled = true
	for _, event := range s.events {
		progress(event, time.Now().UTC())
	}

	ch := make(chan grader.Outcome, 1)
	if s.outcome != nil {
		ch <- *s.outcome
	}
	close(ch)
	return ch
}

func newDispatcherForTest(repo *stubJobRepo, g grader.Grader, notifier *countingNotifier) *Dispatcher {
	applier := NewApplier(repo, notifier, zerolog.Nop())
	return NewDispatcher(repo, g, "local", NewNormalizer(zerolog.Nop()), applier, notifier, zerolog.Nop())
}

func enabledContext(jobID uint) repository.JobContext {
	return repository.JobContext{
		Job:      models.GradingJob{ID: jobID},
		Question: models.Question{GradingEnabled: true, GradingImage: "grader/python:latest"},
	}
}

func TestDispatchAppliesGraderOutcome(t *testing.T) {
	repo := newStubJobRepo()
	repo.jobs[21] = models.GradingJob{ID: 21}
	repo.contexts[21] = enabledContext(21)

	g := &stubGrader{
		events: []grader.Event{grader.EventSubmitted, grader.EventReceived},
		outcome: &grader.Outcome{
			Payload:      []byte(`{"succeeded": true, "results": {"score": 0.6}}`),
			EnvSucceeded: true,
		},
	}
	notifier := &countingNotifier{}

	require.NoError(t, newDispatcherForTest(repo, g, notifier).Dispatch(context.Background(), 21))

	update := repo.finalizedUpdate(t, 21)
	require.True(t, update.Gradable)
	require.InDelta(t, 0.6, update.Score, 1e-9)

	require.Contains(t, repo.submitted, uint(21))
	require.Contains(t, repo.received, uint(21))
	// Two progress signals plus the terminal apply.
	require.Equal(t, 3, notifier.count())
}

func TestDispatchSkipsFinalizedJob(t *testing.T) {
	repo := newStubJobRepo()
	now := time.Now().UTC()
	repo.contexts[22] = repository.JobContext{
		Job:      models.GradingJob{ID: 22, GradedAt: &now},
		Question: models.Question{GradingEnabled: true},
	}

	g := &stubGrader{}
	require.NoError(t, newDispatcherForTest(repo, g, &countingNotifier{}).Dispatch(context.Background(), 22))
	require.False(t, g.handled)
}

func TestDispatchShortCircuitsDisabledGrading(t *testing.T) {
	repo := newStubJobRepo()
	repo.jobs[23] = models.GradingJob{ID: 23}
	repo.contexts[23] = repository.JobContext{
		Job:      models.GradingJob{ID: 23},
		Question: models.Question{GradingEnabled: false},
	}

	g := &stubGrader{}
	require.NoError(t, newDispatcherForTest(repo, g, &countingNotifier{}).Dispatch(context.Background(), 23))
	require.False(t, g.handled)

	update := repo.finalizedUpdate(t, 23)
	require.False(t, update.Gradable)
	require.Zero(t, update.Score)

	var formatErrors []string
	require.NoError(t, json.Unmarshal(update.FormatErrors, &formatErrors))
	require.Equal(t, []string{"External grading is not enabled :("}, formatErrors)
}

func TestDispatchMarksJobBrokenOnGraderError(t *testing.T) {
	repo := newStubJobRepo()
	repo.jobs[24] = models.GradingJob{ID: 24}
	repo.contexts[24] = enabledContext(24)

	g := &stubGrader{outcome: &grader.Outcome{Err: errors.New("image missing")}}
	notifier := &countingNotifier{}

	err := newDispatcherForTest(repo, g, notifier).Dispatch(context.Background(), 24)
	require.Error(t, err)
	require.Equal(t, "image missing", repo.broken[24])
	require.Equal(t, 1, notifier.count())
	require.Empty(t, repo.finalized)
}

func TestDispatchReturnsAfterQueueHandOff(t *testing.T) {
	repo := newStubJobRepo()
	repo.jobs[25] = models.GradingJob{ID: 25}
	repo.contexts[25] = enabledContext(25)

	// A closed channel with no value models the queue backend's hand-off.
	g := &stubGrader{events: []grader.Event{grader.EventSubmitted}}

	require.NoError(t, newDispatcherForTest(repo, g, &countingNotifier{}).Dispatch(context.Background(), 25))
	require.Empty(t, repo.finalized)
	require.Contains(t, repo.submitted, uint(25))
}

func TestDispatchFailsWhenContextMissing(t *testing.T) {
	repo := newStubJobRepo()
	err := newDispatcherForTest(repo, &stubGrader{}, &countingNotifier{}).Dispatch(context.Background(), 999)
	require.ErrorIs(t, err, repository.ErrJobNotFound)
}
