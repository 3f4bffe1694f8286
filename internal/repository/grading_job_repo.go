package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/classline/grader-go/internal/models"
)

// ErrJobNotFound indicates the grading job cannot be located. A stale queue
// message referencing a hard-deleted job resolves to this error and is not
// treated as a failure by callers.
var ErrJobNotFound = errors.New("grading job not found")

// JobContext bundles everything a grader needs to run one job.
type JobContext struct {
	Job        models.GradingJob
	Submission models.Submission
	Variant    models.Variant
	Question   models.Question
	Course     models.Course
}

// TerminalUpdate carries the one-shot final state of a grading job.
type TerminalUpdate struct {
	Score        float64
	Gradable     bool
	Broken       bool
	Feedback     datatypes.JSON
	FormatErrors datatypes.JSON
	ReceivedAt   *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// GradingJobRepository exposes persistence helpers for grading jobs.
type GradingJobRepository interface {
	Create(ctx context.Context, job *models.GradingJob) error
	GetByID(ctx context.Context, id uint) (models.GradingJob, error)
	GetContext(ctx context.Context, id uint) (JobContext, error)
	MarkSubmitted(ctx context.Context, id uint, at time.Time) error
	MarkReceived(ctx context.Context, id uint, at time.Time) error
	MarkBroken(ctx context.Context, id uint, message string) error
	SetStorageCoords(ctx context.Context, id uint, bucket, rootKey string) error
	Finalize(ctx context.Context, id uint, update TerminalUpdate) error
}

// NewGradingJobRepository constructs a grading job repository.
func NewGradingJobRepository(db *gorm.DB) GradingJobRepository {
	return &gradingJobRepository{db: db}
}

type gradingJobRepository struct {
	db *gorm.DB
}

func (r *gradingJobRepository) Create(ctx context.Context, job *models.GradingJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *gradingJobRepository) GetByID(ctx context.Context, id uint) (models.GradingJob, error) {
	var job models.GradingJob
	err := r.db.WithContext(ctx).First(&job, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.GradingJob{}, ErrJobNotFound
		}
		return models.GradingJob{}, err
	}
	return job, nil
}

func (r *gradingJobRepository) GetContext(ctx context.Context, id uint) (JobContext, error) {
	var job models.GradingJob
	err := r.db.WithContext(ctx).
		Preload("Submission").
		Preload("Submission.Variant").
		Preload("Submission.Variant.Question").
		Preload("Submission.Variant.Question.Course").
		First(&job, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return JobContext{}, ErrJobNotFound
		}
		return JobContext{}, err
	}

	return JobContext{
		Job:        job,
		Submission: job.Submission,
		Variant:    job.Submission.Variant,
		Question:   job.Submission.Variant.Question,
		Course:     job.Submission.Variant.Question.Course,
	}, nil
}

func (r *gradingJobRepository) MarkSubmitted(ctx context.Context, id uint, at time.Time) error {
	return r.updateColumns(ctx, id, map[string]interface{}{"submitted_at": at})
}

func (r *gradingJobRepository) MarkReceived(ctx context.Context, id uint, at time.Time) error {
	return r.updateColumns(ctx, id, map[string]interface{}{"received_at": at})
}

// MarkBroken is the terminal update for jobs that could not be processed at
// all: no score, not gradable, human-readable detail preserved as feedback.
func (r *gradingJobRepository) MarkBroken(ctx context.Context, id uint, message string) error {
	now := time.Now().UTC()
	zero := float64(0)
	gradable := false
	feedback := datatypes.JSON([]byte(`{"succeeded": false, "message": ` + encodeJSONString(message) + `}`))

	return r.updateColumns(ctx, id, map[string]interface{}{
		"broken":    true,
		"gradable":  &gradable,
		"score":     &zero,
		"feedback":  feedback,
		"graded_at": now,
	})
}

func (r *gradingJobRepository) SetStorageCoords(ctx context.Context, id uint, bucket, rootKey string) error {
	return r.updateColumns(ctx, id, map[string]interface{}{
		"s3_bucket":   bucket,
		"s3_root_key": rootKey,
	})
}

// Finalize applies the terminal job state and recomputes the dependent
// assessment-instance aggregate inside one transaction. Re-running it with
// the same update is a harmless idempotent overwrite.
func (r *gradingJobRepository) Finalize(ctx context.Context, id uint, update TerminalUpdate) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.GradingJob
		if err := tx.First(&job, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}

		now := time.Now().UTC()
		columns := map[string]interface{}{
			"score":         &update.Score,
			"gradable":      &update.Gradable,
			"broken":        update.Broken,
			"feedback":      update.Feedback,
			"format_errors": update.FormatErrors,
			"graded_at":     now,
		}
		if update.ReceivedAt != nil {
			columns["received_at"] = update.ReceivedAt
		}
		if update.StartedAt != nil {
			columns["started_at"] = update.StartedAt
		}
		if update.FinishedAt != nil {
			columns["finished_at"] = update.FinishedAt
		}

		if err := tx.Model(&models.GradingJob{}).Where("id = ?", id).Updates(columns).Error; err != nil {
			return err
		}

		return r.resolveAggregate(tx, job.SubmissionID)
	})
}

// resolveAggregate recomputes the assessment-instance score from the latest
// finalized grading job of each of its submissions. Submissions without a
// gradable terminal job contribute zero.
func (r *gradingJobRepository) resolveAggregate(tx *gorm.DB, submissionID uint) error {
	var submission models.Submission
	if err := tx.First(&submission, submissionID).Error; err != nil {
		return err
	}

	if submission.AssessmentInstanceID == nil {
		return nil
	}

	var siblings []models.Submission
	err := tx.Where("assessment_instance_id = ?", *submission.AssessmentInstanceID).
		Find(&siblings).Error
	if err != nil {
		return err
	}

	var total float64
	for _, sibling := range siblings {
		var job models.GradingJob
		err := tx.Where("submission_id = ? AND graded_at IS NOT NULL", sibling.ID).
			Order("graded_at DESC").
			First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return err
		}
		if job.Gradable != nil && *job.Gradable && job.Score != nil {
			total += *job.Score
		}
	}

	var scorePerc float64
	if len(siblings) > 0 {
		scorePerc = total / float64(len(siblings)) * 100
	}

	return tx.Model(&models.AssessmentInstance{}).
		Where("id = ?", *submission.AssessmentInstanceID).
		Updates(map[string]interface{}{"points": total, "score_perc": scorePerc}).Error
}

func (r *gradingJobRepository) updateColumns(ctx context.Context, id uint, columns map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.GradingJob{}).Where("id = ?", id).Updates(columns)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func encodeJSONString(s string) string {
	encoded, err := json.Marshal(s)
	if err != nil {
		return `"grading failed"`
	}
	return string(encoded)
}
