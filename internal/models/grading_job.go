package models

import (
	"time"

	"gorm.io/datatypes"
)

// GradingJob represents one attempt to grade one submission. A job is
// created when a submission is queued for grading and receives exactly one
// terminal update; a regrade creates a fresh job rather than reopening an
// old one.
type GradingJob struct {
	ID           uint     `gorm:"primaryKey" json:"id"`
	SubmissionID uint     `gorm:"not null;index" json:"submission_id"`
	Score        *float64 `json:"score"`
	// Gradable stays nil until the terminal update resolves it.
	Gradable     *bool          `json:"gradable"`
	Broken       bool           `gorm:"not null;default:false" json:"broken"`
	Feedback     datatypes.JSON `json:"feedback"`
	FormatErrors datatypes.JSON `json:"format_errors"`

	// Remote-storage coordinates, set only by the queue-backed grader so
	// the results consumer can resolve a job purely from a queue message.
	S3Bucket  string `gorm:"size:255" json:"s3_bucket"`
	S3RootKey string `gorm:"size:255" json:"s3_root_key"`

	SubmittedAt *time.Time `json:"submitted_at"`
	ReceivedAt  *time.Time `json:"received_at"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	GradedAt    *time.Time `json:"graded_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Submission Submission `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"submission"`
}

// Finalized reports whether the job has already received its terminal update.
func (j GradingJob) Finalized() bool {
	return j.GradedAt != nil
}

// HasRemoteStorage reports whether the queue-backed grader recorded object
// storage coordinates for this job.
func (j GradingJob) HasRemoteStorage() bool {
	return j.S3Bucket != "" && j.S3RootKey != ""
}
