package models

import (
	"time"

	"gorm.io/datatypes"
)

// Submission is a student's answer to one question variant. The raw and
// parsed answers are kept verbatim; grading never mutates them.
type Submission struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	VariantID            uint           `gorm:"not null;index" json:"variant_id"`
	AssessmentInstanceID *uint          `gorm:"index" json:"assessment_instance_id"`
	SubmittedAnswer      datatypes.JSON `json:"submitted_answer"`
	RawSubmittedAnswer   datatypes.JSON `json:"raw_submitted_answer"`
	PartialScores        datatypes.JSON `json:"partial_scores"`
	Feedback             datatypes.JSON `json:"feedback"`
	// SubmittedFiles holds browser-supplied files as
	// [{"name": ..., "contents": <base64>}, ...]. File names are untrusted
	// input and are revalidated when the sandbox is assembled.
	SubmittedFiles datatypes.JSON `json:"submitted_files"`
	SubmittedAt    time.Time      `json:"submitted_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	Variant Variant `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"variant"`
}

// SubmittedFile is one decoded entry of Submission.SubmittedFiles.
type SubmittedFile struct {
	Name     string `json:"name"`
	Contents string `json:"contents"`
}
