package models

import (
	"time"

	"gorm.io/datatypes"
)

// Question holds the instructor-configured grading setup for one question.
type Question struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	CourseID uint   `gorm:"not null;index" json:"course_id"`
	QID      string `gorm:"size:255;not null" json:"qid"`

	GradingEnabled    bool   `gorm:"not null;default:false" json:"grading_enabled"`
	GradingImage      string `gorm:"size:255" json:"grading_image"`
	GradingEntrypoint string `gorm:"size:255" json:"grading_entrypoint"`
	// GradingFiles lists course-relative paths copied into the sandbox
	// support directory, as a JSON array of strings.
	GradingFiles     datatypes.JSON `json:"grading_files"`
	TimeoutSeconds   int            `gorm:"default:0" json:"timeout_seconds"`
	EnableNetworking bool           `gorm:"not null;default:false" json:"enable_networking"`
	// Environment maps variable names to values; a JSON null value means
	// "declare the variable with no value", distinct from omitting it.
	Environment datatypes.JSONMap `json:"environment"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Course Course `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"course"`
}

// Variant is one generated instance of a question, with its own seed and
// parameters.
type Variant struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	QuestionID uint           `gorm:"not null;index" json:"question_id"`
	Seed       string         `gorm:"size:64" json:"seed"`
	Params     datatypes.JSON `json:"params"`
	TrueAnswer datatypes.JSON `json:"true_answer"`
	Options    datatypes.JSON `json:"options"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`

	Question Question `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"question"`
}

// Course points at the on-disk course checkout that grading support files
// are copied from.
type Course struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ShortName string    `gorm:"size:255" json:"short_name"`
	Path      string    `gorm:"size:1024;not null" json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
