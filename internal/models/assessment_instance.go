package models

import "time"

// AssessmentInstance aggregates scores of a student's scored attempt. Only
// the fields the grading pipeline touches are modeled here; the rest of the
// assessment schema belongs to the CRUD layer.
type AssessmentInstance struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Points    float64   `gorm:"not null;default:0" json:"points"`
	MaxPoints float64   `gorm:"not null;default:0" json:"max_points"`
	ScorePerc float64   `gorm:"not null;default:0" json:"score_perc"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
