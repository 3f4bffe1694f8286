package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/classline/grader-go/internal/config"
)

// Liveness reports whether a background worker loop is still active.
type Liveness interface {
	Running() bool
}

// HealthResponse is the payload returned by the health endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Backend   string    `json:"backend"`
	Database  string    `json:"database"`
	Consumer  string    `json:"consumer,omitempty"`
}

// HealthCheck reports process health: database reachability and, when the
// queue backend is active, liveness of the results consumer. consumer may be
// nil for the local backend.
func HealthCheck(cfg config.Config, db *gorm.DB, consumer Liveness) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
			Service:   cfg.AppName,
			Backend:   cfg.GraderBackend,
			Database:  "ok",
		}

		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Context()) != nil {
			payload.Status = "degraded"
			payload.Database = "unreachable"
		}

		if consumer != nil {
			payload.Consumer = "running"
			if !consumer.Running() {
				payload.Status = "degraded"
				payload.Consumer = "stopped"
			}
		}

		status := fiber.StatusOK
		if payload.Status != "ok" {
			status = fiber.StatusServiceUnavailable
		}

		return c.Status(status).JSON(payload)
	}
}
