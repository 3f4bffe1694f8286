package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/classline/grader-go/internal/grading"
)

// DispatchHandler accepts grading requests for already-persisted jobs.
type DispatchHandler struct {
	dispatcher *grading.Dispatcher
	logger     zerolog.Logger
}

// NewDispatchHandler constructs a dispatch handler.
func NewDispatchHandler(dispatcher *grading.Dispatcher, logger zerolog.Logger) *DispatchHandler {
	return &DispatchHandler{
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "dispatch_handler").Logger(),
	}
}

// Register wires the dispatch routes onto the given router group.
func (h *DispatchHandler) Register(r fiber.Router) {
	r.Post("/:id/dispatch", h.Dispatch)
}

// Dispatch starts grading for one job and returns immediately. The local
// backend may run for minutes, so the work happens off the request path;
// observers follow progress through status notifications.
func (h *DispatchHandler) Dispatch(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "job id must be a positive integer",
		})
	}

	jobID := uint(id)
	go func() {
		if err := h.dispatcher.Dispatch(context.Background(), jobID); err != nil {
			h.logger.Error().Err(err).Uint("job_id", jobID).Msg("dispatch failed")
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": jobID,
		"status": "dispatching",
	})
}
