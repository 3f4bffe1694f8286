package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/classline/grader-go/internal/config"
	"github.com/classline/grader-go/internal/handler"
	"github.com/classline/grader-go/internal/middleware"
	"github.com/classline/grader-go/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	DB              *gorm.DB
	Consumer        handler.Liveness
	DispatchHandler *handler.DispatchHandler
	Logger          zerolog.Logger
}

// Register wires the ops HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Use(middleware.CorrelationID())
	app.Use(middleware.Observability(deps.Logger))

	app.Get("/health", handler.HealthCheck(cfg, deps.DB, deps.Consumer))
	app.Get("/metrics", observability.MetricsHandler())

	if deps.DispatchHandler != nil {
		jobs := app.Group("/api/v1/grading-jobs")
		deps.DispatchHandler.Register(jobs)
	}
}
