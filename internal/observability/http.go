package observability

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves the Prometheus scrape endpoint on the ops server,
// bridging the net/http exposition handler into fiber. Collectors are
// registered up front so an early scrape never races registration.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()

	scrape := adaptor.HTTPHandler(promhttp.Handler())
	return func(c *fiber.Ctx) error {
		return scrape(c)
	}
}
