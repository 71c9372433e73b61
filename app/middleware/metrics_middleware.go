package middleware

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"legalrag/metrics"
)

// Observe logs each request and records its latency and status under the
// matched route pattern. Paths with skipPrefix are passed through untouched.
func Observe(skipPrefix string) fiber.Handler {
	logger := slog.Default().With("component", "http")
	return func(c *fiber.Ctx) error {
		if skipPrefix != "" && strings.HasPrefix(c.Path(), skipPrefix) {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		if err != nil {
			// Render the error now so the recorded status is final.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}
		elapsed := time.Since(start)

		route := c.Route().Path
		code := c.Response().StatusCode()
		metrics.HTTPRequests.WithLabelValues(c.Method(), route, strconv.Itoa(code)).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Method(), route).Observe(elapsed.Seconds())
		logger.Info("request", "method", c.Method(), "path", c.Path(), "status", code, "duration", elapsed)
		return nil
	}
}
