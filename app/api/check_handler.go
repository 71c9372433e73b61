package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"legalrag/app/agent"
)

// CheckHandler answers liveness checks. It touches no dependency.
type CheckHandler struct {
	started time.Time
}

func NewCheckHandler() *CheckHandler {
	return &CheckHandler{started: time.Now()}
}

func (h *CheckHandler) HandleHealthy(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"result":  "ok",
		"version": agent.PipelineVersion,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}
