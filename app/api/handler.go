package api

import (
	"github.com/gofiber/fiber/v2"

	"legalrag/app/agent"
	"legalrag/types"
)

type AskHandler struct {
	agent *agent.Agent
}

func NewAskHandler(a *agent.Agent) *AskHandler {
	return &AskHandler{
		agent: a,
	}
}

func (h *AskHandler) HandleAsk(c *fiber.Ctx) error {
	var params types.AskParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}

	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	result, err := h.agent.ProcessQuestion(c.UserContext(), agent.Question{
		Text:                params.Question,
		MaxSources:          params.MaxSources,
		SimilarityThreshold: params.SimilarityThreshold,
		Validate:            params.ValidateResponse,
	})
	if err != nil {
		return err
	}

	return c.JSON(result)
}

func (h *AskHandler) HandleHealth(c *fiber.Ctx) error {
	health := h.agent.Health(c.UserContext())
	if health.Status == types.StatusUnhealthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(health)
	}
	return c.JSON(health)
}

func (h *AskHandler) HandleInfo(c *fiber.Ctx) error {
	return c.JSON(h.agent.Info())
}
