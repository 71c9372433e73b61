package api

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"legalrag/types"
)

// ModelSwitcher is a gateway whose model can be listed and replaced at runtime.
type ModelSwitcher interface {
	Model() string
	ListModels(ctx context.Context) ([]types.ModelInfo, error)
	SwitchModel(ctx context.Context, name string) error
}

type ModelHandler struct {
	gateways map[string]ModelSwitcher
}

func NewModelHandler(embedding, generation ModelSwitcher) *ModelHandler {
	return &ModelHandler{
		gateways: map[string]ModelSwitcher{
			"embedding":  embedding,
			"generation": generation,
		},
	}
}

func (h *ModelHandler) HandleListModels(c *fiber.Ctx) error {
	ctx := c.UserContext()
	resp := fiber.Map{}
	for kind, gw := range h.gateways {
		models, err := gw.ListModels(ctx)
		if err != nil {
			return err
		}
		resp[kind] = fiber.Map{
			"current":   gw.Model(),
			"available": models,
		}
	}
	return c.JSON(resp)
}

func (h *ModelHandler) HandleSwitchModel(c *fiber.Ctx) error {
	var params types.SwitchModelParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}

	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	gw := h.gateways[params.Kind]
	previous := gw.Model()
	if err := gw.SwitchModel(c.UserContext(), params.Model); err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"kind":     params.Kind,
		"previous": previous,
		"current":  gw.Model(),
	})
}
