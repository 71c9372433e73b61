package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"legalrag/types"
)

// ErrorHandler renders every error returned by a handler as JSON.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var apiErr Error
	if errors.As(err, &apiErr) {
		return c.Status(apiErr.Code).JSON(apiErr)
	}
	var valErr ValidationError
	if errors.As(err, &valErr) {
		return c.Status(valErr.Status).JSON(valErr)
	}

	apiErr = NewError(StatusFor(err), err.Error())
	if apiErr.Code >= fiber.StatusInternalServerError {
		slog.Error("request failed", "method", c.Method(), "path", c.Path(), "code", apiErr.Code, "error", err)
	} else {
		slog.Warn("request rejected", "method", c.Method(), "path", c.Path(), "code", apiErr.Code, "error", err)
	}
	return c.Status(apiErr.Code).JSON(apiErr)
}

// StatusFor maps an error class to an HTTP status code.
func StatusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, types.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, types.ErrUpstreamUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, types.ErrTransient):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, types.ErrPartialFailure):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

type ValidationError struct {
	Status int               `json:"status"`
	Errors map[string]string `json:"errors"`
}

func (e ValidationError) Error() string {
	return "validation failed"
}

func NewValidationError(errors map[string]string) ValidationError {
	return ValidationError{
		Status: fiber.StatusUnprocessableEntity,
		Errors: errors,
	}
}

// Error implements the Error interface
func (e Error) Error() string {
	return e.Message
}

func NewError(code int, err string) Error {
	return Error{
		Code:    code,
		Message: err,
	}
}

func ErrBadRequest() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid JSON request",
	}
}

func ErrUnsupportedFile(name string) Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "unsupported file type: " + name,
	}
}
