package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

const defaultActor = "admin"

// respondError maps the engine's error taxonomy onto HTTP status codes.
func respondError(c *fiber.Ctx, op string, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, apperr.ErrValidation):
		status = fiber.StatusBadRequest
	case errors.Is(err, apperr.ErrInvalidTransition):
		status = fiber.StatusConflict
	case errors.Is(err, apperr.ErrCircuitOpen):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, apperr.ErrMalformedResponse), errors.Is(err, apperr.ErrTransientProvider):
		status = fiber.StatusBadGateway
	}

	if status >= fiber.StatusInternalServerError {
		logger.Error("Admin request failed", zap.String("op", op), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}

// actor names the operator behind a request.
func actor(c *fiber.Ctx) string {
	if op := c.Get("X-Operator"); op != "" {
		return op
	}
	return defaultActor
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func parseReason(c *fiber.Ctx) (string, error) {
	var req reasonRequest
	if len(c.Body()) == 0 {
		return "", nil
	}
	if err := c.BodyParser(&req); err != nil {
		return "", err
	}
	return req.Reason, nil
}
