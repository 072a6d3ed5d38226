package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/ingestion"
	"github.com/appeal-assistant/evolution/internal/prompt"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

// ConversationHandler is the surface the assistant itself talks to: it
// fetches the learned-rule block before a session and reports the finished
// conversation afterwards.
type ConversationHandler struct {
	intake   *ingestion.Processor
	composer *prompt.Composer
}

func NewConversationHandler(intake *ingestion.Processor, composer *prompt.Composer) *ConversationHandler {
	return &ConversationHandler{
		intake:   intake,
		composer: composer,
	}
}

func (h *ConversationHandler) Record(c *fiber.Ctx) error {
	var conv models.Conversation
	if err := c.BodyParser(&conv); err != nil {
		logger.Warn("Failed to parse conversation body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}

	saved, err := h.intake.Record(c.UserContext(), conv)
	if err != nil {
		return respondError(c, "record conversation", err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"session_id":    saved.SessionID,
		"message_count": saved.MessageCount,
	})
}

func (h *ConversationHandler) Compose(c *fiber.Ctx) error {
	var req struct {
		SessionID  string                `json:"session_id"`
		Categories []models.RuleCategory `json:"categories"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.SessionID == "" {
		return badRequest(c, "session_id is required")
	}
	for _, cat := range req.Categories {
		if !cat.Valid() {
			return badRequest(c, "unknown category "+string(cat))
		}
	}

	p, err := h.composer.Compose(c.UserContext(), req.SessionID, req.Categories...)
	if err != nil {
		return respondError(c, "compose prompt", err)
	}
	return c.JSON(p)
}
