package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/appeal-assistant/evolution/internal/rules"
	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
)

type RulesHandler struct {
	manager *rules.Manager
	loader  *rules.Loader
}

func NewRulesHandler(manager *rules.Manager, loader *rules.Loader) *RulesHandler {
	return &RulesHandler{
		manager: manager,
		loader:  loader,
	}
}

func (h *RulesHandler) ListRules(c *fiber.Ctx) error {
	filter := storage.RuleFilter{
		Category: models.RuleCategory(c.Query("category")),
		Status:   models.RuleStatus(c.Query("status")),
		Key:      c.Query("key"),
		Source:   models.RuleSource(c.Query("source")),
		Limit:    c.QueryInt("limit", 0),
	}
	list, err := h.manager.List(c.UserContext(), filter)
	if err != nil {
		return respondError(c, "list rules", err)
	}
	return c.JSON(fiber.Map{
		"rules": list,
		"count": len(list),
	})
}

// ActiveRules serves the loader's cached view, the same set prompts are built from.
func (h *RulesHandler) ActiveRules(c *fiber.Ctx) error {
	var categories []models.RuleCategory
	if cat := c.Query("category"); cat != "" {
		categories = append(categories, models.RuleCategory(cat))
	}
	list, err := h.loader.GetActiveRules(c.UserContext(), categories...)
	if err != nil {
		return respondError(c, "active rules", err)
	}
	return c.JSON(fiber.Map{
		"rules": list,
		"count": len(list),
	})
}

func (h *RulesHandler) GetRule(c *fiber.Ctx) error {
	rule, err := h.manager.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, "get rule", err)
	}
	return c.JSON(rule)
}

func (h *RulesHandler) History(c *fiber.Ctx) error {
	entries, err := h.manager.History(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, "rule history", err)
	}
	return c.JSON(fiber.Map{
		"rule_id": c.Params("id"),
		"history": entries,
	})
}

// CreateRule stores an operator-authored rule. It starts pending_review
// unless the body sets activate.
func (h *RulesHandler) CreateRule(c *fiber.Ctx) error {
	var draft rules.Draft
	if err := c.BodyParser(&draft); err != nil {
		return badRequest(c, "Invalid request body")
	}
	draft.Source = models.SourceAdminManual
	draft.Actor = actor(c)

	rule, err := h.manager.Propose(c.UserContext(), draft)
	if err != nil {
		return respondError(c, "create rule", err)
	}
	return c.Status(fiber.StatusCreated).JSON(rule)
}

func (h *RulesHandler) Review(c *fiber.Ctx) error {
	var req struct {
		Decision models.ReviewDecision `json:"decision"`
		Reason   string                `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	rule, err := h.manager.Review(c.UserContext(), c.Params("id"), req.Decision, req.Reason, actor(c))
	if err != nil {
		return respondError(c, "review rule", err)
	}
	return c.JSON(rule)
}

func (h *RulesHandler) AutoReview(c *fiber.Ctx) error {
	result, err := h.manager.AutoReview(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, "auto-review rule", err)
	}
	return c.JSON(result)
}

func (h *RulesHandler) Reactivate(c *fiber.Ctx) error {
	reason, err := parseReason(c)
	if err != nil {
		return badRequest(c, "Invalid request body")
	}
	rule, err := h.manager.Reactivate(c.UserContext(), c.Params("id"), reason, actor(c))
	if err != nil {
		return respondError(c, "reactivate rule", err)
	}
	return c.JSON(rule)
}

func (h *RulesHandler) Archive(c *fiber.Ctx) error {
	reason, err := parseReason(c)
	if err != nil {
		return badRequest(c, "Invalid request body")
	}
	rule, err := h.manager.Archive(c.UserContext(), c.Params("id"), reason, actor(c))
	if err != nil {
		return respondError(c, "archive rule", err)
	}
	return c.JSON(rule)
}

func (h *RulesHandler) Evaluate(c *fiber.Ctx) error {
	report, err := h.manager.EvaluateEffectiveness(c.UserContext())
	if err != nil {
		return respondError(c, "evaluate effectiveness", err)
	}
	return c.JSON(report)
}

func (h *RulesHandler) Promote(c *fiber.Ctx) error {
	report, err := h.manager.AutoPromote(c.UserContext())
	if err != nil {
		return respondError(c, "auto-promote", err)
	}
	return c.JSON(report)
}
