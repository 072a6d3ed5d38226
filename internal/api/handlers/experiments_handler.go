package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/appeal-assistant/evolution/internal/exploration"
	"github.com/appeal-assistant/evolution/internal/storage/models"
)

type ExperimentsHandler struct {
	runner *exploration.Runner
}

func NewExperimentsHandler(runner *exploration.Runner) *ExperimentsHandler {
	return &ExperimentsHandler{runner: runner}
}

func (h *ExperimentsHandler) ListExperiments(c *fiber.Ctx) error {
	list, err := h.runner.List(c.UserContext(), models.ExperimentStatus(c.Query("status")))
	if err != nil {
		return respondError(c, "list experiments", err)
	}
	return c.JSON(fiber.Map{
		"experiments": list,
		"count":       len(list),
	})
}

func (h *ExperimentsHandler) GetExperiment(c *fiber.Ctx) error {
	exp, err := h.runner.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, "get experiment", err)
	}
	return c.JSON(exp)
}

func (h *ExperimentsHandler) StartExperiment(c *fiber.Ctx) error {
	var spec exploration.Spec
	if err := c.BodyParser(&spec); err != nil {
		return badRequest(c, "Invalid request body")
	}
	exp, err := h.runner.StartExperiment(c.UserContext(), spec)
	if err != nil {
		return respondError(c, "start experiment", err)
	}
	return c.Status(fiber.StatusCreated).JSON(exp)
}

func (h *ExperimentsHandler) Evaluate(c *fiber.Ctx) error {
	result, err := h.runner.Evaluate(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, "evaluate experiment", err)
	}
	return c.JSON(result)
}

func (h *ExperimentsHandler) Abort(c *fiber.Ctx) error {
	reason, err := parseReason(c)
	if err != nil {
		return badRequest(c, "Invalid request body")
	}
	exp, err := h.runner.Abort(c.UserContext(), c.Params("id"), reason)
	if err != nil {
		return respondError(c, "abort experiment", err)
	}
	return c.JSON(exp)
}

func (h *ExperimentsHandler) RunCycle(c *fiber.Ctx) error {
	report, err := h.runner.RunCycle(c.UserContext())
	if err != nil {
		return respondError(c, "exploration cycle", err)
	}
	return c.JSON(report)
}
