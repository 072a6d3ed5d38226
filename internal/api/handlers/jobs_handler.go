package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/appeal-assistant/evolution/internal/scheduler"
)

type JobsHandler struct {
	scheduler *scheduler.Scheduler
}

func NewJobsHandler(s *scheduler.Scheduler) *JobsHandler {
	return &JobsHandler{scheduler: s}
}

func (h *JobsHandler) ListJobs(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"jobs": h.scheduler.Jobs(),
	})
}

// Trigger runs a job synchronously and returns its report.
func (h *JobsHandler) Trigger(c *fiber.Ctx) error {
	name := c.Params("name")
	report, err := h.scheduler.Trigger(c.UserContext(), name)
	if err != nil {
		return respondError(c, "trigger "+name, err)
	}
	return c.JSON(fiber.Map{
		"job":    name,
		"report": report,
	})
}
