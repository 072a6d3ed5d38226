package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/knowledge"
	"github.com/appeal-assistant/evolution/internal/storage/models"
)

const dateLayout = "2006-01-02"

type InsightsHandler struct {
	monitor    *health.Monitor
	aggregator *knowledge.Aggregator
}

func NewInsightsHandler(monitor *health.Monitor, aggregator *knowledge.Aggregator) *InsightsHandler {
	return &InsightsHandler{
		monitor:    monitor,
		aggregator: aggregator,
	}
}

func (h *InsightsHandler) Health(c *fiber.Ctx) error {
	statuses := h.monitor.Statuses()
	overall := "healthy"
	for _, s := range statuses {
		if s.Status != "healthy" {
			overall = "degraded"
			break
		}
	}
	return c.JSON(fiber.Map{
		"status":     overall,
		"components": statuses,
	})
}

func (h *InsightsHandler) ResetComponent(c *fiber.Ctx) error {
	component := c.Params("component")
	h.monitor.Reset(c.UserContext(), component)
	return c.JSON(h.monitor.Status(component))
}

// DailyMetrics lists learning metrics between from and to (inclusive,
// YYYY-MM-DD). Both default to the last seven days.
func (h *InsightsHandler) DailyMetrics(c *fiber.Ctx) error {
	to := c.Query("to", time.Now().Format(dateLayout))
	from := c.Query("from")
	if from == "" {
		end, err := time.Parse(dateLayout, to)
		if err != nil {
			return badRequest(c, "to must be YYYY-MM-DD")
		}
		from = end.AddDate(0, 0, -6).Format(dateLayout)
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse(dateLayout, d); err != nil {
			return badRequest(c, "from and to must be YYYY-MM-DD")
		}
	}

	list, err := h.aggregator.Metrics(c.UserContext(), from, to)
	if err != nil {
		return respondError(c, "daily metrics", err)
	}
	return c.JSON(fiber.Map{
		"from":    from,
		"to":      to,
		"metrics": list,
	})
}

func (h *InsightsHandler) Clusters(c *fiber.Ctx) error {
	list, err := h.aggregator.Clusters(c.UserContext(), models.ClusterType(c.Query("type")))
	if err != nil {
		return respondError(c, "list clusters", err)
	}
	return c.JSON(fiber.Map{
		"clusters": list,
		"count":    len(list),
	})
}

func (h *InsightsHandler) RefreshClusters(c *fiber.Ctx) error {
	list, err := h.aggregator.RefreshClusters(c.UserContext(), models.ClusterType(c.Query("type")))
	if err != nil {
		return respondError(c, "refresh clusters", err)
	}
	return c.JSON(fiber.Map{
		"clusters": list,
		"count":    len(list),
	})
}
