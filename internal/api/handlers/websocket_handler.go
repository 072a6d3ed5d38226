package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/scheduler"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

// WebSocketHandler lets an operator console trigger jobs and watch them
// finish without holding an HTTP request open for a long batch.
type WebSocketHandler struct {
	scheduler *scheduler.Scheduler
	monitor   *health.Monitor
}

func NewWebSocketHandler(s *scheduler.Scheduler, monitor *health.Monitor) *WebSocketHandler {
	return &WebSocketHandler{
		scheduler: s,
		monitor:   monitor,
	}
}

// Upgrade rejects plain HTTP requests on the websocket route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("operator", actor(c))
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	operator, _ := c.Locals("operator").(string)
	log := logger.Named("websocket").With(zap.String("operator", operator))
	log.Info("WebSocket connection established")

	defer func() {
		c.Close()
		log.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type string `json:"type"`
			Job  string `json:"job"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		var err error
		switch msg.Type {
		case "trigger":
			err = h.runJob(c, msg.Job)
		case "health":
			err = c.WriteJSON(map[string]interface{}{
				"type":       "health",
				"components": h.monitor.Statuses(),
			})
		case "jobs":
			err = c.WriteJSON(map[string]interface{}{
				"type": "jobs",
				"jobs": h.scheduler.Jobs(),
			})
		default:
			h.sendError(c, "", "unknown message type "+msg.Type)
			continue
		}
		if err != nil {
			log.Warn("Failed to write WebSocket message", zap.Error(err))
			break
		}
	}
}

func (h *WebSocketHandler) runJob(c *websocket.Conn, job string) error {
	if err := h.sendStatus(c, job, "running"); err != nil {
		return err
	}

	start := time.Now()
	report, err := h.scheduler.Trigger(context.Background(), job)
	if err != nil {
		h.sendError(c, job, err.Error())
		return nil
	}

	return c.WriteJSON(map[string]interface{}{
		"type":       "complete",
		"job":        job,
		"report":     report,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
}

func (h *WebSocketHandler) sendStatus(c *websocket.Conn, job, status string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":   "status",
		"job":    job,
		"status": status,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, job, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}
	if job != "" {
		msg["job"] = job
	}

	c.WriteJSON(msg)
}
