package validation

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type Config struct {
	MaxMessages         int
	MaxSessionIDLength  int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects write requests whose body is not a JSON object, and
// conversation uploads that are missing a session id or carry too many
// messages. Handlers still validate the fields they use.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = 500
	}
	if cfg.MaxSessionIDLength == 0 {
		cfg.MaxSessionIDLength = 128
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		body := c.Body()
		if len(bytes.TrimSpace(body)) == 0 {
			return c.Next()
		}

		if !allowedType(c.Get(fiber.HeaderContentType), cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		if bytes.IndexByte(body, 0) >= 0 || !gjson.ValidBytes(body) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}
		doc := gjson.ParseBytes(body)
		if !doc.IsObject() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Request body must be a JSON object",
			})
		}

		if strings.HasSuffix(c.Path(), "/conversations") {
			sessionID := doc.Get("session_id").String()
			if strings.TrimSpace(sessionID) == "" || len(sessionID) > cfg.MaxSessionIDLength {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": fmt.Sprintf("session_id is required and must be at most %d bytes", cfg.MaxSessionIDLength),
				})
			}
			if n := len(doc.Get("messages").Array()); n > cfg.MaxMessages {
				cfg.Logger.Warn("Oversized conversation rejected",
					zap.String("ip", c.IP()),
					zap.String("session_id", sessionID),
					zap.Int("messages", n),
				)
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Conversation exceeds maximum message count",
				})
			}
		}

		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}
