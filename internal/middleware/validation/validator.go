// Package validation screens request bodies before they reach the
// handlers: size limits, identifier shape and basic injection patterns.
package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tutor-agent/backend/pkg/logger"
)

var (
	scriptPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)
	// Learner and session ids are client-supplied and end up in SQL
	// parameters and cache keys, so keep them to a tight charset.
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)
)

type Config struct {
	MaxQueryLength int
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost {
			contentType := c.Get("Content-Type")
			if contentType != "" && !strings.Contains(contentType, "application/json") {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		if strings.HasSuffix(c.Path(), "/query") && c.Method() == fiber.MethodPost {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			query, ok := req["query"].(string)
			if !ok || strings.TrimSpace(query) == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Query is required and must be a string",
				})
			}
			if len(query) > cfg.MaxQueryLength {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Query exceeds maximum length",
				})
			}
			if scriptPattern.MatchString(query) {
				logger.Warn("Rejected query with markup injection",
					zap.String("ip", c.IP()),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid query content",
				})
			}

			if err := checkIdentifier(c, req, "learner_id"); err != nil {
				return err
			}
			if err := checkIdentifier(c, req, "session_id"); err != nil {
				return err
			}
		}

		return c.Next()
	}
}

func checkIdentifier(c *fiber.Ctx, req map[string]interface{}, field string) error {
	raw, ok := req[field]
	if !ok || raw == nil {
		return nil
	}
	value, ok := raw.(string)
	if !ok || (value != "" && !identifierPattern.MatchString(value)) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": field + " has an invalid format",
		})
	}
	return nil
}
