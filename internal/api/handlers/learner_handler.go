package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/engine"
	"github.com/tutor-agent/backend/pkg/logger"
)

type LearnerHandler struct {
	engine *engine.Engine
}

func NewLearnerHandler(eng *engine.Engine) *LearnerHandler {
	return &LearnerHandler{
		engine: eng,
	}
}

func (h *LearnerHandler) GetState(c *fiber.Ctx) error {
	learnerID := c.Params("id")
	sessionID := c.Query("session_id")
	if learnerID == "" || sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "learner id and session_id are required",
		})
	}

	state, err := h.engine.LearnerState(c.Context(), learnerID, sessionID)
	if err != nil {
		logger.Error("Failed to load learner state", zap.String("learner_id", learnerID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load learner state",
		})
	}

	return c.JSON(state)
}
