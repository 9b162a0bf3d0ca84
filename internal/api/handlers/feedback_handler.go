package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/ebars"
	"github.com/tutor-agent/backend/internal/engine"
	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/pkg/logger"
)

type FeedbackHandler struct {
	engine *engine.Engine
}

func NewFeedbackHandler(eng *engine.Engine) *FeedbackHandler {
	return &FeedbackHandler{
		engine: eng,
	}
}

func (h *FeedbackHandler) HandleFeedback(c *fiber.Ctx) error {
	var req struct {
		InteractionID string `json:"interaction_id"`
		Sentiment     string `json:"sentiment"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse feedback body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.InteractionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "interaction_id is required",
		})
	}

	sentiment := models.Sentiment(req.Sentiment)
	if !sentiment.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "sentiment must be one of: confused, struggling, okay, confident",
		})
	}

	state, err := h.engine.RecordFeedback(c.Context(), req.InteractionID, sentiment)
	if errors.Is(err, engine.ErrUnknownInteraction) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown interaction_id",
		})
	}
	if errors.Is(err, ebars.ErrInvalidFeedback) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid feedback event",
		})
	}
	if err != nil {
		logger.Error("Failed to record feedback", zap.String("interaction_id", req.InteractionID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record feedback",
		})
	}

	return c.JSON(state)
}
