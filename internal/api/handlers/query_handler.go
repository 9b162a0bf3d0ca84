package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/engine"
	"github.com/tutor-agent/backend/pkg/logger"
)

type QueryHandler struct {
	engine *engine.Engine
}

func NewQueryHandler(eng *engine.Engine) *QueryHandler {
	return &QueryHandler{
		engine: eng,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query     string `json:"query"`
		LearnerID string `json:"learner_id"`
		SessionID string `json:"session_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	if req.LearnerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "learner_id is required",
		})
	}

	result, err := h.engine.Retrieve(c.Context(), engine.Request{
		LearnerID: req.LearnerID,
		SessionID: req.SessionID,
		Query:     req.Query,
	})
	if errors.Is(err, engine.ErrEmptyQuery) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	if err != nil {
		logger.Error("Failed to process query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	if result.Outcome == engine.OutcomeNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"interaction_id":   result.InteractionID,
			"outcome":          result.Outcome,
			"topics":           result.Topics,
			"difficulty_level": result.DifficultyLevel,
			"error":            "No confident answer was found for this question",
		})
	}

	return c.JSON(result)
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	learnerID := c.Query("learner_id")
	if learnerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "learner_id is required",
		})
	}

	limit := c.QueryInt("limit", 20)

	history, err := h.engine.History(c.Context(), learnerID, limit)
	if err != nil {
		logger.Error("Failed to load query history", zap.String("learner_id", learnerID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load query history",
		})
	}

	return c.JSON(fiber.Map{
		"learner_id": learnerID,
		"history":    history,
	})
}
