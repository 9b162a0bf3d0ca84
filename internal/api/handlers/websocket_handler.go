package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/engine"
	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/pkg/logger"
)

// WebSocketHandler drives an interactive learning session over one
// connection: query messages come back as retrieval results, feedback
// messages come back as difficulty-state updates.
type WebSocketHandler struct {
	engine *engine.Engine
}

func NewWebSocketHandler(eng *engine.Engine) *WebSocketHandler {
	return &WebSocketHandler{
		engine: eng,
	}
}

type wsMessage struct {
	Type          string `json:"type"`
	Query         string `json:"query,omitempty"`
	LearnerID     string `json:"learner_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	InteractionID string `json:"interaction_id,omitempty"`
	Sentiment     string `json:"sentiment,omitempty"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket session started")

	defer func() {
		c.Close()
		logger.Info("WebSocket session closed")
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		switch msg.Type {
		case "query":
			h.handleQuery(c, msg)
		case "feedback":
			h.handleFeedback(c, msg)
		default:
			h.sendError(c, "Unknown message type")
		}
	}
}

func (h *WebSocketHandler) handleQuery(c *websocket.Conn, msg wsMessage) {
	if msg.Query == "" || msg.LearnerID == "" {
		h.sendError(c, "query and learner_id are required")
		return
	}

	result, err := h.engine.Retrieve(context.Background(), engine.Request{
		LearnerID: msg.LearnerID,
		SessionID: msg.SessionID,
		Query:     msg.Query,
	})
	if err != nil {
		logger.Error("WebSocket query failed", zap.Error(err))
		h.sendError(c, "Failed to process query")
		return
	}

	payload := map[string]interface{}{
		"type":             "result",
		"interaction_id":   result.InteractionID,
		"outcome":          result.Outcome,
		"topics":           result.Topics,
		"difficulty_level": result.DifficultyLevel,
		"latency_ms":       result.LatencyMS,
	}
	switch result.Outcome {
	case engine.OutcomeDirectAnswer:
		payload["direct_answer"] = result.DirectAnswer
	case engine.OutcomeContext:
		payload["context"] = result.Context
		payload["sources"] = result.Sources
	}

	if err := c.WriteJSON(payload); err != nil {
		logger.Error("Failed to write WebSocket result", zap.Error(err))
	}
}

func (h *WebSocketHandler) handleFeedback(c *websocket.Conn, msg wsMessage) {
	sentiment := models.Sentiment(msg.Sentiment)
	if msg.InteractionID == "" || !sentiment.Valid() {
		h.sendError(c, "interaction_id and a valid sentiment are required")
		return
	}

	state, err := h.engine.RecordFeedback(context.Background(), msg.InteractionID, sentiment)
	if err != nil {
		logger.Error("WebSocket feedback failed", zap.Error(err))
		h.sendError(c, "Failed to record feedback")
		return
	}

	err = c.WriteJSON(map[string]interface{}{
		"type":                "difficulty_state",
		"learner_id":          state.LearnerID,
		"session_id":          state.SessionID,
		"difficulty_level":    state.LevelName,
		"comprehension_score": state.ComprehensionScore,
		"level_changed":       state.LevelChanged,
	})
	if err != nil {
		logger.Error("Failed to write WebSocket state", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}
