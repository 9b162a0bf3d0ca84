// Package engine wires classification, retrieval, fusion and the
// adaptive-difficulty controller into the request-level pipeline the API
// handlers call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/ebars"
	"github.com/tutor-agent/backend/internal/fusion"
	"github.com/tutor-agent/backend/internal/metrics"
	"github.com/tutor-agent/backend/internal/qa"
	"github.com/tutor-agent/backend/internal/retrieval"
	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/pkg/logger"
)

var (
	ErrEmptyQuery         = errors.New("query text is empty")
	ErrUnknownInteraction = errors.New("no interaction with that id")
)

// Outcome tags how a Retrieve call resolved.
type Outcome string

const (
	OutcomeContext      Outcome = "context"
	OutcomeDirectAnswer Outcome = "direct_answer"
	OutcomeNotFound     Outcome = "not_found"
)

type Request struct {
	LearnerID string `json:"learner_id"`
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// Result is the full pipeline output for one query. Exactly one of
// Context and DirectAnswer is populated unless the outcome is not_found,
// in which case neither is.
type Result struct {
	InteractionID   string              `json:"interaction_id"`
	Outcome         Outcome             `json:"outcome"`
	Topics          []models.TopicMatch `json:"topics"`
	DirectAnswer    *qa.Match           `json:"direct_answer,omitempty"`
	Context         string              `json:"context,omitempty"`
	Sources         []fusion.Result     `json:"sources,omitempty"`
	DifficultyLevel string              `json:"difficulty_level"`
	LatencyMS       int                 `json:"latency_ms"`
}

// TopicClassifier resolves a query to its matched topics.
type TopicClassifier interface {
	Classify(ctx context.Context, query, sessionID string) ([]models.TopicMatch, error)
}

// Retriever fans out to the retrieval sources.
type Retriever interface {
	Retrieve(ctx context.Context, query string, matched []models.TopicMatch) (*retrieval.ResultSet, error)
}

// AnswerSelector decides whether a QA match is strong enough to
// short-circuit fusion.
type AnswerSelector interface {
	DirectAnswer(matches []qa.Match) *qa.Match
}

// Fuser produces the final cross-source ranking.
type Fuser interface {
	Fuse(chunks, entries, qaMatches []fusion.Candidate, signals fusion.Signals) ([]fusion.Result, error)
}

// ContextAssembler renders ranked results into the prompt context block.
type ContextAssembler interface {
	Build(results []fusion.Result) string
}

// DifficultyController is the EBARS surface the engine needs.
type DifficultyController interface {
	ApplyFeedback(ctx context.Context, event models.FeedbackEvent) (*ebars.State, error)
	CurrentLevel(ctx context.Context, learnerID, sessionID string) (ebars.Level, error)
}

// Store is the interaction-log surface backing persistence and the
// personalization signals.
type Store interface {
	InsertInteraction(ctx context.Context, record *models.InteractionRecord) error
	InsertInteractionSource(ctx context.Context, source *models.InteractionSource) error
	LearnerForInteraction(ctx context.Context, interactionID string) (learnerID, sessionID string, err error)
	QueryHistory(ctx context.Context, learnerID string, limit int) ([]models.InteractionRecord, error)
	TopicPopularity(ctx context.Context) (map[string]float64, error)
	LearnerTopicAffinity(ctx context.Context, learnerID string) (map[string]float64, error)
	RecentSessionTopics(ctx context.Context, learnerID, sessionID string, limit int) ([]string, error)
	LoadProfile(ctx context.Context, learnerID, sessionID string) (*models.LearnerProfile, error)
}

type Engine struct {
	classifier TopicClassifier
	retriever  Retriever
	selector   AnswerSelector
	fuser      Fuser
	builder    ContextAssembler
	difficulty DifficultyController
	store      Store
}

func NewEngine(
	classifier TopicClassifier,
	retriever Retriever,
	selector AnswerSelector,
	fuser Fuser,
	builder ContextAssembler,
	difficulty DifficultyController,
	store Store,
) *Engine {
	return &Engine{
		classifier: classifier,
		retriever:  retriever,
		selector:   selector,
		fuser:      fuser,
		builder:    builder,
		difficulty: difficulty,
		store:      store,
	}
}

// Retrieve runs the full pipeline: classify, fan out, check for a direct
// answer, fuse with personalization signals and assemble the context.
// The interaction is persisted for all three outcomes so feedback can
// reference it.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	start := time.Now()

	matched, err := e.classifier.Classify(ctx, req.Query, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("topic classification failed: %w", err)
	}

	set, err := e.retriever.Retrieve(ctx, req.Query, matched)
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}

	result := &Result{
		InteractionID:   uuid.NewString(),
		Topics:          matched,
		DifficultyLevel: e.levelName(ctx, req.LearnerID, req.SessionID),
	}

	// A sufficiently confident QA hit bypasses fusion entirely.
	if direct := e.selector.DirectAnswer(set.QAMatches); direct != nil {
		result.Outcome = OutcomeDirectAnswer
		result.DirectAnswer = direct
		metrics.DirectAnswers.Inc()
		e.finish(ctx, req, result, start)
		return result, nil
	}

	fused, err := e.fuser.Fuse(set.Chunks, set.Knowledge, qaCandidates(set.QAMatches), e.signals(ctx, req))
	if errors.Is(err, fusion.ErrNoAnswer) {
		result.Outcome = OutcomeNotFound
		e.finish(ctx, req, result, start)
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fusion failed: %w", err)
	}

	result.Outcome = OutcomeContext
	result.Sources = fused
	result.Context = e.builder.Build(fused)
	metrics.FusedResultsCount.Observe(float64(len(fused)))
	if len(fused) > 0 {
		metrics.FinalScore.Observe(fused[0].FinalScore)
	}

	e.finish(ctx, req, result, start)
	return result, nil
}

// RecordFeedback resolves the interaction to its learner and applies the
// sentiment through the difficulty controller.
func (e *Engine) RecordFeedback(ctx context.Context, interactionID string, sentiment models.Sentiment) (*ebars.State, error) {
	learnerID, sessionID, err := e.store.LearnerForInteraction(ctx, interactionID)
	if err != nil {
		return nil, err
	}
	if learnerID == "" {
		return nil, ErrUnknownInteraction
	}

	return e.difficulty.ApplyFeedback(ctx, models.FeedbackEvent{
		InteractionID: interactionID,
		LearnerID:     learnerID,
		SessionID:     sessionID,
		Sentiment:     sentiment,
		Timestamp:     time.Now(),
	})
}

// LearnerState reports the learner's current difficulty state without
// mutating anything.
func (e *Engine) LearnerState(ctx context.Context, learnerID, sessionID string) (*ebars.State, error) {
	profile, err := e.store.LoadProfile(ctx, learnerID, sessionID)
	if err != nil {
		return nil, err
	}

	level, err := e.difficulty.CurrentLevel(ctx, learnerID, sessionID)
	if err != nil {
		return nil, err
	}

	state := &ebars.State{
		LearnerID: learnerID,
		SessionID: sessionID,
		Level:     level,
		LevelName: level.String(),
	}
	if profile != nil {
		state.ComprehensionScore = profile.ComprehensionScore
	}
	return state, nil
}

func (e *Engine) History(ctx context.Context, learnerID string, limit int) ([]models.InteractionRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.store.QueryHistory(ctx, learnerID, limit)
}

// signals precomputes the CACS inputs from the interaction log. Signal
// lookups are best-effort: a failed aggregate logs and contributes an
// empty map rather than failing the query.
func (e *Engine) signals(ctx context.Context, req Request) fusion.Signals {
	sig := fusion.Signals{}

	affinity, err := e.store.LearnerTopicAffinity(ctx, req.LearnerID)
	if err != nil {
		logger.Warn("Failed to load learner affinity", zap.String("learner_id", req.LearnerID), zap.Error(err))
	} else {
		sig.Affinity = affinity
	}

	popularity, err := e.store.TopicPopularity(ctx)
	if err != nil {
		logger.Warn("Failed to load topic popularity", zap.Error(err))
	} else {
		sig.Popularity = popularity
	}

	recent, err := e.store.RecentSessionTopics(ctx, req.LearnerID, req.SessionID, 10)
	if err != nil {
		logger.Warn("Failed to load recent session topics", zap.String("session_id", req.SessionID), zap.Error(err))
	} else if len(recent) > 0 {
		sig.RecentTopics = make(map[string]bool, len(recent))
		for _, topicID := range recent {
			sig.RecentTopics[topicID] = true
		}
	}

	return sig
}

// finish stamps latency, records metrics and persists the interaction
// trace. Persistence failures are logged, not surfaced: the learner
// already has their answer.
func (e *Engine) finish(ctx context.Context, req Request, result *Result, start time.Time) {
	elapsed := time.Since(start)
	result.LatencyMS = int(elapsed.Milliseconds())

	metrics.QueryTotal.WithLabelValues(string(result.Outcome)).Inc()
	metrics.RetrieveDuration.WithLabelValues(string(result.Outcome)).Observe(elapsed.Seconds())

	record := &models.InteractionRecord{
		ID:           result.InteractionID,
		LearnerID:    req.LearnerID,
		SessionID:    req.SessionID,
		QueryText:    req.Query,
		Outcome:      string(result.Outcome),
		TopicIDs:     topicIDs(result.Topics),
		ResultCount:  len(result.Sources),
		DirectAnswer: result.DirectAnswer != nil,
		LatencyMS:    result.LatencyMS,
	}
	if len(result.Sources) > 0 {
		record.TopScore = result.Sources[0].FinalScore
	} else if result.DirectAnswer != nil {
		record.TopScore = result.DirectAnswer.Similarity
	}

	if err := e.store.InsertInteraction(ctx, record); err != nil {
		logger.Error("Failed to persist interaction", zap.String("interaction_id", record.ID), zap.Error(err))
		return
	}

	for _, src := range result.Sources {
		err := e.store.InsertInteractionSource(ctx, &models.InteractionSource{
			InteractionID: record.ID,
			LearnerID:     req.LearnerID,
			SourceKind:    src.Kind.String(),
			SourceID:      src.ID,
			TopicID:       src.TopicID,
			FinalScore:    src.FinalScore,
		})
		if err != nil {
			logger.Error("Failed to persist interaction source", zap.String("interaction_id", record.ID), zap.Error(err))
			return
		}
	}
	if result.DirectAnswer != nil {
		err := e.store.InsertInteractionSource(ctx, &models.InteractionSource{
			InteractionID: record.ID,
			LearnerID:     req.LearnerID,
			SourceKind:    fusion.KindQA.String(),
			SourceID:      result.DirectAnswer.QAID,
			TopicID:       result.DirectAnswer.TopicID,
			FinalScore:    result.DirectAnswer.Similarity,
		})
		if err != nil {
			logger.Error("Failed to persist direct-answer source", zap.String("interaction_id", record.ID), zap.Error(err))
		}
	}
}

func (e *Engine) levelName(ctx context.Context, learnerID, sessionID string) string {
	level, err := e.difficulty.CurrentLevel(ctx, learnerID, sessionID)
	if err != nil {
		logger.Warn("Failed to read difficulty level", zap.String("learner_id", learnerID), zap.Error(err))
		return ebars.LevelMedium.String()
	}
	return level.String()
}

func qaCandidates(matches []qa.Match) []fusion.Candidate {
	candidates := make([]fusion.Candidate, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, fusion.Candidate{
			Kind:     fusion.KindQA,
			ID:       m.QAID,
			Title:    m.Question,
			Content:  m.Answer,
			TopicID:  m.TopicID,
			RawScore: m.Similarity,
		})
	}
	return candidates
}

func topicIDs(matched []models.TopicMatch) []string {
	ids := make([]string, 0, len(matched))
	for _, m := range matched {
		ids = append(ids, m.TopicID)
	}
	return ids
}
