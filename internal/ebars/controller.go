// Package ebars implements the adaptive-difficulty controller: a
// per-learner comprehension score driven by feedback events, with
// hysteresis bands gating the five difficulty levels.
package ebars

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/metrics"
	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/pkg/logger"
)

// ErrInvalidFeedback marks malformed feedback; it is logged and the
// profile is left untouched.
var ErrInvalidFeedback = errors.New("invalid feedback event")

type Level int

const (
	LevelVeryLow Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelVeryHigh
)

func (l Level) String() string {
	switch l {
	case LevelVeryLow:
		return "very_low"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelVeryHigh:
		return "very_high"
	default:
		return "unknown"
	}
}

// ProfileStore persists learner profiles and the append-only feedback
// log.
type ProfileStore interface {
	LoadProfile(ctx context.Context, learnerID, sessionID string) (*models.LearnerProfile, error)
	SaveProfile(ctx context.Context, profile *models.LearnerProfile) error
	AppendFeedback(ctx context.Context, event *models.FeedbackEvent) error
	ResetProfile(ctx context.Context, learnerID, sessionID string) error
}

type Config struct {
	ConfusedDelta   float64
	StrugglingDelta float64
	OkayDelta       float64
	ConfidentDelta  float64
	// UpThresholds[i] is the score a learner at level i must exceed to
	// move to level i+1; DownThresholds[i] is the score a learner at
	// level i+1 must fall below to move back to level i. UpThresholds[i]
	// sits strictly above DownThresholds[i], which is the hysteresis gap.
	UpThresholds   []float64
	DownThresholds []float64
	WindowSize     int
	InitialScore   float64
}

// State is the externally visible learner state after a feedback event.
type State struct {
	LearnerID          string  `json:"learner_id"`
	SessionID          string  `json:"session_id"`
	Level              Level   `json:"-"`
	LevelName          string  `json:"difficulty_level"`
	ComprehensionScore float64 `json:"comprehension_score"`
	LevelChanged       bool    `json:"level_changed"`
}

// Controller serializes feedback per learner with a keyed mutex so
// concurrent events never lose updates; level reads bypass the write
// path.
type Controller struct {
	cfg   Config
	store ProfileStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewController(cfg Config, store ProfileStore) (*Controller, error) {
	if len(cfg.UpThresholds) != 4 || len(cfg.DownThresholds) != 4 {
		return nil, fmt.Errorf("ebars requires 4 up and 4 down thresholds, got %d/%d",
			len(cfg.UpThresholds), len(cfg.DownThresholds))
	}
	for i := range cfg.UpThresholds {
		if cfg.UpThresholds[i] <= cfg.DownThresholds[i] {
			return nil, fmt.Errorf("up threshold %d (%.1f) must exceed down threshold %d (%.1f)",
				i, cfg.UpThresholds[i], i, cfg.DownThresholds[i])
		}
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 20
	}

	return &Controller{
		cfg:   cfg,
		store: store,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (c *Controller) lockFor(learnerID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[learnerID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[learnerID] = lock
	}
	return lock
}

// ApplyFeedback validates the event, applies its bounded delta to the
// comprehension score and commits at most one level transition when the
// score crosses the hysteresis band.
func (c *Controller) ApplyFeedback(ctx context.Context, event models.FeedbackEvent) (*State, error) {
	if event.InteractionID == "" || event.LearnerID == "" || !event.Sentiment.Valid() {
		logger.Warn("Ignoring invalid feedback event",
			zap.String("interaction_id", event.InteractionID),
			zap.String("learner_id", event.LearnerID),
			zap.String("sentiment", string(event.Sentiment)),
		)
		return nil, ErrInvalidFeedback
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	lock := c.lockFor(event.LearnerID)
	lock.Lock()
	defer lock.Unlock()

	profile, err := c.store.LoadProfile(ctx, event.LearnerID, event.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		profile = c.seedProfile(event.LearnerID, event.SessionID)
	}

	oldLevel := Level(profile.DifficultyLevel)
	profile.ComprehensionScore = clampScore(profile.ComprehensionScore + c.delta(event.Sentiment))

	newLevel := c.transition(oldLevel, profile.ComprehensionScore)
	profile.DifficultyLevel = int(newLevel)

	profile.RecentFeedback = append(profile.RecentFeedback, event)
	if len(profile.RecentFeedback) > c.cfg.WindowSize {
		profile.RecentFeedback = profile.RecentFeedback[len(profile.RecentFeedback)-c.cfg.WindowSize:]
	}

	if err := c.store.AppendFeedback(ctx, &event); err != nil {
		return nil, fmt.Errorf("failed to append feedback: %w", err)
	}
	if err := c.store.SaveProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}

	metrics.FeedbackTotal.WithLabelValues(string(event.Sentiment)).Inc()
	if newLevel != oldLevel {
		direction := "up"
		if newLevel < oldLevel {
			direction = "down"
		}
		metrics.DifficultyTransitions.WithLabelValues(direction).Inc()
		logger.Info("Difficulty level changed",
			zap.String("learner_id", event.LearnerID),
			zap.String("from", oldLevel.String()),
			zap.String("to", newLevel.String()),
			zap.Float64("score", profile.ComprehensionScore),
		)
	}

	return &State{
		LearnerID:          event.LearnerID,
		SessionID:          event.SessionID,
		Level:              newLevel,
		LevelName:          newLevel.String(),
		ComprehensionScore: profile.ComprehensionScore,
		LevelChanged:       newLevel != oldLevel,
	}, nil
}

// CurrentLevel reads the active level without entering the per-learner
// write path. Unknown learners report the seed level.
func (c *Controller) CurrentLevel(ctx context.Context, learnerID, sessionID string) (Level, error) {
	profile, err := c.store.LoadProfile(ctx, learnerID, sessionID)
	if err != nil {
		return LevelMedium, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return seedLevel(c.cfg.InitialScore), nil
	}
	return Level(profile.DifficultyLevel), nil
}

// Reset drops the learner's state entirely; the next interaction
// re-seeds it.
func (c *Controller) Reset(ctx context.Context, learnerID, sessionID string) error {
	lock := c.lockFor(learnerID)
	lock.Lock()
	defer lock.Unlock()

	return c.store.ResetProfile(ctx, learnerID, sessionID)
}

// transition moves at most one level per event. Moving up requires
// strictly exceeding the up threshold for the current level; moving down
// requires falling strictly below the down threshold that guards the
// level underneath. The gap between the two is what absorbs single noisy
// samples at a boundary.
func (c *Controller) transition(level Level, score float64) Level {
	if level < LevelVeryHigh && score > c.cfg.UpThresholds[level] {
		return level + 1
	}
	if level > LevelVeryLow && score < c.cfg.DownThresholds[level-1] {
		return level - 1
	}
	return level
}

func (c *Controller) delta(sentiment models.Sentiment) float64 {
	switch sentiment {
	case models.SentimentConfused:
		return c.cfg.ConfusedDelta
	case models.SentimentStruggling:
		return c.cfg.StrugglingDelta
	case models.SentimentOkay:
		return c.cfg.OkayDelta
	case models.SentimentConfident:
		return c.cfg.ConfidentDelta
	default:
		return 0
	}
}

func (c *Controller) seedProfile(learnerID, sessionID string) *models.LearnerProfile {
	now := time.Now()
	return &models.LearnerProfile{
		LearnerID:          learnerID,
		SessionID:          sessionID,
		DifficultyLevel:    int(seedLevel(c.cfg.InitialScore)),
		ComprehensionScore: c.cfg.InitialScore,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// seedLevel places a fresh learner in the band containing the initial
// calibration score.
func seedLevel(score float64) Level {
	level := Level(int(score / 20))
	if level > LevelVeryHigh {
		level = LevelVeryHigh
	}
	if level < LevelVeryLow {
		level = LevelVeryLow
	}
	return level
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
