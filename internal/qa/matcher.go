package qa

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/cache"
	"github.com/tutor-agent/backend/internal/metrics"
	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/pkg/logger"
	"github.com/tutor-agent/backend/pkg/utils"
)

// Match is one QA pair scored against the query.
type Match struct {
	QAID       string  `json:"qa_id"`
	TopicID    string  `json:"topic_id"`
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	Similarity float64 `json:"similarity"`
}

// EmbeddingProvider is the external embedding dependency. Tier order
// depends on which of its calls succeed.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingModelID() string
}

// PairSource supplies candidate QA pairs for the matched topics.
type PairSource interface {
	ListQAPairsByTopics(ctx context.Context, topicIDs []string, limit int) ([]models.QAPair, error)
}

type Config struct {
	InclusionThreshold    float64
	DirectAnswerThreshold float64
	MaxCandidates         int
	CacheTTL              time.Duration
}

// Matcher runs nearest-neighbor lookup over QA-pair embeddings with a
// tiered degradation chain; each tier is tried only when the previous one
// is unavailable.
type Matcher struct {
	cfg        Config
	provider   EmbeddingProvider
	pairs      PairSource
	store      cache.Store
	strategies []matchStrategy
}

func NewMatcher(cfg Config, provider EmbeddingProvider, pairs PairSource, store cache.Store) (*Matcher, error) {
	if cfg.DirectAnswerThreshold <= cfg.InclusionThreshold {
		return nil, fmt.Errorf("direct-answer threshold (%.2f) must be strictly greater than inclusion threshold (%.2f)",
			cfg.DirectAnswerThreshold, cfg.InclusionThreshold)
	}
	if cfg.MaxCandidates == 0 {
		cfg.MaxCandidates = 50
	}

	m := &Matcher{
		cfg:      cfg,
		provider: provider,
		pairs:    pairs,
		store:    store,
	}
	m.strategies = []matchStrategy{
		&cachedEmbeddingStrategy{provider: provider, store: store, ttl: cfg.CacheTTL},
		&batchEmbeddingStrategy{provider: provider, store: store, ttl: cfg.CacheTTL},
		&perItemEmbeddingStrategy{provider: provider},
		&lexicalStrategy{},
	}

	return m, nil
}

// Match returns QA pairs at or above the inclusion threshold, sorted by
// similarity descending. Results are cached keyed by query+topics hash
// and the embedding model id.
func (m *Matcher) Match(ctx context.Context, query string, topicIDs []string) ([]Match, error) {
	key := m.cacheKey(query, topicIDs)
	if m.store != nil {
		var cached []Match
		found, err := m.store.Get(ctx, key, &cached)
		if err != nil {
			logger.Warn("Similarity cache read failed", zap.Error(err))
		} else if found {
			metrics.CacheHits.WithLabelValues("similarity").Inc()
			return cached, nil
		}
		metrics.CacheMisses.WithLabelValues("similarity").Inc()
	}

	pairs, err := m.pairs.ListQAPairsByTopics(ctx, topicIDs, m.cfg.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("failed to load qa candidates: %w", err)
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	var matches []Match
	for _, strategy := range m.strategies {
		matches, err = strategy.match(ctx, query, pairs)
		if err == nil {
			logger.Debug("QA similarity computed",
				zap.String("strategy", strategy.name()),
				zap.Int("candidates", len(pairs)),
			)
			break
		}
		logger.Warn("QA match strategy unavailable, degrading",
			zap.String("strategy", strategy.name()),
			zap.Error(err),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("all qa match strategies failed: %w", err)
	}

	kept := matches[:0]
	for _, match := range matches {
		if match.Similarity >= m.cfg.InclusionThreshold {
			kept = append(kept, match)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Similarity > kept[j].Similarity
	})

	if m.store != nil {
		if err := m.store.Set(ctx, key, kept, m.cfg.CacheTTL); err != nil {
			logger.Warn("Similarity cache write failed", zap.Error(err))
		}
	}

	return kept, nil
}

// DirectAnswer returns the pre-authored answer when the best match is
// strictly above the direct-answer threshold. A similarity exactly at the
// threshold falls through to normal fusion.
func (m *Matcher) DirectAnswer(matches []Match) *Match {
	if len(matches) == 0 {
		return nil
	}
	best := matches[0]
	if best.Similarity > m.cfg.DirectAnswerThreshold {
		return &best
	}
	return nil
}

func (m *Matcher) cacheKey(query string, topicIDs []string) string {
	sorted := append([]string(nil), topicIDs...)
	sort.Strings(sorted)
	hash := utils.HashString(query + "|" + strings.Join(sorted, ","))
	return cache.SimilarityKey(m.provider.EmbeddingModelID(), hash)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func toMatches(pairs []models.QAPair, similarities []float64) []Match {
	matches := make([]Match, len(pairs))
	for i, p := range pairs {
		matches[i] = Match{
			QAID:       p.ID,
			TopicID:    p.TopicID,
			Question:   p.Question,
			Answer:     p.Answer,
			Similarity: similarities[i],
		}
	}
	return matches
}
