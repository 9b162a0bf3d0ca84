package topics

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	prose "github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/cache"
	"github.com/tutor-agent/backend/internal/metrics"
	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/pkg/logger"
	"github.com/tutor-agent/backend/pkg/utils"
)

// SemanticClassifier is the external fallback consulted when the keyword
// stage is not confident enough.
type SemanticClassifier interface {
	ClassifyTopics(ctx context.Context, query string, catalog []models.Topic) ([]models.TopicMatch, error)
}

type Config struct {
	KeywordThreshold  float64
	MaxTopics         int
	ClassifierTimeout time.Duration
	ClassifierVersion string
	CacheTTL          time.Duration
}

// Classifier maps a learner query to catalog topics. The cheap keyword
// scorer runs first; the semantic classifier is consulted only below the
// confidence threshold, and its failures fall back to the keyword result.
type Classifier struct {
	cfg      Config
	semantic SemanticClassifier
	store    cache.Store

	mu      sync.RWMutex
	catalog []models.Topic
}

func NewClassifier(cfg Config, semantic SemanticClassifier, store cache.Store, catalog []models.Topic) *Classifier {
	if cfg.MaxTopics == 0 {
		cfg.MaxTopics = 3
	}
	if cfg.KeywordThreshold == 0 {
		cfg.KeywordThreshold = 0.7
	}
	if cfg.ClassifierTimeout == 0 {
		cfg.ClassifierTimeout = 10 * time.Second
	}
	return &Classifier{
		cfg:      cfg,
		semantic: semantic,
		store:    store,
		catalog:  catalog,
	}
}

// SetCatalog swaps the topic catalog, e.g. after a curriculum refresh.
func (c *Classifier) SetCatalog(catalog []models.Topic) {
	c.mu.Lock()
	c.catalog = catalog
	c.mu.Unlock()
}

func (c *Classifier) Catalog() []models.Topic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.catalog
}

func (c *Classifier) Classify(ctx context.Context, query, sessionID string) ([]models.TopicMatch, error) {
	key := cache.ClassificationKey(c.cfg.ClassifierVersion, sessionID, utils.HashString(query))

	if c.store != nil {
		var cached []models.TopicMatch
		found, err := c.store.Get(ctx, key, &cached)
		if err != nil {
			logger.Warn("Classification cache read failed", zap.Error(err))
		} else if found {
			metrics.CacheHits.WithLabelValues("classification").Inc()
			return cached, nil
		}
		metrics.CacheMisses.WithLabelValues("classification").Inc()
	}

	keywordMatches := c.keywordStage(query)

	matches := keywordMatches
	if len(keywordMatches) == 0 || keywordMatches[0].Confidence < c.cfg.KeywordThreshold {
		semMatches, err := c.semanticStage(ctx, query)
		if err != nil {
			logger.Warn("Semantic classification failed, falling back to keyword result",
				zap.Error(err))
		} else if len(semMatches) > 0 {
			matches = semMatches
		}
	}

	if len(matches) > c.cfg.MaxTopics {
		matches = matches[:c.cfg.MaxTopics]
	}

	if c.store != nil && len(matches) > 0 {
		if err := c.store.Set(ctx, key, matches, c.cfg.CacheTTL); err != nil {
			logger.Warn("Classification cache write failed", zap.Error(err))
		}
	}

	return matches, nil
}

func (c *Classifier) semanticStage(ctx context.Context, query string) ([]models.TopicMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ClassifierTimeout)
	defer cancel()

	matches, err := c.semantic.ClassifyTopics(ctx, query, c.Catalog())
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
	return matches, nil
}

func (c *Classifier) keywordStage(query string) []models.TopicMatch {
	queryWords := Tokenize(query)
	if len(queryWords) == 0 {
		return nil
	}
	querySet := toSet(queryWords)

	catalog := c.Catalog()
	matches := make([]models.TopicMatch, 0, len(catalog))
	for _, topic := range catalog {
		confidence := scoreTopic(topic, querySet, len(queryWords))
		if confidence > 0 {
			matches = append(matches, models.TopicMatch{
				TopicID:    topic.ID,
				Title:      topic.Title,
				Confidence: confidence,
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})

	return matches
}

// scoreTopic implements the weighted keyword match: keyword hits count
// 1.0, title-word hits 1.5, description-word hits 0.3, normalized by
// max(|keywords|, |queryWords|, 1). Any title hit boosts the whole score
// by 1.2x. The result is clamped to 1.
func scoreTopic(topic models.Topic, querySet map[string]bool, queryLen int) float64 {
	var keywordHits, titleHits, descHits int

	for _, kw := range topic.Keywords {
		if querySet[strings.ToLower(kw)] {
			keywordHits++
		}
	}
	for _, w := range Tokenize(topic.Title) {
		if querySet[w] {
			titleHits++
		}
	}
	for _, w := range Tokenize(topic.Description) {
		if querySet[w] {
			descHits++
		}
	}

	raw := float64(keywordHits)*1.0 + float64(titleHits)*1.5 + float64(descHits)*0.3

	norm := len(topic.Keywords)
	if queryLen > norm {
		norm = queryLen
	}
	if norm < 1 {
		norm = 1
	}

	score := raw / float64(norm)
	if titleHits > 0 {
		score *= 1.2
	}
	if score > 1 {
		score = 1
	}

	return score
}

// Tokenize lowercases, tokenizes with prose and drops stopwords and
// punctuation. prose failures degrade to whitespace splitting.
func Tokenize(text string) []string {
	lowered := strings.ToLower(text)

	var raw []string
	doc, err := prose.NewDocument(lowered,
		prose.WithExtraction(false),
		prose.WithTagging(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		raw = strings.Fields(lowered)
	} else {
		for _, tok := range doc.Tokens() {
			raw = append(raw, tok.Text)
		}
	}

	out := make([]string, 0, len(raw))
	for _, w := range raw {
		w = strings.Trim(w, ".,!?;:'\"()[]")
		if len(w) < 2 || stopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

func toSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
