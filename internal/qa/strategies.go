package qa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/cache"
	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/internal/topics"
	"github.com/tutor-agent/backend/pkg/logger"
	"github.com/tutor-agent/backend/pkg/utils"
)

// errStrategyUnavailable signals that a tier cannot serve this request and
// the next tier should be tried.
var errStrategyUnavailable = errors.New("match strategy unavailable")

// matchStrategy is one tier of the degradation chain. Tiers share this
// interface so the chain is an ordered list, not nested conditionals.
type matchStrategy interface {
	name() string
	match(ctx context.Context, query string, pairs []models.QAPair) ([]Match, error)
}

// cachedEmbeddingStrategy serves tier 1: every candidate embedding is
// already cached, so only the query needs an embedding call.
type cachedEmbeddingStrategy struct {
	provider EmbeddingProvider
	store    cache.Store
	ttl      time.Duration
}

func (s *cachedEmbeddingStrategy) name() string { return "cached-embeddings" }

func (s *cachedEmbeddingStrategy) match(ctx context.Context, query string, pairs []models.QAPair) ([]Match, error) {
	if s.store == nil {
		return nil, errStrategyUnavailable
	}

	embeddings := make([][]float32, len(pairs))
	for i, p := range pairs {
		key := cache.EmbeddingKey(s.provider.EmbeddingModelID(), utils.HashString(p.Question))
		var emb []float32
		found, err := s.store.Get(ctx, key, &emb)
		if err != nil || !found {
			return nil, errStrategyUnavailable
		}
		embeddings[i] = emb
	}

	queryEmb, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	similarities := make([]float64, len(pairs))
	for i := range pairs {
		similarities[i] = cosineSimilarity(queryEmb, embeddings[i])
	}

	return toMatches(pairs, similarities), nil
}

// batchEmbeddingStrategy serves tier 2: all candidate questions plus the
// query go out in one batch call; fresh embeddings are written back to the
// cache for tier 1 next time.
type batchEmbeddingStrategy struct {
	provider EmbeddingProvider
	store    cache.Store
	ttl      time.Duration
}

func (s *batchEmbeddingStrategy) name() string { return "batch-embeddings" }

func (s *batchEmbeddingStrategy) match(ctx context.Context, query string, pairs []models.QAPair) ([]Match, error) {
	texts := make([]string, 0, len(pairs)+1)
	for _, p := range pairs {
		texts = append(texts, p.Question)
	}
	texts = append(texts, query)

	embeddings, err := s.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("batch embedding failed: %w", err)
	}
	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("batch embedding returned %d vectors for %d texts", len(embeddings), len(texts))
	}

	queryEmb := embeddings[len(embeddings)-1]

	if s.store != nil {
		for i, p := range pairs {
			key := cache.EmbeddingKey(s.provider.EmbeddingModelID(), utils.HashString(p.Question))
			if err := s.store.Set(ctx, key, embeddings[i], s.ttl); err != nil {
				logger.Warn("Embedding cache write failed", zap.Error(err))
			}
		}
	}

	similarities := make([]float64, len(pairs))
	for i := range pairs {
		similarities[i] = cosineSimilarity(queryEmb, embeddings[i])
	}

	return toMatches(pairs, similarities), nil
}

// perItemEmbeddingStrategy serves tier 3: the batch endpoint is broken but
// single embedding calls still work.
type perItemEmbeddingStrategy struct {
	provider EmbeddingProvider
}

func (s *perItemEmbeddingStrategy) name() string { return "per-item-embeddings" }

func (s *perItemEmbeddingStrategy) match(ctx context.Context, query string, pairs []models.QAPair) ([]Match, error) {
	queryEmb, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	similarities := make([]float64, len(pairs))
	for i, p := range pairs {
		emb, err := s.provider.Embed(ctx, p.Question)
		if err != nil {
			return nil, fmt.Errorf("candidate embedding failed: %w", err)
		}
		similarities[i] = cosineSimilarity(queryEmb, emb)
	}

	return toMatches(pairs, similarities), nil
}

// lexicalStrategy is the last resort when the embedding provider is fully
// unavailable: Jaccard overlap of content tokens.
type lexicalStrategy struct{}

func (s *lexicalStrategy) name() string { return "lexical-overlap" }

func (s *lexicalStrategy) match(ctx context.Context, query string, pairs []models.QAPair) ([]Match, error) {
	queryTokens := tokenSet(query)

	similarities := make([]float64, len(pairs))
	for i, p := range pairs {
		similarities[i] = jaccard(queryTokens, tokenSet(p.Question))
	}

	return toMatches(pairs, similarities), nil
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range topics.Tokenize(text) {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
