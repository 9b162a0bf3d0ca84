package retrieval

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tutor-agent/backend/internal/fusion"
	"github.com/tutor-agent/backend/internal/metrics"
	"github.com/tutor-agent/backend/internal/qa"
	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/internal/topics"
	"github.com/tutor-agent/backend/internal/vector/milvus"
	"github.com/tutor-agent/backend/pkg/logger"
)

// Embedder produces the query vector for the chunk branch.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the semantic chunk index.
type VectorIndex interface {
	Search(ctx context.Context, queryEmbedding []float32, topK int, topicIDs []string) ([]milvus.ChunkHit, error)
}

// StructuredStore returns the knowledge entry for a topic, (nil, nil)
// when absent.
type StructuredStore interface {
	GetByTopic(ctx context.Context, topicID string) (*models.KnowledgeEntry, error)
}

// QAMatcher is the QA-pair similarity branch.
type QAMatcher interface {
	Match(ctx context.Context, query string, topicIDs []string) ([]qa.Match, error)
}

type Config struct {
	ChunkTopK       int
	ChunkTimeout    time.Duration
	KBTimeout       time.Duration
	QATimeout       time.Duration
	TitleBoost      float64
	ContentBoost    float64
	NegationPenalty float64
}

// ResultSet holds whatever the three branches produced. Branch failures
// leave their slice empty rather than failing the set.
type ResultSet struct {
	Chunks    []fusion.Candidate
	Knowledge []fusion.Candidate
	QAMatches []qa.Match
}

// Retriever fans out to the three sources concurrently. Each branch runs
// under its own timeout and absorbs its own failure; cancelling the
// request context cancels every in-flight branch.
type Retriever struct {
	cfg      Config
	embedder Embedder
	index    VectorIndex
	kb       StructuredStore
	matcher  QAMatcher
}

func NewRetriever(cfg Config, embedder Embedder, index VectorIndex, kb StructuredStore, matcher QAMatcher) *Retriever {
	if cfg.ChunkTopK == 0 {
		cfg.ChunkTopK = 10
	}
	if cfg.ChunkTimeout == 0 {
		cfg.ChunkTimeout = 5 * time.Second
	}
	if cfg.KBTimeout == 0 {
		cfg.KBTimeout = 3 * time.Second
	}
	if cfg.QATimeout == 0 {
		cfg.QATimeout = 8 * time.Second
	}
	return &Retriever{cfg: cfg, embedder: embedder, index: index, kb: kb, matcher: matcher}
}

func (r *Retriever) Retrieve(ctx context.Context, query string, matched []models.TopicMatch) (*ResultSet, error) {
	topicIDs := make([]string, 0, len(matched))
	for _, m := range matched {
		topicIDs = append(topicIDs, m.TopicID)
	}

	set := &ResultSet{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		branchCtx, cancel := context.WithTimeout(gctx, r.cfg.ChunkTimeout)
		defer cancel()

		chunks, err := r.retrieveChunks(branchCtx, query, topicIDs)
		if err != nil {
			logger.Warn("Chunk retrieval degraded", zap.Error(err))
			metrics.BranchFailures.WithLabelValues("chunks").Inc()
			return nil
		}
		set.Chunks = chunks
		return nil
	})

	g.Go(func() error {
		branchCtx, cancel := context.WithTimeout(gctx, r.cfg.KBTimeout)
		defer cancel()

		entries, err := r.retrieveKnowledge(branchCtx, matched)
		if err != nil {
			logger.Warn("Knowledge retrieval degraded", zap.Error(err))
			metrics.BranchFailures.WithLabelValues("knowledge").Inc()
			return nil
		}
		set.Knowledge = entries
		return nil
	})

	g.Go(func() error {
		branchCtx, cancel := context.WithTimeout(gctx, r.cfg.QATimeout)
		defer cancel()

		matches, err := r.matcher.Match(branchCtx, query, topicIDs)
		if err != nil {
			logger.Warn("QA retrieval degraded", zap.Error(err))
			metrics.BranchFailures.WithLabelValues("qa").Inc()
			return nil
		}
		set.QAMatches = matches
		return nil
	})

	// Branches never return errors, so Wait cannot fail. The derived
	// group context is always cancelled once Wait returns; only the
	// request context distinguishes a cancelled caller from three
	// legitimately empty branches.
	g.Wait()

	if err := ctx.Err(); err != nil && len(set.Chunks)+len(set.Knowledge)+len(set.QAMatches) == 0 {
		return nil, err
	}

	logger.Debug("Retrieval fan-out completed",
		zap.Int("chunks", len(set.Chunks)),
		zap.Int("knowledge", len(set.Knowledge)),
		zap.Int("qa_matches", len(set.QAMatches)),
	)

	return set, nil
}

func (r *Retriever) retrieveChunks(ctx context.Context, query string, topicIDs []string) ([]fusion.Candidate, error) {
	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := r.index.Search(ctx, embedding, r.cfg.ChunkTopK, topicIDs)
	if err != nil {
		return nil, err
	}

	queryWords := topics.Tokenize(query)
	queryNegated := hasNegation(query)

	candidates := make([]fusion.Candidate, 0, len(hits))
	for _, hit := range hits {
		score := r.adjustChunkScore(hit, queryWords, queryNegated)
		candidates = append(candidates, fusion.Candidate{
			Kind:     fusion.KindChunk,
			ID:       hit.ChunkID,
			Title:    hit.Title,
			Locator:  hit.Locator,
			Content:  hit.Text,
			TopicID:  hit.TopicID,
			RawScore: score,
		})
	}

	return candidates, nil
}

// adjustChunkScore applies the keyword post-filter to a raw vector score:
// a title boost, a content boost and a negation-mismatch penalty, clamped
// to [0,1].
func (r *Retriever) adjustChunkScore(hit milvus.ChunkHit, queryWords []string, queryNegated bool) float64 {
	score := hit.Score

	titleLower := strings.ToLower(hit.Title)
	textLower := strings.ToLower(hit.Text)

	titleHit, contentHit := false, false
	for _, w := range queryWords {
		if !titleHit && strings.Contains(titleLower, w) {
			titleHit = true
		}
		if !contentHit && strings.Contains(textLower, w) {
			contentHit = true
		}
		if titleHit && contentHit {
			break
		}
	}

	if titleHit {
		score += r.cfg.TitleBoost
	}
	if contentHit {
		score += r.cfg.ContentBoost
	}
	if queryNegated != hasNegation(hit.Text) {
		score -= r.cfg.NegationPenalty
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (r *Retriever) retrieveKnowledge(ctx context.Context, matched []models.TopicMatch) ([]fusion.Candidate, error) {
	candidates := make([]fusion.Candidate, 0, len(matched))

	for _, m := range matched {
		entry, err := r.kb.GetByTopic(ctx, m.TopicID)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}

		candidates = append(candidates, fusion.Candidate{
			Kind:     fusion.KindKnowledge,
			ID:       entry.TopicID,
			Title:    entry.Title,
			Content:  formatEntry(entry),
			TopicID:  entry.TopicID,
			RawScore: m.Confidence,
		})
	}

	return candidates, nil
}

func formatEntry(entry *models.KnowledgeEntry) string {
	var sb strings.Builder
	sb.WriteString(entry.Summary)
	if len(entry.KeyConcepts) > 0 {
		sb.WriteString("\nKey concepts: ")
		sb.WriteString(strings.Join(entry.KeyConcepts, ", "))
	}
	if len(entry.Objectives) > 0 {
		sb.WriteString("\nObjectives: ")
		sb.WriteString(strings.Join(entry.Objectives, "; "))
	}
	if len(entry.Examples) > 0 {
		sb.WriteString("\nExamples: ")
		sb.WriteString(strings.Join(entry.Examples, "; "))
	}
	return sb.String()
}

var negationMarkers = []string{"not ", "n't", "without ", "except ", "never ", "cannot "}

func hasNegation(text string) bool {
	lowered := " " + strings.ToLower(text)
	for _, marker := range negationMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
