package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutor-agent/backend/internal/fusion"
	"github.com/tutor-agent/backend/internal/qa"
	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/internal/vector/milvus"
)

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeIndex struct {
	hits []milvus.ChunkHit
	err  error
}

func (f *fakeIndex) Search(ctx context.Context, v []float32, topK int, topicIDs []string) ([]milvus.ChunkHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.hits, f.err
}

type fakeKB struct {
	entries map[string]*models.KnowledgeEntry
	err     error
}

func (f *fakeKB) GetByTopic(ctx context.Context, topicID string) (*models.KnowledgeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.entries[topicID], nil
}

type fakeMatcher struct {
	matches []qa.Match
	err     error
}

func (f *fakeMatcher) Match(ctx context.Context, query string, topicIDs []string) ([]qa.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.matches, f.err
}

func testConfig() Config {
	return Config{
		ChunkTopK:       10,
		ChunkTimeout:    time.Second,
		KBTimeout:       time.Second,
		QATimeout:       time.Second,
		TitleBoost:      0.3,
		ContentBoost:    0.2,
		NegationPenalty: 0.2,
	}
}

func matchedTopics() []models.TopicMatch {
	return []models.TopicMatch{{TopicID: "fractions", Title: "Fractions", Confidence: 0.95}}
}

func TestFanOutMergesAllBranches(t *testing.T) {
	r := NewRetriever(testConfig(),
		&fakeEmbedder{},
		&fakeIndex{hits: []milvus.ChunkHit{{ChunkID: "c1", Title: "Fractions intro", Text: "parts of a whole", Score: 0.5}}},
		&fakeKB{entries: map[string]*models.KnowledgeEntry{
			"fractions": {TopicID: "fractions", Title: "Fractions", Summary: "A fraction names part of a whole."},
		}},
		&fakeMatcher{matches: []qa.Match{{QAID: "qa1", Similarity: 0.8}}},
	)

	set, err := r.Retrieve(context.Background(), "fractions question", matchedTopics())
	require.NoError(t, err)

	assert.Len(t, set.Chunks, 1)
	assert.Len(t, set.Knowledge, 1)
	assert.Len(t, set.QAMatches, 1)
	assert.Equal(t, fusion.KindKnowledge, set.Knowledge[0].Kind)
	assert.InDelta(t, 0.95, set.Knowledge[0].RawScore, 1e-9, "KB relevance is the topic confidence")
}

func TestSingleBranchFailureDegrades(t *testing.T) {
	r := NewRetriever(testConfig(),
		&fakeEmbedder{},
		&fakeIndex{err: errors.New("vector index down")},
		&fakeKB{entries: map[string]*models.KnowledgeEntry{
			"fractions": {TopicID: "fractions", Title: "Fractions", Summary: "summary"},
		}},
		&fakeMatcher{matches: []qa.Match{{QAID: "qa1", Similarity: 0.8}}},
	)

	set, err := r.Retrieve(context.Background(), "question", matchedTopics())
	require.NoError(t, err, "a single branch failure must not fail the request")

	assert.Empty(t, set.Chunks)
	assert.Len(t, set.Knowledge, 1)
	assert.Len(t, set.QAMatches, 1)
}

func TestAllBranchesFailingYieldsEmptySet(t *testing.T) {
	r := NewRetriever(testConfig(),
		&fakeEmbedder{err: errors.New("embeddings down")},
		&fakeIndex{},
		&fakeKB{err: errors.New("graph down")},
		&fakeMatcher{err: errors.New("qa down")},
	)

	set, err := r.Retrieve(context.Background(), "question", matchedTopics())
	require.NoError(t, err)

	assert.Empty(t, set.Chunks)
	assert.Empty(t, set.Knowledge)
	assert.Empty(t, set.QAMatches)
}

func TestEmptyBranchesAreNotAnError(t *testing.T) {
	r := NewRetriever(testConfig(), &fakeEmbedder{}, &fakeIndex{}, &fakeKB{}, &fakeMatcher{})

	set, err := r.Retrieve(context.Background(), "question", matchedTopics())
	require.NoError(t, err, "three empty branches on a live request context are a valid result")

	assert.Empty(t, set.Chunks)
	assert.Empty(t, set.Knowledge)
	assert.Empty(t, set.QAMatches)
}

func TestChunkKeywordBoosts(t *testing.T) {
	r := NewRetriever(testConfig(),
		&fakeEmbedder{},
		&fakeIndex{hits: []milvus.ChunkHit{
			{ChunkID: "both", Title: "Adding fractions", Text: "fractions need a common denominator", Score: 0.4},
			{ChunkID: "content-only", Title: "Review", Text: "practice fractions daily", Score: 0.4},
			{ChunkID: "neither", Title: "Decimals", Text: "place value", Score: 0.4},
		}},
		&fakeKB{},
		&fakeMatcher{},
	)

	set, err := r.Retrieve(context.Background(), "adding fractions", matchedTopics())
	require.NoError(t, err)
	require.Len(t, set.Chunks, 3)

	scores := map[string]float64{}
	for _, c := range set.Chunks {
		scores[c.ID] = c.RawScore
	}

	assert.InDelta(t, 0.4+0.3+0.2, scores["both"], 1e-9)
	assert.InDelta(t, 0.4+0.2, scores["content-only"], 1e-9)
	assert.InDelta(t, 0.4, scores["neither"], 1e-9)
}

func TestNegationMismatchPenalty(t *testing.T) {
	r := NewRetriever(testConfig(),
		&fakeEmbedder{},
		&fakeIndex{hits: []milvus.ChunkHit{
			{ChunkID: "mismatch", Title: "x", Text: "always reduce it early", Score: 0.5},
			{ChunkID: "aligned", Title: "x", Text: "do not simplify yet", Score: 0.5},
		}},
		&fakeKB{},
		&fakeMatcher{},
	)

	set, err := r.Retrieve(context.Background(), "when should I not simplify", matchedTopics())
	require.NoError(t, err)
	require.Len(t, set.Chunks, 2)

	scores := map[string]float64{}
	for _, c := range set.Chunks {
		scores[c.ID] = c.RawScore
	}

	assert.InDelta(t, 0.5-0.2, scores["mismatch"], 1e-9, "negated query vs non-negated chunk is penalized")
	assert.InDelta(t, 0.5+0.2, scores["aligned"], 1e-9, "content hit, negation aligned")
}

func TestCancellationPropagatesToBranches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRetriever(testConfig(), &fakeEmbedder{}, &fakeIndex{}, &fakeKB{}, &fakeMatcher{})

	_, err := r.Retrieve(ctx, "question", matchedTopics())
	assert.ErrorIs(t, err, context.Canceled)
}
