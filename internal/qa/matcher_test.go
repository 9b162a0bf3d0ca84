package qa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutor-agent/backend/internal/cache"
	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/pkg/utils"
)

type fakeProvider struct {
	vectors    map[string][]float32
	embedErr   error
	batchErr   error
	embedCalls int
	batchCalls int
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.vectors[text], nil
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectors[t]
	}
	return out, nil
}

func (f *fakeProvider) EmbeddingModelID() string { return "fake-embed-v1" }

type fakePairSource struct {
	pairs []models.QAPair
	err   error
}

func (f *fakePairSource) ListQAPairsByTopics(ctx context.Context, topicIDs []string, limit int) ([]models.QAPair, error) {
	return f.pairs, f.err
}

func testPairs() []models.QAPair {
	return []models.QAPair{
		{ID: "qa1", TopicID: "fractions", Question: "what is a fraction", Answer: "A part of a whole."},
		{ID: "qa2", TopicID: "fractions", Question: "how to add fractions", Answer: "Use a common denominator."},
	}
}

func testProvider() *fakeProvider {
	return &fakeProvider{vectors: map[string][]float32{
		"what is a fraction":  {1, 0},
		"how to add fractions": {0, 1},
		"query-exact":         {1, 0},
		"query-mixed":         {1, 1},
	}}
}

func newTestMatcher(t *testing.T, provider EmbeddingProvider, store cache.Store) *Matcher {
	t.Helper()
	m, err := NewMatcher(Config{
		InclusionThreshold:    0.75,
		DirectAnswerThreshold: 0.90,
		MaxCandidates:         50,
		CacheTTL:              time.Hour,
	}, provider, &fakePairSource{pairs: testPairs()}, store)
	require.NoError(t, err)
	return m
}

func TestConstructorRejectsNonStrictThresholds(t *testing.T) {
	_, err := NewMatcher(Config{InclusionThreshold: 0.9, DirectAnswerThreshold: 0.9},
		testProvider(), &fakePairSource{}, nil)
	assert.Error(t, err)
}

func TestBatchTierUsedWhenEmbeddingCacheCold(t *testing.T) {
	provider := testProvider()
	store := cache.NewMemory()
	m := newTestMatcher(t, provider, store)

	matches, err := m.Match(context.Background(), "query-exact", []string{"fractions"})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.batchCalls, "cold cache must use the batch tier")
	require.Len(t, matches, 1)
	assert.Equal(t, "qa1", matches[0].QAID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
}

func TestCachedTierSkipsBatchOnWarmCache(t *testing.T) {
	provider := testProvider()
	store := cache.NewMemory()
	m := newTestMatcher(t, provider, store)

	// First call warms the per-item embedding cache through the batch tier.
	_, err := m.Match(context.Background(), "query-exact", []string{"fractions"})
	require.NoError(t, err)
	require.Equal(t, 1, provider.batchCalls)

	// A different query misses the similarity cache but finds every
	// candidate embedding cached: tier 1, one single-embed call.
	provider.embedCalls = 0
	_, err = m.Match(context.Background(), "query-mixed", []string{"fractions"})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.batchCalls, "warm embedding cache must not re-batch")
	assert.Equal(t, 1, provider.embedCalls, "tier 1 embeds only the query")
}

type failingWriteStore struct{}

func (failingWriteStore) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	return false, nil
}

func (failingWriteStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return errors.New("cache backend down")
}

func TestBatchTierSurvivesCacheWriteFailure(t *testing.T) {
	provider := testProvider()
	m := newTestMatcher(t, provider, failingWriteStore{})

	matches, err := m.Match(context.Background(), "query-exact", []string{"fractions"})
	require.NoError(t, err, "a failed embedding back-fill must not fail the match")

	assert.Equal(t, 1, provider.batchCalls)
	require.Len(t, matches, 1)
	assert.Equal(t, "qa1", matches[0].QAID)
}

func TestBatchFailureDegradesToPerItem(t *testing.T) {
	provider := testProvider()
	provider.batchErr = errors.New("batch endpoint down")
	m := newTestMatcher(t, provider, nil)

	matches, err := m.Match(context.Background(), "query-exact", []string{"fractions"})
	require.NoError(t, err)

	// Query plus two candidates, embedded one by one.
	assert.Equal(t, 3, provider.embedCalls)
	require.Len(t, matches, 1)
	assert.Equal(t, "qa1", matches[0].QAID)
}

func TestProviderOutageDegradesToLexical(t *testing.T) {
	provider := testProvider()
	provider.batchErr = errors.New("provider down")
	provider.embedErr = errors.New("provider down")
	m := newTestMatcher(t, provider, nil)

	matches, err := m.Match(context.Background(), "what is a fraction", []string{"fractions"})
	require.NoError(t, err, "lexical tier must absorb a full provider outage")
	require.NotEmpty(t, matches)
	assert.Equal(t, "qa1", matches[0].QAID)
}

func TestInclusionThresholdFilters(t *testing.T) {
	provider := testProvider()
	m := newTestMatcher(t, provider, nil)

	// query-mixed scores ~0.707 against both candidates, below 0.75.
	matches, err := m.Match(context.Background(), "query-mixed", []string{"fractions"})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSimilarityCacheRoundTrip(t *testing.T) {
	provider := testProvider()
	store := cache.NewMemory()
	m := newTestMatcher(t, provider, store)

	first, err := m.Match(context.Background(), "query-exact", []string{"fractions"})
	require.NoError(t, err)

	calls := provider.embedCalls + provider.batchCalls
	second, err := m.Match(context.Background(), "query-exact", []string{"fractions"})
	require.NoError(t, err)

	assert.Equal(t, calls, provider.embedCalls+provider.batchCalls, "cached similarity must bypass the provider")
	assert.Equal(t, first, second)
}

func TestDirectAnswerStrictlyAboveThreshold(t *testing.T) {
	m := newTestMatcher(t, testProvider(), nil)

	atThreshold := []Match{{QAID: "qa1", Answer: "a", Similarity: 0.90}}
	assert.Nil(t, m.DirectAnswer(atThreshold), "exactly 0.90 must fall through to fusion")

	above := []Match{{QAID: "qa1", Answer: "a", Similarity: 0.905}}
	direct := m.DirectAnswer(above)
	require.NotNil(t, direct)
	assert.Equal(t, "qa1", direct.QAID)

	assert.Nil(t, m.DirectAnswer(nil))
}

func TestCacheKeyDependsOnModelAndTopics(t *testing.T) {
	provider := testProvider()
	m := newTestMatcher(t, provider, nil)

	k1 := m.cacheKey("q", []string{"a", "b"})
	k2 := m.cacheKey("q", []string{"b", "a"})
	k3 := m.cacheKey("q", []string{"a"})

	assert.Equal(t, k1, k2, "topic order must not change the key")
	assert.NotEqual(t, k1, k3)
	assert.Contains(t, k1, "fake-embed-v1")
	assert.Contains(t, k1, utils.HashString("q|a,b"))
}
