package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig() Config {
	return Config{
		Strategy:     StrategyWeighted,
		ChunkWeight:  0.4,
		KBWeight:     0.3,
		QAWeight:     0.3,
		MaxKBEntries: 2,
		MaxQAMatches: 3,
		QAFloor:      0.85,
		RRFK:         60,
		MinScore:     0.1,
	}
}

func defaultCACS() *CACS {
	return NewCACS(Weights{Base: 0.4, Personal: 0.3, Global: 0.2, Context: 0.1})
}

func newTestFuser(t *testing.T, cfg Config) *Fuser {
	t.Helper()
	f, err := NewFuser(cfg, defaultCACS())
	require.NoError(t, err)
	return f
}

func TestFuseScoresBoundedAndSorted(t *testing.T) {
	f := newTestFuser(t, defaultConfig())

	chunks := []Candidate{
		{Kind: KindChunk, ID: "c1", TopicID: "algebra", RawScore: 0.9},
		{Kind: KindChunk, ID: "c2", TopicID: "algebra", RawScore: 0.6},
		{Kind: KindChunk, ID: "c3", TopicID: "geometry", RawScore: 1.7}, // raw scores are clamped before weighting
	}
	entries := []Candidate{
		{Kind: KindKnowledge, ID: "k1", TopicID: "algebra", RawScore: 0.95},
	}
	qa := []Candidate{
		{Kind: KindQA, ID: "q1", TopicID: "algebra", RawScore: 0.89},
	}

	results, err := f.Fuse(chunks, entries, qa, Signals{})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	for i, r := range results {
		assert.GreaterOrEqual(t, r.FinalScore, 0.0)
		assert.LessOrEqual(t, r.FinalScore, 1.0)
		assert.Equal(t, i+1, r.Rank)
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1].FinalScore, r.FinalScore, "results must be sorted descending")
		}
	}
}

func TestKnowledgeEntryOutranksWeakChunk(t *testing.T) {
	f := newTestFuser(t, defaultConfig())

	entries := []Candidate{
		{Kind: KindKnowledge, ID: "k1", TopicID: "algebra", RawScore: 0.95},
	}
	chunks := []Candidate{
		{Kind: KindChunk, ID: "c1", TopicID: "algebra", RawScore: 0.5},
	}

	results, err := f.Fuse(chunks, entries, nil, Signals{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "k1", results[0].ID)
	assert.Equal(t, "c1", results[1].ID)
}

func TestQAFloorAndTopNRestriction(t *testing.T) {
	f := newTestFuser(t, defaultConfig())

	qa := []Candidate{
		{Kind: KindQA, ID: "q1", RawScore: 0.89},
		{Kind: KindQA, ID: "q2", RawScore: 0.88},
		{Kind: KindQA, ID: "q3", RawScore: 0.87},
		{Kind: KindQA, ID: "q4", RawScore: 0.86}, // fourth-best is cut by top-3
		{Kind: KindQA, ID: "q5", RawScore: 0.80}, // below the 0.85 floor
	}

	results, err := f.Fuse(nil, nil, qa, Signals{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	ids := []string{results[0].ID, results[1].ID, results[2].ID}
	assert.Equal(t, []string{"q1", "q2", "q3"}, ids)
}

func TestAllBelowThresholdReturnsNoAnswer(t *testing.T) {
	cfg := defaultConfig()
	cfg.MinScore = 0.5
	f := newTestFuser(t, cfg)

	chunks := []Candidate{{Kind: KindChunk, ID: "c1", RawScore: 0.2}}

	results, err := f.Fuse(chunks, nil, nil, Signals{})
	assert.ErrorIs(t, err, ErrNoAnswer)
	assert.Nil(t, results)
}

func TestEmptyInputReturnsNoAnswer(t *testing.T) {
	f := newTestFuser(t, defaultConfig())

	results, err := f.Fuse(nil, nil, nil, Signals{})
	assert.ErrorIs(t, err, ErrNoAnswer)
	assert.Nil(t, results)
}

func TestRRFIgnoresScoreMagnitudes(t *testing.T) {
	cfg := defaultConfig()
	cfg.Strategy = StrategyRRF
	cfg.MinScore = 0
	f := newTestFuser(t, cfg)

	// Chunk scores are on a wild scale; RRF only uses ranks.
	chunks := []Candidate{
		{Kind: KindChunk, ID: "c1", TopicID: "t", RawScore: 900},
		{Kind: KindChunk, ID: "c2", TopicID: "t", RawScore: 100},
	}
	entries := []Candidate{
		{Kind: KindKnowledge, ID: "k1", TopicID: "t", RawScore: 0.9},
	}

	results, err := f.Fuse(chunks, entries, nil, Signals{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// c1 and k1 are both rank 1 in their lists so they tie on base score;
	// the knowledge kind wins the tie, and c2 (rank 2) comes last.
	assert.Equal(t, "k1", results[0].ID)
	assert.Equal(t, "c1", results[1].ID)
	assert.Equal(t, "c2", results[2].ID)
}

func TestUnknownStrategyRejected(t *testing.T) {
	_, err := NewFuser(Config{Strategy: "borda"}, defaultCACS())
	assert.Error(t, err)
}

func TestCACSPersonalAffinityBreaksTies(t *testing.T) {
	f := newTestFuser(t, defaultConfig())

	chunks := []Candidate{
		{Kind: KindChunk, ID: "c-algebra", TopicID: "algebra", RawScore: 0.8},
		{Kind: KindChunk, ID: "c-geometry", TopicID: "geometry", RawScore: 0.8},
	}
	signals := Signals{
		Affinity: map[string]float64{"algebra": 0.9},
	}

	results, err := f.Fuse(chunks, nil, nil, signals)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "c-algebra", results[0].ID)
	assert.Greater(t, results[0].FinalScore, results[1].FinalScore)
}

func TestCACSContextTermPrefersSessionTopics(t *testing.T) {
	scorer := defaultCACS()
	c := Candidate{Kind: KindChunk, TopicID: "algebra"}

	onTopic := scorer.Score(0.5, c, Signals{RecentTopics: map[string]bool{"algebra": true}})
	offTopic := scorer.Score(0.5, c, Signals{})

	assert.Greater(t, onTopic, offTopic)
	assert.InDelta(t, 0.1*(1.0-defaultOffTopicContext), onTopic-offTopic, 1e-9)
}

func TestCACSOffTopicContextConfigurable(t *testing.T) {
	scorer := NewCACS(Weights{Base: 0.4, Personal: 0.3, Global: 0.2, Context: 0.1, OffTopicContext: 0.5})
	c := Candidate{Kind: KindChunk, TopicID: "algebra"}

	onTopic := scorer.Score(0.5, c, Signals{RecentTopics: map[string]bool{"algebra": true}})
	offTopic := scorer.Score(0.5, c, Signals{})

	assert.InDelta(t, 0.1*(1.0-0.5), onTopic-offTopic, 1e-9)
}
