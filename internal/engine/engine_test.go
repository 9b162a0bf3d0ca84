package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutor-agent/backend/internal/ebars"
	"github.com/tutor-agent/backend/internal/fusion"
	"github.com/tutor-agent/backend/internal/qa"
	"github.com/tutor-agent/backend/internal/retrieval"
	"github.com/tutor-agent/backend/internal/storage/models"
)

type fakeClassifier struct {
	matches []models.TopicMatch
	err     error
}

func (f *fakeClassifier) Classify(context.Context, string, string) ([]models.TopicMatch, error) {
	return f.matches, f.err
}

type fakeRetriever struct {
	set *retrieval.ResultSet
	err error
}

func (f *fakeRetriever) Retrieve(context.Context, string, []models.TopicMatch) (*retrieval.ResultSet, error) {
	return f.set, f.err
}

type fakeSelector struct {
	direct *qa.Match
}

func (f *fakeSelector) DirectAnswer([]qa.Match) *qa.Match { return f.direct }

type fakeFuser struct {
	results []fusion.Result
	err     error
	calls   int
}

func (f *fakeFuser) Fuse(_, _, _ []fusion.Candidate, _ fusion.Signals) ([]fusion.Result, error) {
	f.calls++
	return f.results, f.err
}

type fakeBuilder struct{}

func (fakeBuilder) Build([]fusion.Result) string { return "assembled context" }

type fakeDifficulty struct {
	level   ebars.Level
	applied []models.FeedbackEvent
}

func (f *fakeDifficulty) ApplyFeedback(_ context.Context, event models.FeedbackEvent) (*ebars.State, error) {
	f.applied = append(f.applied, event)
	return &ebars.State{
		LearnerID: event.LearnerID,
		SessionID: event.SessionID,
		Level:     f.level,
		LevelName: f.level.String(),
	}, nil
}

func (f *fakeDifficulty) CurrentLevel(context.Context, string, string) (ebars.Level, error) {
	return f.level, nil
}

type fakeEngineStore struct {
	interactions []*models.InteractionRecord
	sources      []*models.InteractionSource
	learners     map[string][2]string
	history      []models.InteractionRecord
	profile      *models.LearnerProfile
}

func (f *fakeEngineStore) InsertInteraction(_ context.Context, r *models.InteractionRecord) error {
	f.interactions = append(f.interactions, r)
	return nil
}

func (f *fakeEngineStore) InsertInteractionSource(_ context.Context, s *models.InteractionSource) error {
	f.sources = append(f.sources, s)
	return nil
}

func (f *fakeEngineStore) LearnerForInteraction(_ context.Context, id string) (string, string, error) {
	pair, ok := f.learners[id]
	if !ok {
		return "", "", nil
	}
	return pair[0], pair[1], nil
}

func (f *fakeEngineStore) QueryHistory(context.Context, string, int) ([]models.InteractionRecord, error) {
	return f.history, nil
}

func (f *fakeEngineStore) TopicPopularity(context.Context) (map[string]float64, error) {
	return map[string]float64{"algebra": 1.0}, nil
}

func (f *fakeEngineStore) LearnerTopicAffinity(context.Context, string) (map[string]float64, error) {
	return map[string]float64{"algebra": 0.8}, nil
}

func (f *fakeEngineStore) RecentSessionTopics(context.Context, string, string, int) ([]string, error) {
	return []string{"algebra"}, nil
}

func (f *fakeEngineStore) LoadProfile(context.Context, string, string) (*models.LearnerProfile, error) {
	return f.profile, nil
}

func request() Request {
	return Request{LearnerID: "learner-1", SessionID: "session-1", Query: "what is a fraction"}
}

func algebraMatch() []models.TopicMatch {
	return []models.TopicMatch{{TopicID: "algebra", Title: "Algebra", Confidence: 0.9}}
}

func newTestEngine(set *retrieval.ResultSet, direct *qa.Match, fuser *fakeFuser, store *fakeEngineStore) *Engine {
	return NewEngine(
		&fakeClassifier{matches: algebraMatch()},
		&fakeRetriever{set: set},
		&fakeSelector{direct: direct},
		fuser,
		fakeBuilder{},
		&fakeDifficulty{level: ebars.LevelMedium},
		store,
	)
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	eng := newTestEngine(&retrieval.ResultSet{}, nil, &fakeFuser{}, &fakeEngineStore{})

	_, err := eng.Retrieve(context.Background(), Request{LearnerID: "l", SessionID: "s", Query: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestRetrieveBuildsContextAndPersistsTrace(t *testing.T) {
	fused := []fusion.Result{
		{Candidate: fusion.Candidate{Kind: fusion.KindKnowledge, ID: "kb-1", TopicID: "algebra"}, FinalScore: 0.8, Rank: 1},
		{Candidate: fusion.Candidate{Kind: fusion.KindChunk, ID: "c-1", TopicID: "algebra"}, FinalScore: 0.6, Rank: 2},
	}
	fuser := &fakeFuser{results: fused}
	store := &fakeEngineStore{}
	eng := newTestEngine(&retrieval.ResultSet{}, nil, fuser, store)

	result, err := eng.Retrieve(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, OutcomeContext, result.Outcome)
	assert.Equal(t, "assembled context", result.Context)
	assert.Len(t, result.Sources, 2)
	assert.NotEmpty(t, result.InteractionID)
	assert.Equal(t, "medium", result.DifficultyLevel)

	require.Len(t, store.interactions, 1)
	record := store.interactions[0]
	assert.Equal(t, result.InteractionID, record.ID)
	assert.Equal(t, []string{"algebra"}, record.TopicIDs)
	assert.Equal(t, 0.8, record.TopScore)
	assert.False(t, record.DirectAnswer)

	require.Len(t, store.sources, 2)
	assert.Equal(t, "knowledge", store.sources[0].SourceKind)
	assert.Equal(t, "kb-1", store.sources[0].SourceID)
}

func TestDirectAnswerShortCircuitsFusion(t *testing.T) {
	direct := &qa.Match{QAID: "qa-7", TopicID: "algebra", Question: "q", Answer: "a", Similarity: 0.93}
	fuser := &fakeFuser{}
	store := &fakeEngineStore{}
	eng := newTestEngine(&retrieval.ResultSet{}, direct, fuser, store)

	result, err := eng.Retrieve(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, OutcomeDirectAnswer, result.Outcome)
	assert.Equal(t, direct, result.DirectAnswer)
	assert.Empty(t, result.Context)
	assert.Zero(t, fuser.calls, "fusion must not run for a direct answer")

	require.Len(t, store.interactions, 1)
	assert.True(t, store.interactions[0].DirectAnswer)
	assert.Equal(t, 0.93, store.interactions[0].TopScore)

	require.Len(t, store.sources, 1)
	assert.Equal(t, "qa", store.sources[0].SourceKind)
	assert.Equal(t, "qa-7", store.sources[0].SourceID)
}

func TestNoSurvivorsYieldsNotFoundWithoutError(t *testing.T) {
	fuser := &fakeFuser{err: fusion.ErrNoAnswer}
	store := &fakeEngineStore{}
	eng := newTestEngine(&retrieval.ResultSet{}, nil, fuser, store)

	result, err := eng.Retrieve(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, OutcomeNotFound, result.Outcome)
	assert.Empty(t, result.Context)
	assert.Nil(t, result.DirectAnswer)

	require.Len(t, store.interactions, 1)
	assert.Equal(t, string(OutcomeNotFound), store.interactions[0].Outcome)
	assert.Empty(t, store.sources)
}

func TestRecordFeedbackResolvesLearnerFromInteraction(t *testing.T) {
	store := &fakeEngineStore{learners: map[string][2]string{
		"int-1": {"learner-1", "session-1"},
	}}
	difficulty := &fakeDifficulty{level: ebars.LevelMedium}
	eng := NewEngine(&fakeClassifier{}, &fakeRetriever{}, &fakeSelector{}, &fakeFuser{}, fakeBuilder{}, difficulty, store)

	state, err := eng.RecordFeedback(context.Background(), "int-1", models.SentimentConfident)
	require.NoError(t, err)
	assert.Equal(t, "learner-1", state.LearnerID)

	require.Len(t, difficulty.applied, 1)
	assert.Equal(t, "int-1", difficulty.applied[0].InteractionID)
	assert.Equal(t, models.SentimentConfident, difficulty.applied[0].Sentiment)
	assert.False(t, difficulty.applied[0].Timestamp.IsZero())
}

func TestRecordFeedbackRejectsUnknownInteraction(t *testing.T) {
	eng := NewEngine(&fakeClassifier{}, &fakeRetriever{}, &fakeSelector{}, &fakeFuser{}, fakeBuilder{}, &fakeDifficulty{}, &fakeEngineStore{})

	_, err := eng.RecordFeedback(context.Background(), "missing", models.SentimentOkay)
	assert.ErrorIs(t, err, ErrUnknownInteraction)
}

func TestLearnerStateReportsScoreAndLevel(t *testing.T) {
	store := &fakeEngineStore{profile: &models.LearnerProfile{
		LearnerID:          "learner-1",
		SessionID:          "session-1",
		DifficultyLevel:    int(ebars.LevelHigh),
		ComprehensionScore: 72,
	}}
	eng := NewEngine(&fakeClassifier{}, &fakeRetriever{}, &fakeSelector{}, &fakeFuser{}, fakeBuilder{}, &fakeDifficulty{level: ebars.LevelHigh}, store)

	state, err := eng.LearnerState(context.Background(), "learner-1", "session-1")
	require.NoError(t, err)
	assert.Equal(t, ebars.LevelHigh, state.Level)
	assert.Equal(t, "high", state.LevelName)
	assert.Equal(t, 72.0, state.ComprehensionScore)
}
