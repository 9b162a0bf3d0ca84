package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutor-agent/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitSchema())
	return c
}

func TestQueryHistoryKeepsRowsWithMalformedTopicIDs(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.InsertInteraction(ctx, &models.InteractionRecord{
		ID:        "int-ok",
		LearnerID: "learner-1",
		SessionID: "session-1",
		QueryText: "what is a fraction",
		Outcome:   "context",
		TopicIDs:  []string{"fractions"},
	}))

	// A row written by an older build with a corrupt topic_ids payload.
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO interactions (id, learner_id, session_id, query_text, outcome, topic_ids, result_count, top_score, direct_answer, latency_ms)
		VALUES ('int-bad', 'learner-1', 'session-1', 'q', 'context', 'not-json', 0, 0, 0, 0)
	`)
	require.NoError(t, err)

	records, err := c.QueryHistory(ctx, "learner-1", 10)
	require.NoError(t, err, "a malformed row must not fail the whole history read")
	require.Len(t, records, 2)

	byID := map[string]models.InteractionRecord{}
	for _, r := range records {
		byID[r.ID] = r
	}
	assert.Equal(t, []string{"fractions"}, byID["int-ok"].TopicIDs)
	assert.Empty(t, byID["int-bad"].TopicIDs)
}

func TestProfileRoundTripAndReset(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	profile, err := c.LoadProfile(ctx, "learner-1", "session-1")
	require.NoError(t, err)
	assert.Nil(t, profile, "unknown learner loads as absent, not as an error")

	require.NoError(t, c.SaveProfile(ctx, &models.LearnerProfile{
		LearnerID:          "learner-1",
		SessionID:          "session-1",
		DifficultyLevel:    3,
		ComprehensionScore: 68,
	}))

	profile, err = c.LoadProfile(ctx, "learner-1", "session-1")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, 3, profile.DifficultyLevel)
	assert.Equal(t, 68.0, profile.ComprehensionScore)

	require.NoError(t, c.ResetProfile(ctx, "learner-1", "session-1"))

	profile, err = c.LoadProfile(ctx, "learner-1", "session-1")
	require.NoError(t, err)
	assert.Nil(t, profile)
}
