package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	TopicID    string  `json:"topic_id"`
	Confidence float64 `json:"confidence"`
}

func TestMemoryRoundTrip(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	in := []payload{{TopicID: "algebra", Confidence: 0.91}, {TopicID: "geometry", Confidence: 0.44}}
	require.NoError(t, store.Set(ctx, "k1", in, time.Hour))

	var out []payload
	found, err := store.Get(ctx, "k1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestMemoryExpiryBehavesLikeMiss(t *testing.T) {
	now := time.Now()
	store := NewMemoryWithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", payload{TopicID: "algebra"}, time.Minute))

	var out payload
	found, err := store.Get(ctx, "k1", &out)
	require.NoError(t, err)
	assert.True(t, found)

	now = now.Add(2 * time.Minute)

	out = payload{}
	found, err = store.Get(ctx, "k1", &out)
	require.NoError(t, err)
	assert.False(t, found, "expired entry must behave exactly like a miss")
	assert.Zero(t, out)
}

func TestMemoryMissIsNotAnError(t *testing.T) {
	store := NewMemory()

	var out payload
	found, err := store.Get(context.Background(), "absent", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryReplaceOnly(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", payload{TopicID: "algebra", Confidence: 0.5}, time.Hour))
	require.NoError(t, store.Set(ctx, "k1", payload{TopicID: "calculus", Confidence: 0.9}, time.Hour))

	var out payload
	found, err := store.Get(ctx, "k1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload{TopicID: "calculus", Confidence: 0.9}, out)
}

func TestKeyBuildersEmbedVersions(t *testing.T) {
	k1 := ClassificationKey("v1", "sess-1", "abc")
	k2 := ClassificationKey("v2", "sess-1", "abc")
	assert.NotEqual(t, k1, k2, "classifier version bump must change the key")

	s1 := SimilarityKey("text-embedding-3-small", "abc")
	s2 := SimilarityKey("text-embedding-3-large", "abc")
	assert.NotEqual(t, s1, s2, "embedding model change must invalidate similarity entries")
}
