// Package cache provides the TTL-scoped key/value layer used for
// classification results, QA similarity lists and per-item embeddings.
// Entries are replace-only: a write always stores a whole payload, and an
// entry past its expiry behaves exactly like a miss.
package cache

import (
	"context"
	"fmt"
	"time"
)

type Store interface {
	// Get unmarshals the cached payload into out and reports whether the
	// key was present and unexpired. A miss is not an error.
	Get(ctx context.Context, key string, out interface{}) (bool, error)
	// Set stores the payload under key for ttl.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Key builders embed a version or model identifier so that bumping either
// invalidates old entries implicitly instead of requiring a flush.

func ClassificationKey(classifierVersion, sessionID, queryHash string) string {
	return fmt.Sprintf("topics:%s:%s:%s", classifierVersion, sessionID, queryHash)
}

func SimilarityKey(embeddingModel, queryHash string) string {
	return fmt.Sprintf("qasim:%s:%s", embeddingModel, queryHash)
}

func EmbeddingKey(embeddingModel, textHash string) string {
	return fmt.Sprintf("emb:%s:%s", embeddingModel, textHash)
}
