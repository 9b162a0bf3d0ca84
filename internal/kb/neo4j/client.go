package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/pkg/circuitbreaker"
	"github.com/tutor-agent/backend/pkg/logger"
	"github.com/tutor-agent/backend/pkg/retry"
)

// Client reads structured knowledge entries from the curriculum graph.
// Topic nodes carry summaries and link to Concept, Objective and Example
// nodes.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Knowledge store client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) execute(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// GetByTopic returns the knowledge entry for a topic, or (nil, nil) when
// the topic has no entry in the graph.
func (c *Client) GetByTopic(ctx context.Context, topicID string) (*models.KnowledgeEntry, error) {
	query := `
		MATCH (t:Topic {id: $topic_id})
		OPTIONAL MATCH (t)-[:COVERS]->(c:Concept)
		OPTIONAL MATCH (t)-[:TARGETS]->(o:Objective)
		OPTIONAL MATCH (t)-[:ILLUSTRATED_BY]->(e:Example)
		RETURN t.id AS id, t.title AS title, t.summary AS summary,
		       collect(DISTINCT c.name) AS concepts,
		       collect(DISTINCT o.text) AS objectives,
		       collect(DISTINCT e.text) AS examples
	`

	var entry *models.KnowledgeEntry

	err := c.execute(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, map[string]interface{}{"topic_id": topicID})
		if err != nil {
			return fmt.Errorf("failed to query topic: %w", err)
		}

		record, err := result.Single(ctx)
		if err != nil {
			// No row means the topic is absent from the graph.
			entry = nil
			return nil
		}

		entry = &models.KnowledgeEntry{
			TopicID:     stringValue(record, "id"),
			Title:       stringValue(record, "title"),
			Summary:     stringValue(record, "summary"),
			KeyConcepts: stringSlice(record, "concepts"),
			Objectives:  stringSlice(record, "objectives"),
			Examples:    stringSlice(record, "examples"),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if entry != nil {
		logger.Debug("Knowledge entry loaded",
			zap.String("topic_id", topicID),
			zap.Int("concepts", len(entry.KeyConcepts)),
		)
	}

	return entry, nil
}

func (c *Client) UpsertEntry(ctx context.Context, entry *models.KnowledgeEntry) error {
	return c.execute(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `
			MERGE (t:Topic {id: $id})
			SET t.title = $title, t.summary = $summary, t.updated_at = timestamp()
			WITH t
			UNWIND $concepts AS concept
			MERGE (c:Concept {name: concept})
			MERGE (t)-[:COVERS]->(c)
		`, map[string]interface{}{
			"id":       entry.TopicID,
			"title":    entry.Title,
			"summary":  entry.Summary,
			"concepts": entry.KeyConcepts,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert knowledge entry: %w", err)
		}
		return nil
	})
}

func stringValue(record *neo4j.Record, key string) string {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func stringSlice(record *neo4j.Record, key string) []string {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
