package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(path string) (*Client, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", path))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS topics (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		keywords TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS qa_pairs (
		id TEXT PRIMARY KEY,
		topic_id TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (topic_id) REFERENCES topics(id)
	);
	CREATE INDEX IF NOT EXISTS idx_qa_pairs_topic ON qa_pairs(topic_id);

	CREATE TABLE IF NOT EXISTS learner_profiles (
		learner_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		difficulty_level INTEGER NOT NULL,
		comprehension_score REAL NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (learner_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS feedback_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		interaction_id TEXT NOT NULL,
		learner_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		sentiment TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_learner ON feedback_events(learner_id, session_id);

	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		outcome TEXT NOT NULL,
		topic_ids TEXT,
		result_count INTEGER,
		top_score REAL,
		direct_answer INTEGER DEFAULT 0,
		latency_ms INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_learner ON interactions(learner_id, created_at);

	CREATE TABLE IF NOT EXISTS interaction_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		interaction_id TEXT NOT NULL,
		learner_id TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		source_id TEXT,
		topic_id TEXT,
		final_score REAL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (interaction_id) REFERENCES interactions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_sources_learner_topic ON interaction_sources(learner_id, topic_id);
	CREATE INDEX IF NOT EXISTS idx_sources_topic ON interaction_sources(topic_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) ListTopics(ctx context.Context) ([]models.Topic, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, title, description, keywords, created_at FROM topics`)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var topics []models.Topic
	for rows.Next() {
		var t models.Topic
		var keywords sql.NullString
		var description sql.NullString
		if err := rows.Scan(&t.ID, &t.Title, &description, &keywords, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		t.Description = description.String
		if keywords.Valid && keywords.String != "" {
			if err := json.Unmarshal([]byte(keywords.String), &t.Keywords); err != nil {
				logger.Warn("Malformed topic keywords, skipping",
					zap.String("topic_id", t.ID), zap.Error(err))
			}
		}
		topics = append(topics, t)
	}

	return topics, rows.Err()
}

func (c *Client) UpsertTopic(ctx context.Context, topic *models.Topic) error {
	keywords, err := json.Marshal(topic.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO topics (id, title, description, keywords)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			keywords = excluded.keywords
	`, topic.ID, topic.Title, topic.Description, string(keywords))
	if err != nil {
		return fmt.Errorf("failed to upsert topic: %w", err)
	}

	return nil
}

func (c *Client) ListQAPairsByTopics(ctx context.Context, topicIDs []string, limit int) ([]models.QAPair, error) {
	if len(topicIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(topicIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(topicIDs)+1)
	for _, id := range topicIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, topic_id, question, answer, created_at
		FROM qa_pairs
		WHERE topic_id IN (%s)
		LIMIT ?
	`, placeholders)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list qa pairs: %w", err)
	}
	defer rows.Close()

	var pairs []models.QAPair
	for rows.Next() {
		var p models.QAPair
		if err := rows.Scan(&p.ID, &p.TopicID, &p.Question, &p.Answer, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan qa pair: %w", err)
		}
		pairs = append(pairs, p)
	}

	return pairs, rows.Err()
}

func (c *Client) InsertQAPair(ctx context.Context, pair *models.QAPair) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO qa_pairs (id, topic_id, question, answer) VALUES (?, ?, ?, ?)
	`, pair.ID, pair.TopicID, pair.Question, pair.Answer)
	if err != nil {
		return fmt.Errorf("failed to insert qa pair: %w", err)
	}
	return nil
}

// LoadProfile returns (nil, nil) when the learner has no profile yet; the
// EBARS controller seeds one in that case.
func (c *Client) LoadProfile(ctx context.Context, learnerID, sessionID string) (*models.LearnerProfile, error) {
	var p models.LearnerProfile
	err := c.db.QueryRowContext(ctx, `
		SELECT learner_id, session_id, difficulty_level, comprehension_score, created_at, updated_at
		FROM learner_profiles
		WHERE learner_id = ? AND session_id = ?
	`, learnerID, sessionID).Scan(
		&p.LearnerID, &p.SessionID, &p.DifficultyLevel, &p.ComprehensionScore, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	recent, err := c.recentFeedback(ctx, learnerID, sessionID, 20)
	if err != nil {
		return nil, err
	}
	p.RecentFeedback = recent

	return &p, nil
}

func (c *Client) SaveProfile(ctx context.Context, profile *models.LearnerProfile) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO learner_profiles (learner_id, session_id, difficulty_level, comprehension_score, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(learner_id, session_id) DO UPDATE SET
			difficulty_level = excluded.difficulty_level,
			comprehension_score = excluded.comprehension_score,
			updated_at = CURRENT_TIMESTAMP
	`, profile.LearnerID, profile.SessionID, profile.DifficultyLevel, profile.ComprehensionScore)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (c *Client) ResetProfile(ctx context.Context, learnerID, sessionID string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM learner_profiles WHERE learner_id = ? AND session_id = ?
	`, learnerID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to reset profile: %w", err)
	}
	return nil
}

func (c *Client) AppendFeedback(ctx context.Context, event *models.FeedbackEvent) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO feedback_events (interaction_id, learner_id, session_id, sentiment, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.InteractionID, event.LearnerID, event.SessionID, string(event.Sentiment), event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append feedback event: %w", err)
	}
	return nil
}

func (c *Client) recentFeedback(ctx context.Context, learnerID, sessionID string, limit int) ([]models.FeedbackEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT interaction_id, learner_id, session_id, sentiment, created_at
		FROM feedback_events
		WHERE learner_id = ? AND session_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, learnerID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent feedback: %w", err)
	}
	defer rows.Close()

	var events []models.FeedbackEvent
	for rows.Next() {
		var e models.FeedbackEvent
		var sentiment string
		if err := rows.Scan(&e.InteractionID, &e.LearnerID, &e.SessionID, &sentiment, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan feedback event: %w", err)
		}
		e.Sentiment = models.Sentiment(sentiment)
		events = append(events, e)
	}

	// Reverse to chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	return events, rows.Err()
}

func (c *Client) LearnerForInteraction(ctx context.Context, interactionID string) (learnerID, sessionID string, err error) {
	err = c.db.QueryRowContext(ctx, `
		SELECT learner_id, session_id FROM interactions WHERE id = ?
	`, interactionID).Scan(&learnerID, &sessionID)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to look up interaction: %w", err)
	}
	return learnerID, sessionID, nil
}

func (c *Client) InsertInteraction(ctx context.Context, record *models.InteractionRecord) error {
	topicIDs, err := json.Marshal(record.TopicIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal topic ids: %w", err)
	}

	direct := 0
	if record.DirectAnswer {
		direct = 1
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO interactions (id, learner_id, session_id, query_text, outcome, topic_ids, result_count, top_score, direct_answer, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.LearnerID, record.SessionID, record.QueryText, record.Outcome,
		string(topicIDs), record.ResultCount, record.TopScore, direct, record.LatencyMS)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}
	return nil
}

func (c *Client) InsertInteractionSource(ctx context.Context, source *models.InteractionSource) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO interaction_sources (interaction_id, learner_id, source_kind, source_id, topic_id, final_score)
		VALUES (?, ?, ?, ?, ?, ?)
	`, source.InteractionID, source.LearnerID, source.SourceKind, source.SourceID, source.TopicID, source.FinalScore)
	if err != nil {
		return fmt.Errorf("failed to insert interaction source: %w", err)
	}
	return nil
}

func (c *Client) QueryHistory(ctx context.Context, learnerID string, limit int) ([]models.InteractionRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, learner_id, session_id, query_text, outcome, topic_ids, result_count, top_score, direct_answer, latency_ms, created_at
		FROM interactions
		WHERE learner_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, learnerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load query history: %w", err)
	}
	defer rows.Close()

	var records []models.InteractionRecord
	for rows.Next() {
		var r models.InteractionRecord
		var topicIDs sql.NullString
		var direct int
		if err := rows.Scan(&r.ID, &r.LearnerID, &r.SessionID, &r.QueryText, &r.Outcome,
			&topicIDs, &r.ResultCount, &r.TopScore, &direct, &r.LatencyMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		r.DirectAnswer = direct == 1
		if topicIDs.Valid && topicIDs.String != "" {
			if err := json.Unmarshal([]byte(topicIDs.String), &r.TopicIDs); err != nil {
				logger.Warn("Malformed interaction topic ids, skipping",
					zap.String("interaction_id", r.ID), zap.Error(err))
			}
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// TopicPopularity returns per-topic interaction counts normalized to [0,1]
// by the most popular topic. Feeds the CACS global term.
func (c *Client) TopicPopularity(ctx context.Context) (map[string]float64, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT topic_id, COUNT(*) AS n
		FROM interaction_sources
		WHERE topic_id IS NOT NULL AND topic_id != ''
		GROUP BY topic_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load topic popularity: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]float64)
	var max float64
	for rows.Next() {
		var topicID string
		var n float64
		if err := rows.Scan(&topicID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan popularity row: %w", err)
		}
		counts[topicID] = n
		if n > max {
			max = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if max > 0 {
		for k, v := range counts {
			counts[k] = v / max
		}
	}

	return counts, nil
}

// LearnerTopicAffinity returns per-topic counts for one learner normalized
// to [0,1] by the learner's own most visited topic. Feeds the CACS personal
// term.
func (c *Client) LearnerTopicAffinity(ctx context.Context, learnerID string) (map[string]float64, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT topic_id, COUNT(*) AS n
		FROM interaction_sources
		WHERE learner_id = ? AND topic_id IS NOT NULL AND topic_id != ''
		GROUP BY topic_id
	`, learnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load learner affinity: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]float64)
	var max float64
	for rows.Next() {
		var topicID string
		var n float64
		if err := rows.Scan(&topicID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan affinity row: %w", err)
		}
		counts[topicID] = n
		if n > max {
			max = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if max > 0 {
		for k, v := range counts {
			counts[k] = v / max
		}
	}

	return counts, nil
}

// RecentSessionTopics returns topic ids touched in this session, newest
// first. Feeds the CACS context term.
func (c *Client) RecentSessionTopics(ctx context.Context, learnerID, sessionID string, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT DISTINCT topic_id
		FROM interaction_sources s
		JOIN interactions i ON i.id = s.interaction_id
		WHERE s.learner_id = ? AND i.session_id = ? AND s.topic_id != ''
		ORDER BY s.id DESC
		LIMIT ?
	`, learnerID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent session topics: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var topicID string
		if err := rows.Scan(&topicID); err != nil {
			return nil, fmt.Errorf("failed to scan topic id: %w", err)
		}
		topics = append(topics, topicID)
	}

	return topics, rows.Err()
}
