package models

import "time"

// Topic is one entry of the teaching catalog the classifier matches against.
type Topic struct {
	ID          string
	Title       string
	Description string
	Keywords    []string
	CreatedAt   time.Time
}

// TopicMatch is a classified topic with its confidence in [0,1].
type TopicMatch struct {
	TopicID    string  `json:"topic_id"`
	Title      string  `json:"title"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// KnowledgeEntry is the structured record the knowledge store keeps per topic.
type KnowledgeEntry struct {
	TopicID     string
	Title       string
	Summary     string
	KeyConcepts []string
	Objectives  []string
	Examples    []string
}

// QAPair is a pre-authored question/answer item in the QA index.
type QAPair struct {
	ID        string
	TopicID   string
	Question  string
	Answer    string
	CreatedAt time.Time
}

type Sentiment string

const (
	SentimentConfused   Sentiment = "confused"
	SentimentStruggling Sentiment = "struggling"
	SentimentOkay       Sentiment = "okay"
	SentimentConfident  Sentiment = "confident"
)

func (s Sentiment) Valid() bool {
	switch s {
	case SentimentConfused, SentimentStruggling, SentimentOkay, SentimentConfident:
		return true
	}
	return false
}

// FeedbackEvent is immutable and append-only; profiles change only by
// applying one of these.
type FeedbackEvent struct {
	InteractionID string
	LearnerID     string
	SessionID     string
	Sentiment     Sentiment
	Timestamp     time.Time
}

// LearnerProfile carries the adaptive-difficulty state for one learner.
// Mutated only through the EBARS controller.
type LearnerProfile struct {
	LearnerID          string
	SessionID          string
	DifficultyLevel    int
	ComprehensionScore float64
	RecentFeedback     []FeedbackEvent
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// InteractionRecord is the persisted trace of one Retrieve call.
type InteractionRecord struct {
	ID           string    `json:"id"`
	LearnerID    string    `json:"learner_id"`
	SessionID    string    `json:"session_id"`
	QueryText    string    `json:"query_text"`
	Outcome      string    `json:"outcome"`
	TopicIDs     []string  `json:"topic_ids"`
	ResultCount  int       `json:"result_count"`
	TopScore     float64   `json:"top_score"`
	DirectAnswer bool      `json:"direct_answer"`
	LatencyMS    int       `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// InteractionSource records one candidate that made it into the final
// context, used for popularity and affinity aggregates.
type InteractionSource struct {
	ID            int
	InteractionID string
	LearnerID     string
	SourceKind    string
	SourceID      string
	TopicID       string
	FinalScore    float64
	CreatedAt     time.Time
}
