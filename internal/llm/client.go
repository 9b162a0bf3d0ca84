package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/storage/models"
	"github.com/tutor-agent/backend/pkg/circuitbreaker"
	"github.com/tutor-agent/backend/pkg/logger"
	"github.com/tutor-agent/backend/pkg/retry"
)

// ErrMalformedClassification is returned when the semantic classifier
// responds with something that cannot be parsed; callers fall back to the
// keyword stage.
var ErrMalformedClassification = errors.New("malformed classification response")

type Client struct {
	client          *openai.Client
	classifierModel string
	embeddingModel  string
	temperature     float32
	maxTokens       int
	timeout         time.Duration
	cb              *circuitbreaker.CircuitBreaker
	retryConfig     retry.Config
}

type Config struct {
	APIKey          string
	ClassifierModel string
	EmbeddingModel  string
	Temperature     float32
	MaxTokens       int
	TimeoutSec      int
}

func NewClient(cfg Config) *Client {
	client := openai.NewClient(cfg.APIKey)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	logger.Info("LLM client initialized",
		zap.String("classifier_model", cfg.ClassifierModel),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:          client,
		classifierModel: cfg.ClassifierModel,
		embeddingModel:  cfg.EmbeddingModel,
		temperature:     cfg.Temperature,
		maxTokens:       cfg.MaxTokens,
		timeout:         timeout,
		cb:              cb,
		retryConfig:     retryConfig,
	}
}

// EmbeddingModelID identifies the embedding model for cache keying; cached
// similarity results stop matching when the model changes.
func (c *Client) EmbeddingModelID() string {
	return c.embeddingModel
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: []string{text},
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("embedding response contained no data")
			}

			embedding = append([]float32(nil), resp.Data[0].Embedding...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return embedding, nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 3*c.timeout)
	defer cancel()

	var embeddings [][]float32

	batchSize := 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		err := c.cb.Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(c.embeddingModel),
				})
				if err != nil {
					return fmt.Errorf("failed to generate batch embeddings: %w", err)
				}
				if len(resp.Data) != len(batch) {
					return fmt.Errorf("embedding response size mismatch: want %d, got %d", len(batch), len(resp.Data))
				}

				for _, data := range resp.Data {
					embeddings = append(embeddings, append([]float32(nil), data.Embedding...))
				}
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

const classifierSystemPrompt = `You are a topic classifier for an educational question-answering assistant.
Given a learner question and a topic catalog, pick the topics the question is about.

Return ONLY a JSON array, ranked by confidence:
[{"topic_id": "<id from the catalog>", "confidence": 0.0-1.0, "reasoning": "one sentence"}]

Rules:
- Use only topic_id values that appear in the catalog.
- Include at most 3 topics.
- If nothing matches, return [].`

// ClassifyTopics asks the chat model to rank catalog topics for the query.
// Predictions naming topics outside the catalog are dropped.
func (c *Client) ClassifyTopics(ctx context.Context, query string, catalog []models.Topic) ([]models.TopicMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var sb strings.Builder
	for _, t := range catalog {
		fmt.Fprintf(&sb, "- %s: %s (%s)\n", t.ID, t.Title, strings.Join(t.Keywords, ", "))
	}

	userPrompt := fmt.Sprintf("Topic catalog:\n%s\nQuestion: %s\n\nReturn JSON only.", sb.String(), query)

	var content string
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model: c.classifierModel,
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleSystem, Content: classifierSystemPrompt},
					{Role: openai.ChatMessageRoleUser, Content: userPrompt},
				},
				Temperature: c.temperature,
				MaxTokens:   c.maxTokens,
			})
			if err != nil {
				return fmt.Errorf("failed to classify query: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("classification response contained no choices")
			}

			content = resp.Choices[0].Message.Content
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	matches, err := parseTopicPredictions(content, catalog)
	if err != nil {
		return nil, err
	}

	logger.Debug("Semantic classification completed",
		zap.Int("matches", len(matches)),
	)

	return matches, nil
}

func parseTopicPredictions(content string, catalog []models.Topic) ([]models.TopicMatch, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, ErrMalformedClassification
	}

	var raw []struct {
		TopicID    string  `json:"topic_id"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedClassification, err)
	}

	known := make(map[string]string, len(catalog))
	for _, t := range catalog {
		known[t.ID] = t.Title
	}

	matches := make([]models.TopicMatch, 0, len(raw))
	for _, p := range raw {
		title, ok := known[p.TopicID]
		if !ok {
			logger.Warn("Classifier named unknown topic, dropping",
				zap.String("topic_id", p.TopicID))
			continue
		}
		confidence := p.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		matches = append(matches, models.TopicMatch{
			TopicID:    p.TopicID,
			Title:      title,
			Confidence: confidence,
			Reasoning:  p.Reasoning,
		})
	}

	return matches, nil
}
