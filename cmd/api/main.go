package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/tutor-agent/backend/internal/api/handlers"
	"github.com/tutor-agent/backend/internal/cache"
	rediscache "github.com/tutor-agent/backend/internal/cache/redis"
	"github.com/tutor-agent/backend/internal/ebars"
	"github.com/tutor-agent/backend/internal/engine"
	"github.com/tutor-agent/backend/internal/fusion"
	kbneo4j "github.com/tutor-agent/backend/internal/kb/neo4j"
	"github.com/tutor-agent/backend/internal/llm"
	"github.com/tutor-agent/backend/internal/metrics"
	"github.com/tutor-agent/backend/internal/middleware/ratelimit"
	"github.com/tutor-agent/backend/internal/middleware/security"
	"github.com/tutor-agent/backend/internal/middleware/validation"
	"github.com/tutor-agent/backend/internal/qa"
	"github.com/tutor-agent/backend/internal/retrieval"
	"github.com/tutor-agent/backend/internal/storage/sqlite"
	"github.com/tutor-agent/backend/internal/topics"
	"github.com/tutor-agent/backend/internal/vector/milvus"
	"github.com/tutor-agent/backend/pkg/config"
	appLogger "github.com/tutor-agent/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting tutor agent API server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	catalog, err := sqliteClient.ListTopics(context.Background())
	if err != nil {
		appLogger.Fatal("Failed to load topic catalog", zap.Error(err))
	}
	appLogger.Info("Topic catalog loaded", zap.Int("topics", len(catalog)))

	neo4jClient, err := kbneo4j.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	milvusClient, err := milvus.NewClient(cfg.Milvus.Endpoint, cfg.Milvus.CollectionName, cfg.Milvus.VectorDim)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.EnsureCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to ensure chunk collection", zap.Error(err))
	}

	llmClient := llm.NewClient(llm.Config{
		APIKey:          cfg.LLM.APIKey,
		ClassifierModel: cfg.LLM.ClassifierModel,
		EmbeddingModel:  cfg.LLM.EmbeddingModel,
		Temperature:     cfg.LLM.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
		TimeoutSec:      cfg.LLM.TimeoutSec,
	})

	var store cache.Store
	if cfg.Redis.Enabled {
		redisClient, err := rediscache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		store = redisClient
	} else {
		appLogger.Warn("Redis disabled, using in-process cache")
		store = cache.NewMemory()
	}

	classifier := topics.NewClassifier(topics.Config{
		KeywordThreshold:  cfg.Topics.KeywordThreshold,
		MaxTopics:         cfg.Topics.MaxTopics,
		ClassifierTimeout: time.Duration(cfg.Topics.ClassifierTimeoutSec) * time.Second,
		ClassifierVersion: cfg.LLM.ClassifierVersion,
		CacheTTL:          time.Duration(cfg.Cache.ClassificationTTLHours) * time.Hour,
	}, llmClient, store, catalog)

	matcher, err := qa.NewMatcher(qa.Config{
		InclusionThreshold:    cfg.QA.InclusionThreshold,
		DirectAnswerThreshold: cfg.QA.DirectAnswerThreshold,
		MaxCandidates:         cfg.QA.MaxCandidates,
		CacheTTL:              time.Duration(cfg.Cache.SimilarityTTLHours) * time.Hour,
	}, llmClient, sqliteClient, store)
	if err != nil {
		appLogger.Fatal("Failed to create QA matcher", zap.Error(err))
	}

	retriever := retrieval.NewRetriever(retrieval.Config{
		ChunkTopK:       cfg.Retrieval.ChunkTopK,
		ChunkTimeout:    time.Duration(cfg.Retrieval.ChunkTimeoutSec) * time.Second,
		KBTimeout:       time.Duration(cfg.Retrieval.KBTimeoutSec) * time.Second,
		QATimeout:       time.Duration(cfg.Retrieval.QATimeoutSec) * time.Second,
		TitleBoost:      cfg.Retrieval.TitleBoost,
		ContentBoost:    cfg.Retrieval.ContentBoost,
		NegationPenalty: cfg.Retrieval.NegationPenalty,
	}, llmClient, milvusClient, neo4jClient, matcher)

	scorer := fusion.NewCACS(fusion.Weights{
		Base:            cfg.Fusion.CACS.BaseWeight,
		Personal:        cfg.Fusion.CACS.PersonalWeight,
		Global:          cfg.Fusion.CACS.GlobalWeight,
		Context:         cfg.Fusion.CACS.ContextWeight,
		OffTopicContext: cfg.Fusion.CACS.OffTopicContext,
	})

	fuser, err := fusion.NewFuser(fusion.Config{
		Strategy:     cfg.Fusion.Strategy,
		ChunkWeight:  cfg.Fusion.ChunkWeight,
		KBWeight:     cfg.Fusion.KBWeight,
		QAWeight:     cfg.Fusion.QAWeight,
		MaxKBEntries: cfg.Fusion.MaxKBEntries,
		MaxQAMatches: cfg.Fusion.MaxQAMatches,
		QAFloor:      cfg.Fusion.QAFloor,
		RRFK:         cfg.Fusion.RRFK,
		MinScore:     cfg.Fusion.MinScore,
	}, scorer)
	if err != nil {
		appLogger.Fatal("Failed to create result fuser", zap.Error(err))
	}

	builder := fusion.NewContextBuilder(cfg.Fusion.ContextChars)

	controller, err := ebars.NewController(ebars.Config{
		ConfusedDelta:   cfg.EBARS.ConfusedDelta,
		StrugglingDelta: cfg.EBARS.StrugglingDelta,
		OkayDelta:       cfg.EBARS.OkayDelta,
		ConfidentDelta:  cfg.EBARS.ConfidentDelta,
		UpThresholds:    cfg.EBARS.UpThresholds,
		DownThresholds:  cfg.EBARS.DownThresholds,
		WindowSize:      cfg.EBARS.WindowSize,
		InitialScore:    cfg.EBARS.InitialScore,
	}, sqliteClient)
	if err != nil {
		appLogger.Fatal("Failed to create difficulty controller", zap.Error(err))
	}

	eng := engine.NewEngine(classifier, retriever, matcher, fuser, builder, controller, sqliteClient)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Learner-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	}))
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{}))

	queryHandler := handlers.NewQueryHandler(eng)
	feedbackHandler := handlers.NewFeedbackHandler(eng)
	learnerHandler := handlers.NewLearnerHandler(eng)
	wsHandler := handlers.NewWebSocketHandler(eng)

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)
	api.Get("/query/history", queryHandler.GetQueryHistory)
	api.Post("/feedback", feedbackHandler.HandleFeedback)
	api.Get("/learners/:id/state", learnerHandler.GetState)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if _, err := sqliteClient.ListTopics(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/learn", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
