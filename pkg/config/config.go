package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Neo4j     Neo4jConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Topics    TopicsConfig
	Retrieval RetrievalConfig
	QA        QAConfig
	Fusion    FusionConfig
	EBARS     EBARSConfig
	Cache     CacheConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	APIKey            string
	ClassifierModel   string
	EmbeddingModel    string
	Temperature       float32
	MaxTokens         int
	TimeoutSec        int
	EmbeddingDim      int
	ClassifierVersion string
}

type TopicsConfig struct {
	KeywordThreshold     float64
	MaxTopics            int
	ClassifierTimeoutSec int
}

type RetrievalConfig struct {
	ChunkTopK       int
	ChunkTimeoutSec int
	KBTimeoutSec    int
	QATimeoutSec    int
	TitleBoost      float64
	ContentBoost    float64
	NegationPenalty float64
}

type QAConfig struct {
	InclusionThreshold    float64
	DirectAnswerThreshold float64
	MaxCandidates         int
}

type FusionConfig struct {
	Strategy     string
	ChunkWeight  float64
	KBWeight     float64
	QAWeight     float64
	MaxKBEntries int
	MaxQAMatches int
	QAFloor      float64
	RRFK         int
	MinScore     float64
	CACS         CACSConfig
	ContextChars int
}

type CACSConfig struct {
	BaseWeight      float64
	PersonalWeight  float64
	GlobalWeight    float64
	ContextWeight   float64
	OffTopicContext float64
}

type EBARSConfig struct {
	ConfusedDelta   float64
	StrugglingDelta float64
	OkayDelta       float64
	ConfidentDelta  float64
	UpThresholds    []float64
	DownThresholds  []float64
	WindowSize      int
	InitialScore    float64
}

type CacheConfig struct {
	ClassificationTTLHours int
	SimilarityTTLHours     int
	EmbeddingTTLHours      int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/tutor-agent")

	viper.SetEnvPrefix("TUTOR_AGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(cfg *Config) error {
	if cfg.QA.DirectAnswerThreshold <= cfg.QA.InclusionThreshold {
		return fmt.Errorf("qa.directAnswerThreshold (%.2f) must be strictly greater than qa.inclusionThreshold (%.2f)",
			cfg.QA.DirectAnswerThreshold, cfg.QA.InclusionThreshold)
	}

	c := cfg.Fusion.CACS
	sum := c.BaseWeight + c.PersonalWeight + c.GlobalWeight + c.ContextWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("fusion.cacs weights must sum to 1, got %.3f", sum)
	}
	if c.OffTopicContext < 0 || c.OffTopicContext > 1 {
		return fmt.Errorf("fusion.cacs.offTopicContext must be in [0,1], got %.3f", c.OffTopicContext)
	}

	if len(cfg.EBARS.UpThresholds) != 4 || len(cfg.EBARS.DownThresholds) != 4 {
		return fmt.Errorf("ebars requires 4 up and 4 down thresholds for 5 difficulty levels")
	}
	for i := range cfg.EBARS.UpThresholds {
		if cfg.EBARS.UpThresholds[i] <= cfg.EBARS.DownThresholds[i] {
			return fmt.Errorf("ebars.upThresholds[%d] must exceed ebars.downThresholds[%d]", i, i)
		}
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 1048576)

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "lesson_chunks")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("sqlite.path", "./data/tutor.db")

	viper.SetDefault("redis.enabled", true)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.classifierModel", "gpt-4o-mini")
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.maxTokens", 512)
	viper.SetDefault("llm.timeoutSec", 10)
	viper.SetDefault("llm.embeddingDim", 1536)
	viper.SetDefault("llm.classifierVersion", "v1")

	viper.SetDefault("topics.keywordThreshold", 0.7)
	viper.SetDefault("topics.maxTopics", 3)
	viper.SetDefault("topics.classifierTimeoutSec", 10)

	viper.SetDefault("retrieval.chunkTopK", 10)
	viper.SetDefault("retrieval.chunkTimeoutSec", 5)
	viper.SetDefault("retrieval.kbTimeoutSec", 3)
	viper.SetDefault("retrieval.qaTimeoutSec", 8)
	viper.SetDefault("retrieval.titleBoost", 0.3)
	viper.SetDefault("retrieval.contentBoost", 0.2)
	viper.SetDefault("retrieval.negationPenalty", 0.2)

	viper.SetDefault("qa.inclusionThreshold", 0.75)
	viper.SetDefault("qa.directAnswerThreshold", 0.90)
	viper.SetDefault("qa.maxCandidates", 50)

	viper.SetDefault("fusion.strategy", "weighted")
	viper.SetDefault("fusion.chunkWeight", 0.4)
	viper.SetDefault("fusion.kbWeight", 0.3)
	viper.SetDefault("fusion.qaWeight", 0.3)
	viper.SetDefault("fusion.maxKBEntries", 2)
	viper.SetDefault("fusion.maxQAMatches", 3)
	viper.SetDefault("fusion.qaFloor", 0.85)
	viper.SetDefault("fusion.rrfK", 60)
	viper.SetDefault("fusion.minScore", 0.1)
	viper.SetDefault("fusion.contextChars", 6000)
	viper.SetDefault("fusion.cacs.baseWeight", 0.4)
	viper.SetDefault("fusion.cacs.personalWeight", 0.3)
	viper.SetDefault("fusion.cacs.globalWeight", 0.2)
	viper.SetDefault("fusion.cacs.contextWeight", 0.1)
	viper.SetDefault("fusion.cacs.offTopicContext", 0.3)

	viper.SetDefault("ebars.confusedDelta", -8)
	viper.SetDefault("ebars.strugglingDelta", -4)
	viper.SetDefault("ebars.okayDelta", 3)
	viper.SetDefault("ebars.confidentDelta", 6)
	viper.SetDefault("ebars.upThresholds", []float64{25, 45, 65, 85})
	viper.SetDefault("ebars.downThresholds", []float64{15, 35, 55, 75})
	viper.SetDefault("ebars.windowSize", 20)
	viper.SetDefault("ebars.initialScore", 50)

	viper.SetDefault("cache.classificationTTLHours", 72)
	viper.SetDefault("cache.similarityTTLHours", 336)
	viper.SetDefault("cache.embeddingTTLHours", 720)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
