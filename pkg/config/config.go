package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Vector    VectorConfig
	SQLite    SQLiteConfig
	Milvus    MilvusConfig
	Qdrant    QdrantConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Graph     GraphConfig
	Retrieval RetrievalConfig
	Research  ResearchConfig
	Events    EventsConfig
	Tracing   TracingConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host                 string
	Port                 int
	ReadTimeout          int
	WriteTimeout         int
	BodyLimit            int
	MaxRequestsPerMinute int
	AllowedOrigins       []string
	Development          bool
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	SystemPrompt   string
}

type EmbeddingConfig struct {
	Provider    string
	Dimension   int
	CacheTTLSec int
}

type VectorConfig struct {
	Backend           string
	DefaultCollection string
	QueryTimeoutSec   int
}

type SQLiteConfig struct {
	Path string
}

type MilvusConfig struct {
	Endpoint string
	APIKey   string
}

type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

type PostgresConfig struct {
	DSN string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type GraphConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type RetrievalConfig struct {
	Collections []string
	NResults    int
	TimeoutSec  int
	CacheTTLSec int
}

type ResearchConfig struct {
	OutputDir         string
	SessionLogEnabled bool
}

type EventsConfig struct {
	Enabled bool
	NatsURL string
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c RetrievalConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c VectorConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSec) * time.Second
}

func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom reads configuration into the given viper instance so tests can
// run against isolated settings.
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/story-rag")

	v.SetEnvPrefix("STORY_RAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	switch c.Vector.Backend {
	case "memory", "sqlite", "milvus", "qdrant", "pgvector":
	default:
		return fmt.Errorf("unsupported vector backend %q", c.Vector.Backend)
	}

	switch c.LLM.Provider {
	case "openai", "anthropic", "gemini":
	default:
		return fmt.Errorf("unsupported llm provider %q", c.LLM.Provider)
	}

	switch c.Embedding.Provider {
	case "openai", "gemini", "hash":
	default:
		return fmt.Errorf("unsupported embedding provider %q", c.Embedding.Provider)
	}

	if c.Retrieval.NResults <= 0 {
		return fmt.Errorf("retrieval.nResults must be positive, got %d", c.Retrieval.NResults)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.maxRequestsPerMinute", 60)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.development", false)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.maxTokens", 5000)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.systemPrompt", "")

	v.SetDefault("embedding.provider", "hash")
	v.SetDefault("embedding.dimension", 1024)
	v.SetDefault("embedding.cacheTTLSec", 86400)

	v.SetDefault("vector.backend", "sqlite")
	v.SetDefault("vector.defaultCollection", "aesop_fables")
	v.SetDefault("vector.queryTimeoutSec", 10)

	v.SetDefault("sqlite.path", "./data/story_rag.db")

	v.SetDefault("milvus.endpoint", "localhost:19530")

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.useTLS", false)

	v.SetDefault("postgres.dsn", "host=localhost user=postgres password=postgres dbname=story_rag port=5432 sslmode=disable")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("graph.enabled", false)
	v.SetDefault("graph.uri", "bolt://localhost:7687")
	v.SetDefault("graph.username", "neo4j")
	v.SetDefault("graph.password", "password")
	v.SetDefault("graph.database", "neo4j")

	v.SetDefault("retrieval.collections", []string{"aesop_fables", "indian_tales", "animated_movies", "animal_facts"})
	v.SetDefault("retrieval.nResults", 3)
	v.SetDefault("retrieval.timeoutSec", 10)
	v.SetDefault("retrieval.cacheTTLSec", 300)

	v.SetDefault("research.outputDir", "rag_research")
	v.SetDefault("research.sessionLogEnabled", true)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.natsURL", "nats://localhost:4222")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.serviceName", "story-rag")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMB", 10)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.maxAgeDays", 30)
	v.SetDefault("logging.compress", true)
}
