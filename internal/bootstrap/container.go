package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/cache/redis"
	"github.com/loomi/story-rag/internal/embedding"
	"github.com/loomi/story-rag/internal/events"
	"github.com/loomi/story-rag/internal/graph"
	"github.com/loomi/story-rag/internal/llm"
	"github.com/loomi/story-rag/internal/storage/sqlite"
	"github.com/loomi/story-rag/internal/vector"
	"github.com/loomi/story-rag/internal/vector/memory"
	"github.com/loomi/story-rag/internal/vector/milvus"
	"github.com/loomi/story-rag/internal/vector/pgstore"
	"github.com/loomi/story-rag/internal/vector/qdrant"
	"github.com/loomi/story-rag/internal/vector/sqlitestore"
	"github.com/loomi/story-rag/pkg/config"
	"github.com/loomi/story-rag/pkg/logger"
)

// Container holds the storage side shared by the API server and the
// indexer. Optional services are nil when disabled.
type Container struct {
	Config    *config.Config
	Manager   *vector.Manager
	SQLite    *sqlite.Client
	Redis     *redis.Client
	Graph     *graph.Client
	Publisher events.Publisher

	closers []func() error
}

// New connects every configured backend. On error whatever was already
// opened is closed again.
func New(ctx context.Context, cfg *config.Config) (c *Container, err error) {
	c = &Container{Config: cfg, Publisher: events.NopPublisher{}}
	defer func() {
		if err != nil {
			c.Close()
			c = nil
		}
	}()

	if cfg.Vector.Backend == "sqlite" || cfg.Research.SessionLogEnabled {
		client, err := sqlite.NewClient(cfg.SQLite.Path)
		if err != nil {
			return c, err
		}
		c.add(client.Close)
		if err := client.InitSchema(ctx); err != nil {
			return c, err
		}
		c.SQLite = client
	}

	if cfg.Redis.Enabled {
		client, err := redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return c, fmt.Errorf("failed to connect to redis: %w", err)
		}
		c.add(client.Close)
		c.Redis = client
	}

	if cfg.Graph.Enabled {
		client, err := graph.NewClient(ctx, cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password, cfg.Graph.Database)
		if err != nil {
			return c, fmt.Errorf("failed to connect to story graph: %w", err)
		}
		c.add(func() error { return client.Close(context.Background()) })
		c.Graph = client
	}

	if cfg.Events.Enabled {
		publisher, err := events.NewNATSPublisher(ctx, cfg.Events.NatsURL)
		if err != nil {
			return c, err
		}
		c.add(func() error { publisher.Close(); return nil })
		c.Publisher = publisher
	}

	embedder, err := c.embedder(ctx)
	if err != nil {
		return c, err
	}

	backend, err := c.backend(ctx, embedder.Dimension())
	if err != nil {
		return c, err
	}

	managerCfg := vector.ManagerConfig{
		QueryTimeout: cfg.Vector.QueryTimeout(),
		Publisher:    c.Publisher,
	}
	if c.Graph != nil {
		managerCfg.Graph = c.Graph
	}
	c.Manager = vector.NewManager(backend, embedder, managerCfg)
	c.add(c.Manager.Close)

	logger.Info("Storage initialized",
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.String("embedding_model", embedder.Model()),
		zap.Int("dimension", embedder.Dimension()),
		zap.Bool("redis", c.Redis != nil),
		zap.Bool("graph", c.Graph != nil),
		zap.Bool("events", cfg.Events.Enabled),
	)
	return c, nil
}

func (c *Container) embedder(ctx context.Context) (embedding.Embedder, error) {
	cfg := c.Config

	var inner embedding.Embedder
	switch cfg.Embedding.Provider {
	case "hash":
		inner = embedding.NewHashEmbedder(cfg.Embedding.Dimension)
	case "openai":
		inner = embedding.NewLLMEmbedder(llm.NewOpenAIClient(cfg.LLM), cfg.Embedding.Dimension)
	case "gemini":
		client, err := llm.NewGeminiClient(ctx, cfg.LLM)
		if err != nil {
			return nil, err
		}
		c.add(client.Close)
		inner = embedding.NewLLMEmbedder(client, cfg.Embedding.Dimension)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Embedding.Provider)
	}

	ttl := time.Duration(cfg.Embedding.CacheTTLSec) * time.Second
	if c.Redis != nil {
		return embedding.NewCachedEmbedder(inner, c.Redis, ttl), nil
	}
	return embedding.NewCachedEmbedder(inner, nil, ttl), nil
}

func (c *Container) backend(ctx context.Context, dimension int) (vector.Backend, error) {
	cfg := c.Config

	switch cfg.Vector.Backend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlitestore.New(c.SQLite), nil
	case "milvus":
		return milvus.New(ctx, cfg.Milvus.Endpoint, cfg.Milvus.APIKey, dimension)
	case "qdrant":
		return qdrant.New(qdrant.Config{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			APIKey: cfg.Qdrant.APIKey,
			UseTLS: cfg.Qdrant.UseTLS,
		}, dimension)
	case "pgvector":
		return pgstore.Open(ctx, cfg.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unsupported vector backend %q", cfg.Vector.Backend)
	}
}

func (c *Container) add(closer func() error) {
	c.closers = append(c.closers, closer)
}

// Close releases connections in reverse order of opening.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
	c.closers = nil
}
