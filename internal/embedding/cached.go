package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/metrics"
	"github.com/loomi/story-rag/pkg/logger"
	"github.com/loomi/story-rag/pkg/utils"
)

// RemoteCache is the shared second cache layer, normally Redis.
type RemoteCache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder is a read-through cache in front of another Embedder: an
// in-process go-cache layer first, then an optional remote layer.
type CachedEmbedder struct {
	inner  Embedder
	local  *cache.Cache
	remote RemoteCache
	ttl    time.Duration
}

func NewCachedEmbedder(inner Embedder, remote RemoteCache, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedEmbedder{
		inner:  inner,
		local:  cache.New(ttl, 2*ttl),
		remote: remote,
		ttl:    ttl,
	}
}

func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

func (c *CachedEmbedder) Model() string { return c.inner.Model() }

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		key := c.key(text)
		if v, ok := c.lookup(ctx, key); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(missTexts))
	}

	for j, idx := range missIdx {
		out[idx] = vectors[j]
		c.store(ctx, c.key(missTexts[j]), vectors[j])
	}

	return out, nil
}

func (c *CachedEmbedder) key(text string) string {
	return c.inner.Model() + ":" + utils.HashString(text)
}

func (c *CachedEmbedder) lookup(ctx context.Context, key string) ([]float32, bool) {
	if v, ok := c.local.Get(key); ok {
		metrics.CacheHits.WithLabelValues("embedding_local").Inc()
		return v.([]float32), true
	}
	metrics.CacheMisses.WithLabelValues("embedding_local").Inc()

	if c.remote == nil {
		return nil, false
	}

	v, ok, err := c.remote.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Remote embedding cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues("embedding_remote").Inc()
		return nil, false
	}

	metrics.CacheHits.WithLabelValues("embedding_remote").Inc()
	c.local.Set(key, v, cache.DefaultExpiration)
	return v, true
}

func (c *CachedEmbedder) store(ctx context.Context, key string, v []float32) {
	c.local.Set(key, v, cache.DefaultExpiration)
	if c.remote == nil {
		return
	}
	if err := c.remote.SetEmbedding(ctx, key, v, c.ttl); err != nil {
		logger.Warn("Remote embedding cache store failed", zap.String("key", key), zap.Error(err))
	}
}
