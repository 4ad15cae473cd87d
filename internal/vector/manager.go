package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/embedding"
	"github.com/loomi/story-rag/internal/events"
	"github.com/loomi/story-rag/internal/metrics"
	"github.com/loomi/story-rag/internal/story"
	"github.com/loomi/story-rag/internal/tracing"
	"github.com/loomi/story-rag/pkg/circuitbreaker"
	"github.com/loomi/story-rag/pkg/logger"
	"github.com/loomi/story-rag/pkg/retry"
)

// GraphSink mirrors indexed story metadata somewhere else, normally the
// story graph.
type GraphSink interface {
	SyncStories(ctx context.Context, collection string, docs []story.StoryDocument) error
}

type SearchResult struct {
	DocumentID string            `json:"document_id"`
	Document   string            `json:"document"`
	Metadata   map[string]string `json:"metadata"`
	Distance   float64           `json:"distance"`
}

type CollectionStats struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type ManagerConfig struct {
	BatchSize    int
	QueryTimeout time.Duration
	WriteTimeout time.Duration
	// Retry overrides the backoff used for backend calls; zero fields take
	// the retry package defaults.
	Retry     retry.Config
	Graph     GraphSink
	Publisher events.Publisher
}

// Manager owns the named collections: it embeds documents, writes them to
// the backend and answers nearest-neighbour queries.
type Manager struct {
	backend      Backend
	embedder     embedding.Embedder
	graph        GraphSink
	publisher    events.Publisher
	batchSize    int
	queryTimeout time.Duration
	writeTimeout time.Duration
	cb           *circuitbreaker.CircuitBreaker
	retryConfig  retry.Config
}

func NewManager(backend Backend, embedder embedding.Embedder, cfg ManagerConfig) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Minute
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NopPublisher{}
	}

	retryConfig := cfg.Retry
	if retryConfig.Name == "" {
		retryConfig.Name = "vector"
	}
	if retryConfig.InitialDelay == 0 {
		retryConfig.InitialDelay = 200 * time.Millisecond
	}
	if retryConfig.MaxDelay == 0 {
		retryConfig.MaxDelay = 3 * time.Second
	}
	if retryConfig.JitterFraction == 0 {
		retryConfig.JitterFraction = 0.1
	}
	if retryConfig.Logger == nil {
		retryConfig.Logger = logger.GetLogger()
	}

	return &Manager{
		backend:      backend,
		embedder:     embedder,
		graph:        cfg.Graph,
		publisher:    cfg.Publisher,
		batchSize:    cfg.BatchSize,
		queryTimeout: cfg.QueryTimeout,
		writeTimeout: cfg.WriteTimeout,
		cb: circuitbreaker.NewCircuitBreaker("vector", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          20 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			IsFailure:        func(err error) bool { return !errors.Is(err, ErrCollectionNotFound) },
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retryConfig,
	}
}

// execute runs one backend call under the breaker with retries and a
// per-call timeout. A missing collection is never retried.
func (m *Manager) execute(ctx context.Context, timeout time.Duration, operation func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return m.cb.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			err := operation(ctx)
			if errors.Is(err, ErrCollectionNotFound) {
				return retry.Permanent(err)
			}
			return err
		})
	})
}

// IndexCollection embeds and upserts docs into collection. Malformed
// documents and documents whose embedding fails are skipped. It reports
// whether at least one document was written and returns an error only when
// the backend rejects the write.
func (m *Manager) IndexCollection(ctx context.Context, docs []story.StoryDocument, collection string) (bool, error) {
	if len(docs) == 0 {
		logger.Warn("No documents to index", zap.String("collection", collection))
		return false, nil
	}

	valid := m.prepare(docs, collection)
	if len(valid) == 0 {
		logger.Warn("Every document was skipped", zap.String("collection", collection), zap.Int("input", len(docs)))
		return false, nil
	}

	records := make([]Record, 0, len(valid))
	indexed := make([]story.StoryDocument, 0, len(valid))

	for start := 0; start < len(valid); start += m.batchSize {
		end := min(start+m.batchSize, len(valid))
		batch := valid[start:end]

		vectors := m.embedBatch(ctx, batch, collection)
		for i, doc := range batch {
			if vectors[i] == nil {
				continue
			}
			records = append(records, Record{
				ID:       doc.ID,
				Vector:   Normalize(vectors[i]),
				Document: doc.Content,
				Metadata: doc.Metadata(),
			})
			indexed = append(indexed, doc)
		}
	}

	if len(records) == 0 {
		logger.Warn("No documents embedded", zap.String("collection", collection))
		return false, nil
	}

	err := m.execute(ctx, m.writeTimeout, func(ctx context.Context) error {
		return m.backend.Upsert(ctx, collection, records)
	})
	if err != nil {
		return false, fmt.Errorf("failed to index collection %s: %w", collection, err)
	}

	metrics.DocumentsIndexed.WithLabelValues(collection).Add(float64(len(records)))

	logger.Info("Collection indexed",
		zap.String("collection", collection),
		zap.Int("indexed", len(records)),
		zap.Int("skipped", len(docs)-len(records)),
	)

	if m.graph != nil {
		if err := m.graph.SyncStories(ctx, collection, indexed); err != nil {
			logger.Warn("Failed to sync stories to graph", zap.String("collection", collection), zap.Error(err))
		}
	}

	event := events.New(events.TypeCollectionIndexed, map[string]any{
		"collection": collection,
		"indexed":    len(records),
		"skipped":    len(docs) - len(records),
	})
	if err := m.publisher.Publish(ctx, event); err != nil {
		logger.Warn("Failed to publish index event", zap.String("collection", collection), zap.Error(err))
	}

	return true, nil
}

// prepare normalizes and validates docs, dropping invalid ones. A repeated
// id keeps the last version at the position of the first.
func (m *Manager) prepare(docs []story.StoryDocument, collection string) []story.StoryDocument {
	out := make([]story.StoryDocument, 0, len(docs))
	pos := make(map[string]int, len(docs))

	for _, doc := range docs {
		doc.Normalize()
		if doc.Collection == "" {
			doc.Collection = collection
		}
		if err := doc.Validate(); err != nil {
			metrics.DocumentsSkipped.WithLabelValues(collection, "invalid").Inc()
			logger.Warn("Skipping malformed document",
				zap.String("collection", collection),
				zap.String("doc_id", doc.ID),
				zap.Error(err),
			)
			continue
		}
		if i, ok := pos[doc.ID]; ok {
			out[i] = doc
			continue
		}
		pos[doc.ID] = len(out)
		out = append(out, doc)
	}

	return out
}

// embedBatch embeds a batch, retrying document by document when the batch
// call fails. Failed documents come back as nil vectors.
func (m *Manager) embedBatch(ctx context.Context, batch []story.StoryDocument, collection string) [][]float32 {
	texts := make([]string, len(batch))
	for i, doc := range batch {
		texts[i] = doc.EmbeddingText()
	}

	vectors, err := m.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(vectors) == len(texts) {
		return vectors
	}

	logger.Warn("Batch embedding failed, embedding documents individually",
		zap.String("collection", collection),
		zap.Int("batch", len(texts)),
		zap.Error(err),
	)

	vectors = make([][]float32, len(texts))
	for i, text := range texts {
		v, err := m.embedder.Embed(ctx, text)
		if err != nil {
			metrics.DocumentsSkipped.WithLabelValues(collection, "embedding").Inc()
			logger.Warn("Skipping document after embedding failure",
				zap.String("collection", collection),
				zap.String("doc_id", batch[i].ID),
				zap.Error(err),
			)
			continue
		}
		vectors[i] = v
	}
	return vectors
}

// SearchSimilar returns up to n documents ordered by ascending distance. A
// missing collection yields an empty result.
func (m *Manager) SearchSimilar(ctx context.Context, query, collection string, n int) (results []SearchResult, err error) {
	if n <= 0 {
		return nil, fmt.Errorf("n results must be positive, got %d", n)
	}

	ctx, span := tracing.Start(ctx, "vector.search",
		attribute.String("collection", collection),
		attribute.Int("n_results", n),
	)
	defer func() {
		span.SetAttributes(attribute.Int("results", len(results)))
		tracing.End(span, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	q, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var hits []Hit
	err = m.execute(ctx, m.queryTimeout, func(ctx context.Context) error {
		var err error
		hits, err = m.backend.Query(ctx, collection, Normalize(q), n)
		return err
	})
	if errors.Is(err, ErrCollectionNotFound) {
		logger.Debug("Search on missing collection", zap.String("collection", collection))
		return []SearchResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > n {
		hits = hits[:n]
	}

	results = make([]SearchResult, len(hits))
	for i, h := range hits {
		results[i] = SearchResult{
			DocumentID: h.ID,
			Document:   h.Document,
			Metadata:   h.Metadata,
			Distance:   h.Distance,
		}
	}

	logger.Debug("Vector search completed",
		zap.String("collection", collection),
		zap.Int("n_results", n),
		zap.Int("results", len(results)),
	)

	return results, nil
}

func (m *Manager) GetCollectionStats(ctx context.Context, collection string) (CollectionStats, error) {
	var count int
	err := m.execute(ctx, m.queryTimeout, func(ctx context.Context) error {
		var err error
		count, err = m.backend.Count(ctx, collection)
		return err
	})
	if errors.Is(err, ErrCollectionNotFound) {
		return CollectionStats{Name: collection}, nil
	}
	if err != nil {
		return CollectionStats{Name: collection}, fmt.Errorf("failed to count collection %s: %w", collection, err)
	}
	return CollectionStats{Name: collection, Count: count}, nil
}

func (m *Manager) ListCollections(ctx context.Context) ([]CollectionStats, error) {
	var names []string
	err := m.execute(ctx, m.queryTimeout, func(ctx context.Context) error {
		var err error
		names, err = m.backend.Collections(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	sort.Strings(names)

	out := make([]CollectionStats, 0, len(names))
	for _, name := range names {
		stats, err := m.GetCollectionStats(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

func (m *Manager) Close() error {
	return m.backend.Close()
}
