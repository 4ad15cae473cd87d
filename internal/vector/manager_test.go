package vector_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomi/story-rag/internal/embedding"
	"github.com/loomi/story-rag/internal/events"
	"github.com/loomi/story-rag/internal/story"
	"github.com/loomi/story-rag/internal/vector"
	"github.com/loomi/story-rag/internal/vector/memory"
	"github.com/loomi/story-rag/internal/vector/sqlitestore"
	"github.com/loomi/story-rag/pkg/retry"
)

func fables() []story.StoryDocument {
	return []story.StoryDocument{
		{ID: "f1", Title: "The Brave Lion", Content: "A lion faced the storm with courage and protected the pride.", Themes: []string{"courage"}, Characters: []string{"lion"}, AgeGroup: "3-7"},
		{ID: "f2", Title: "The Little Mouse", Content: "A small mouse found courage to help a friend in need with kindness.", Themes: []string{"courage", "kindness"}, Characters: []string{"mouse"}, AgeGroup: "3-7"},
		{ID: "f3", Title: "The Fox Who Told the Truth", Content: "A fox admitted eating the grapes and the farmer forgave him.", Themes: []string{"honesty"}, Characters: []string{"fox"}, AgeGroup: "7-12"},
	}
}

type backendCase struct {
	name string
	open func(t *testing.T) vector.Backend
}

func backends() []backendCase {
	return []backendCase{
		{name: "memory", open: func(t *testing.T) vector.Backend { return memory.New() }},
		{name: "sqlite", open: func(t *testing.T) vector.Backend {
			s, err := sqlitestore.Open(context.Background(), filepath.Join(t.TempDir(), "vectors.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func newManager(t *testing.T, b vector.Backend, cfg vector.ManagerConfig) *vector.Manager {
	t.Helper()
	return vector.NewManager(b, embedding.NewHashEmbedder(embedding.DefaultHashDimension), cfg)
}

func TestIndexCollectionIsIdempotent(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			m := newManager(t, bc.open(t), vector.ManagerConfig{})

			ok, err := m.IndexCollection(ctx, fables(), "aesop_fables")
			require.NoError(t, err)
			require.True(t, ok)

			first, err := m.SearchSimilar(ctx, "brave lion", "aesop_fables", 3)
			require.NoError(t, err)

			ok, err = m.IndexCollection(ctx, fables(), "aesop_fables")
			require.NoError(t, err)
			require.True(t, ok)

			stats, err := m.GetCollectionStats(ctx, "aesop_fables")
			require.NoError(t, err)
			assert.Equal(t, vector.CollectionStats{Name: "aesop_fables", Count: 3}, stats)

			second, err := m.SearchSimilar(ctx, "brave lion", "aesop_fables", 3)
			require.NoError(t, err)
			assert.Equal(t, first, second)
		})
	}
}

func TestSearchSimilarOrdersByDistance(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			m := newManager(t, bc.open(t), vector.ManagerConfig{})
			_, err := m.IndexCollection(ctx, fables(), "aesop_fables")
			require.NoError(t, err)

			for _, q := range []string{"courage", "a fox and grapes", "kindness to friends", "zebra"} {
				results, err := m.SearchSimilar(ctx, q, "aesop_fables", 10)
				require.NoError(t, err)
				assert.Len(t, results, 3)
				for i := 1; i < len(results); i++ {
					assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
				}
			}

			top, err := m.SearchSimilar(ctx, "a fox and grapes", "aesop_fables", 1)
			require.NoError(t, err)
			require.Len(t, top, 1)
			assert.Equal(t, "f3", top[0].DocumentID)
			assert.Equal(t, "The Fox Who Told the Truth", top[0].Metadata["title"])
		})
	}
}

func TestMissingCollectionIsEmpty(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			m := newManager(t, bc.open(t), vector.ManagerConfig{})

			results, err := m.SearchSimilar(ctx, "anything", "indian_tales", 3)
			require.NoError(t, err)
			assert.Empty(t, results)

			stats, err := m.GetCollectionStats(ctx, "indian_tales")
			require.NoError(t, err)
			assert.Zero(t, stats.Count)
		})
	}
}

func TestSearchSimilarRejectsNonPositiveN(t *testing.T) {
	m := newManager(t, memory.New(), vector.ManagerConfig{})
	_, err := m.SearchSimilar(context.Background(), "q", "aesop_fables", 0)
	assert.Error(t, err)
}

func TestIndexCollectionSkipsMalformedDocuments(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, memory.New(), vector.ManagerConfig{})

	docs := append(fables(), story.StoryDocument{ID: "bad", Title: "No content"})
	ok, err := m.IndexCollection(ctx, docs, "aesop_fables")
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err := m.GetCollectionStats(ctx, "aesop_fables")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)

	ok, err = m.IndexCollection(ctx, []story.StoryDocument{{ID: "bad"}}, "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.IndexCollection(ctx, nil, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingEmbedder struct {
	*embedding.HashEmbedder
	failOn string
}

func (f failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == f.failOn {
		return nil, errors.New("model unavailable")
	}
	return f.HashEmbedder.Embed(ctx, text)
}

func (f failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if t == f.failOn {
			return nil, errors.New("model unavailable")
		}
	}
	return f.HashEmbedder.EmbedBatch(ctx, texts)
}

func TestIndexCollectionSkipsDocumentsThatFailToEmbed(t *testing.T) {
	ctx := context.Background()
	docs := fables()
	for i := range docs {
		docs[i].Normalize()
	}

	e := failingEmbedder{HashEmbedder: embedding.NewHashEmbedder(128), failOn: docs[1].EmbeddingText()}
	m := vector.NewManager(memory.New(), e, vector.ManagerConfig{})

	ok, err := m.IndexCollection(ctx, docs, "aesop_fables")
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err := m.GetCollectionStats(ctx, "aesop_fables")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
}

type brokenBackend struct{ vector.Backend }

func (brokenBackend) Upsert(context.Context, string, []vector.Record) error {
	return errors.New("disk full")
}

func TestIndexCollectionReturnsBackendErrors(t *testing.T) {
	m := newManager(t, brokenBackend{Backend: memory.New()}, fastRetry())

	ok, err := m.IndexCollection(context.Background(), fables(), "aesop_fables")

	assert.False(t, ok)
	assert.Error(t, err)
}

// flakyBackend fails the first call of each operation, then delegates.
type flakyBackend struct {
	vector.Backend
	mu      sync.Mutex
	calls   map[string]int
	missing bool
}

func (f *flakyBackend) fail(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	return f.calls[op] == 1
}

func (f *flakyBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flakyBackend) Upsert(ctx context.Context, collection string, records []vector.Record) error {
	if f.fail("upsert") {
		return errors.New("connection reset")
	}
	return f.Backend.Upsert(ctx, collection, records)
}

func (f *flakyBackend) Query(ctx context.Context, collection string, v []float32, k int) ([]vector.Hit, error) {
	if f.missing {
		f.fail("query")
		return nil, vector.ErrCollectionNotFound
	}
	if f.fail("query") {
		return nil, errors.New("unavailable")
	}
	return f.Backend.Query(ctx, collection, v, k)
}

func fastRetry() vector.ManagerConfig {
	return vector.ManagerConfig{Retry: retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}}
}

func TestManagerRetriesTransientBackendErrors(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{Backend: memory.New()}
	m := newManager(t, backend, fastRetry())

	ok, err := m.IndexCollection(ctx, fables(), "aesop_fables")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, backend.count("upsert"))

	results, err := m.SearchSimilar(ctx, "courage", "aesop_fables", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 2, backend.count("query"))
}

func TestManagerDoesNotRetryMissingCollection(t *testing.T) {
	backend := &flakyBackend{Backend: memory.New(), missing: true}
	m := newManager(t, backend, fastRetry())

	results, err := m.SearchSimilar(context.Background(), "courage", "nowhere", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, backend.count("query"))
}

type recordingSink struct {
	mu   sync.Mutex
	docs []story.StoryDocument
}

func (r *recordingSink) SyncStories(_ context.Context, _ string, docs []story.StoryDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, docs...)
	return nil
}

type recordingPublisher struct {
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.events = append(r.events, e)
	return nil
}

func TestIndexCollectionNotifiesGraphAndPublisher(t *testing.T) {
	sink := &recordingSink{}
	pub := &recordingPublisher{}
	m := newManager(t, memory.New(), vector.ManagerConfig{Graph: sink, Publisher: pub})

	_, err := m.IndexCollection(context.Background(), fables(), "aesop_fables")
	require.NoError(t, err)

	assert.Len(t, sink.docs, 3)
	assert.Equal(t, "aesop_fables", sink.docs[0].Collection)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "events.collection.indexed", pub.events[0].Subject())
	assert.Equal(t, 3, pub.events[0].Data["indexed"])
}

func TestListCollections(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, memory.New(), vector.ManagerConfig{})
	_, err := m.IndexCollection(ctx, fables()[:2], "indian_tales")
	require.NoError(t, err)
	_, err = m.IndexCollection(ctx, fables(), "aesop_fables")
	require.NoError(t, err)

	stats, err := m.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []vector.CollectionStats{{Name: "aesop_fables", Count: 3}, {Name: "indian_tales", Count: 2}}, stats)
}
