package embedding

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestHashEmbedderIsDeterministicAndUnitLength(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()

	a, err := e.Embed(ctx, "The brave lion showed courage")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "The brave lion showed courage")
	require.NoError(t, err)

	assert.Len(t, a, 256)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, norm(a), 1e-5)
}

func TestHashEmbedderRanksSharedVocabularyHigher(t *testing.T) {
	e := NewHashEmbedder(DefaultHashDimension)
	ctx := context.Background()

	vs, err := e.EmbedBatch(ctx, []string{
		"courage bravery lion",
		"a lion with great courage",
		"honest woodcutter axe river",
	})
	require.NoError(t, err)

	assert.Greater(t, dot(vs[0], vs[1]), dot(vs[0], vs[2]))
}

func TestHashEmbedderStopwordsOnlyGivesZeroVector(t *testing.T) {
	v, err := NewHashEmbedder(64).Embed(context.Background(), "the and of a")
	require.NoError(t, err)
	assert.Zero(t, norm(v))
}

func TestTokenizeDropsStopwordsAndPunctuation(t *testing.T) {
	assert.Equal(t, []string{"tortoise", "hare", "race"}, Tokenize("The Tortoise, and the Hare: a race!"))
}

type countingEmbedder struct {
	*HashEmbedder
	mu    sync.Mutex
	calls int
	texts int
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls++
	c.texts += len(texts)
	c.mu.Unlock()
	return c.HashEmbedder.EmbedBatch(ctx, texts)
}

type mapRemote struct {
	mu     sync.Mutex
	data   map[string][]float32
	getErr error
}

func (m *mapRemote) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapRemote) SetEmbedding(_ context.Context, key string, v []float32, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = v
	return nil
}

func TestCachedEmbedderOnlyEmbedsMisses(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(64)}
	remote := &mapRemote{data: map[string][]float32{}}
	c := NewCachedEmbedder(inner, remote, time.Minute)
	ctx := context.Background()

	first, err := c.EmbedBatch(ctx, []string{"lion", "mouse"})
	require.NoError(t, err)
	second, err := c.EmbedBatch(ctx, []string{"mouse", "lion", "fox"})
	require.NoError(t, err)

	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, 3, inner.texts)
	assert.Equal(t, first[0], second[1])
	assert.Equal(t, first[1], second[0])
	assert.Len(t, remote.data, 3)
}

func TestCachedEmbedderReadsThroughRemote(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(64)}
	remote := &mapRemote{data: map[string][]float32{}}

	warm := NewCachedEmbedder(inner, remote, time.Minute)
	_, err := warm.Embed(context.Background(), "owl")
	require.NoError(t, err)

	cold := NewCachedEmbedder(inner, remote, time.Minute)
	_, err = cold.Embed(context.Background(), "owl")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
}

// shortEmbedder drops the last vector of every batch.
type shortEmbedder struct{ *HashEmbedder }

func (s shortEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := s.HashEmbedder.EmbedBatch(ctx, texts)
	if err != nil || len(vectors) == 0 {
		return vectors, err
	}
	return vectors[:len(vectors)-1], nil
}

func TestCachedEmbedderRejectsShortBatch(t *testing.T) {
	c := NewCachedEmbedder(shortEmbedder{NewHashEmbedder(64)}, nil, time.Minute)

	var vectors [][]float32
	var err error
	assert.NotPanics(t, func() {
		vectors, err = c.EmbedBatch(context.Background(), []string{"lion", "mouse"})
	})
	assert.Error(t, err)
	assert.Nil(t, vectors)

	_, err = c.Embed(context.Background(), "lion")
	assert.Error(t, err)
}

func TestCachedEmbedderIgnoresRemoteFailures(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(64)}
	remote := &mapRemote{data: map[string][]float32{}, getErr: errors.New("connection refused")}
	c := NewCachedEmbedder(inner, remote, time.Minute)

	v, err := c.Embed(context.Background(), "crow")

	require.NoError(t, err)
	assert.Len(t, v, 64)
}

type stubProvider struct {
	dim   int
	calls int
	err   error
}

func (s *stubProvider) CreateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, s.dim)
	}
	return out, nil
}

func (s *stubProvider) EmbeddingModel() string { return "stub" }

func TestLLMEmbedderBatchesAndChecksDimension(t *testing.T) {
	p := &stubProvider{dim: 8}
	e := NewLLMEmbedder(p, 8)
	e.batchSize = 2

	vs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vs, 5)
	assert.Equal(t, 3, p.calls)

	_, err = NewLLMEmbedder(&stubProvider{dim: 4}, 8).Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
