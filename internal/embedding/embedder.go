package embedding

import (
	"context"
	"errors"
	"fmt"
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder turns text into dense vectors. Implementations must be safe for
// concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	// Model names the vector space; cache keys and collections are scoped by it.
	Model() string
}

// Provider is the slice of an LLM client that produces embeddings.
type Provider interface {
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingModel() string
}

// LLMEmbedder delegates to a hosted embedding model.
type LLMEmbedder struct {
	provider  Provider
	dimension int
	batchSize int
}

func NewLLMEmbedder(provider Provider, dimension int) *LLMEmbedder {
	return &LLMEmbedder{provider: provider, dimension: dimension, batchSize: 100}
}

func (e *LLMEmbedder) Dimension() int { return e.dimension }

func (e *LLMEmbedder) Model() string { return e.provider.EmbeddingModel() }

func (e *LLMEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *LLMEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))

		vectors, err := e.provider.CreateEmbeddings(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch: %w", err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("failed to embed batch: got %d vectors for %d texts", len(vectors), end-start)
		}
		for _, v := range vectors {
			if e.dimension > 0 && len(v) != e.dimension {
				return nil, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, e.dimension, len(v))
			}
			out = append(out, v)
		}
	}

	return out, nil
}
