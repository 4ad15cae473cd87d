package memory

import (
	"context"
	"sync"

	"github.com/loomi/story-rag/internal/vector"
)

type collection struct {
	records []vector.Record
	index   map[string]int
}

// Store keeps collections in process memory and scores them by brute force.
// Records keep insertion order, which decides ties.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) Upsert(ctx context.Context, name string, records []vector.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		c = &collection{index: make(map[string]int)}
		s.collections[name] = c
	}

	for _, r := range records {
		stored := vector.Record{
			ID:       r.ID,
			Vector:   append([]float32(nil), r.Vector...),
			Document: r.Document,
			Metadata: copyMetadata(r.Metadata),
		}
		if i, exists := c.index[r.ID]; exists {
			c.records[i] = stored
			continue
		}
		c.index[r.ID] = len(c.records)
		c.records = append(c.records, stored)
	}

	return nil
}

func (s *Store) Query(ctx context.Context, name string, q []float32, k int) ([]vector.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return nil, vector.ErrCollectionNotFound
	}
	return vector.Rank(q, c.records, k), nil
}

func (s *Store) Count(_ context.Context, name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return 0, nil
	}
	return len(c.records), nil
}

func (s *Store) Collections(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	return names, nil
}

func (s *Store) Close() error { return nil }

func copyMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
