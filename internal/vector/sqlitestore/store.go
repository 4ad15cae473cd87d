package sqlitestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomi/story-rag/internal/storage/models"
	"github.com/loomi/story-rag/internal/storage/sqlite"
	"github.com/loomi/story-rag/internal/vector"
)

// Store persists vectors in SQLite and scores them by brute force, which is
// adequate for corpora of a few thousand stories.
type Store struct {
	mu     sync.RWMutex
	client *sqlite.Client
	owned  bool
}

// Open creates a store backed by its own database file.
func Open(ctx context.Context, path string) (*Store, error) {
	client, err := sqlite.NewClient(path)
	if err != nil {
		return nil, err
	}
	if err := client.InitSchema(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Store{client: client, owned: true}, nil
}

// New shares an existing client, for example with the session log. The
// caller keeps ownership of client.
func New(client *sqlite.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Upsert(ctx context.Context, collection string, records []vector.Record) error {
	rows := make([]models.VectorRow, len(records))
	for i, r := range records {
		rows[i] = models.VectorRow{
			Collection: collection,
			ID:         r.ID,
			Document:   r.Document,
			Metadata:   r.Metadata,
			Embedding:  r.Vector,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.client.UpsertVectors(ctx, rows)
}

func (s *Store) Query(ctx context.Context, collection string, q []float32, k int) ([]vector.Hit, error) {
	s.mu.RLock()
	rows, err := s.client.ListVectors(ctx, collection)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}
	if len(rows) == 0 {
		return nil, vector.ErrCollectionNotFound
	}

	records := make([]vector.Record, len(rows))
	for i, row := range rows {
		records[i] = vector.Record{
			ID:       row.ID,
			Vector:   row.Embedding,
			Document: row.Document,
			Metadata: row.Metadata,
		}
	}

	return vector.Rank(q, records, k), nil
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client.CountVectors(ctx, collection)
}

func (s *Store) Collections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client.ListCollections(ctx)
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
