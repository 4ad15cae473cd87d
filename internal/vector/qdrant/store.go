package qdrant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/vector"
	"github.com/loomi/story-rag/pkg/logger"
)

const (
	payloadDocID    = "doc_id"
	payloadDocument = "document"
	payloadMetadata = "metadata"
)

// pointNamespace scopes the UUIDv5 point ids derived from story ids.
var pointNamespace = uuid.MustParse("6f1c4a52-2d8e-4b7a-9c11-53a0e4d6b1f2")

type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// Store keeps each collection as a Qdrant cosine collection. Qdrant reports
// cosine similarity, converted here to cosine distance.
type Store struct {
	client    *qdrant.Client
	dimension int
}

func New(cfg Config, dimension int) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	logger.Info("Qdrant client initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &Store{client: client, dimension: dimension}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// PointID derives the stable Qdrant point id for a story id.
func PointID(docID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(docID)).String()
}

func (s *Store) ensureCollection(ctx context.Context, name string) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	logger.Info("Collection created", zap.String("collection", name))
	return nil
}

func (s *Store) Upsert(ctx context.Context, name string, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := s.ensureCollection(ctx, name); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		md, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", r.ID, err)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(r.ID)),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadDocID:    r.ID,
				payloadDocument: r.Document,
				payloadMetadata: string(md),
			}),
		}
	}

	wait := true
	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	logger.Info("Points upserted into qdrant", zap.String("collection", name), zap.Int("count", len(points)))
	return nil
}

func (s *Store) Query(ctx context.Context, name string, q []float32, k int) ([]vector.Hit, error) {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		return nil, vector.ErrCollectionNotFound
	}

	limit := uint64(k)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(q...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query qdrant: %w", err)
	}

	hits := make([]vector.Hit, 0, len(points))
	for _, p := range points {
		hit, err := toHit(p)
		if err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func toHit(p *qdrant.ScoredPoint) (vector.Hit, error) {
	payload := p.GetPayload()
	id := payload[payloadDocID].GetStringValue()

	var md map[string]string
	if raw := payload[payloadMetadata].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			return vector.Hit{}, fmt.Errorf("failed to decode metadata for %s: %w", id, err)
		}
	}

	d := 1 - float64(p.GetScore())
	if d < 0 {
		d = 0
	}

	return vector.Hit{
		ID:       id,
		Document: payload[payloadDocument].GetStringValue(),
		Metadata: md,
		Distance: d,
	}, nil
}

func (s *Store) Count(ctx context.Context, name string) (int, error) {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		return 0, nil
	}

	exact := true
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(count), nil
}

func (s *Store) Collections(ctx context.Context) ([]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}
