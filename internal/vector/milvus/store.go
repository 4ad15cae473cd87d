package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/vector"
	"github.com/loomi/story-rag/pkg/logger"
)

const (
	fieldID        = "id"
	fieldEmbedding = "embedding"
	fieldDocument  = "document"
	fieldMetadata  = "metadata"
)

// Store maps each collection onto a Milvus collection with an IVF_FLAT L2
// index. Vectors arrive unit length, so squared L2 is twice the cosine
// distance.
type Store struct {
	client    client.Client
	dimension int

	mu    sync.Mutex
	ready map[string]bool
}

func New(ctx context.Context, endpoint, apiKey string, dimension int) (*Store, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.Int("dimension", dimension),
	)

	return &Store{client: c, dimension: dimension, ready: make(map[string]bool)}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) ensureCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready[name] {
		return nil
	}

	has, err := s.client.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		schema := &entity.Schema{
			CollectionName: name,
			Description:    "children's story embeddings",
			Fields: []*entity.Field{
				{
					Name:       fieldID,
					DataType:   entity.FieldTypeVarChar,
					PrimaryKey: true,
					AutoID:     false,
					TypeParams: map[string]string{"max_length": "256"},
				},
				{
					Name:       fieldEmbedding,
					DataType:   entity.FieldTypeFloatVector,
					TypeParams: map[string]string{"dim": strconv.Itoa(s.dimension)},
				},
				{
					Name:       fieldDocument,
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "65535"},
				},
				{
					Name:       fieldMetadata,
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "8192"},
				},
			},
		}

		if err := s.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexIvfFlat(entity.L2, 128)
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		if err := s.client.CreateIndex(ctx, name, fieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}

		logger.Info("Collection created", zap.String("collection", name))
	}

	if err := s.client.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	s.ready[name] = true
	return nil
}

func (s *Store) Upsert(ctx context.Context, name string, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := s.ensureCollection(ctx, name); err != nil {
		return err
	}

	ids := make([]string, len(records))
	embeddings := make([][]float32, len(records))
	documents := make([]string, len(records))
	metadata := make([]string, len(records))

	for i, r := range records {
		md, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", r.ID, err)
		}
		ids[i] = r.ID
		embeddings[i] = r.Vector
		documents[i] = r.Document
		metadata[i] = string(md)
	}

	if err := s.client.Delete(ctx, name, "", idExpr(ids)); err != nil {
		return fmt.Errorf("failed to delete previous versions: %w", err)
	}

	_, err := s.client.Insert(
		ctx,
		name,
		"",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, s.dimension, embeddings),
		entity.NewColumnVarChar(fieldDocument, documents),
		entity.NewColumnVarChar(fieldMetadata, metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}

	if err := s.client.Flush(ctx, name, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Records inserted into milvus", zap.String("collection", name), zap.Int("count", len(records)))
	return nil
}

func (s *Store) Query(ctx context.Context, name string, q []float32, k int) ([]vector.Hit, error) {
	has, err := s.client.HasCollection(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		return nil, vector.ErrCollectionNotFound
	}
	if err := s.ensureCollection(ctx, name); err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := s.client.Search(
		ctx,
		name,
		[]string{},
		"",
		[]string{fieldID, fieldDocument, fieldMetadata},
		[]entity.Vector{entity.FloatVector(q)},
		fieldEmbedding,
		entity.L2,
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]vector.Hit, 0, k)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn(fieldID)
		docCol := sr.Fields.GetColumn(fieldDocument)
		mdCol := sr.Fields.GetColumn(fieldMetadata)
		if idCol == nil || docCol == nil || mdCol == nil {
			return nil, fmt.Errorf("search result missing output fields")
		}

		for i := 0; i < sr.ResultCount; i++ {
			id, err := stringAt(idCol, i)
			if err != nil {
				return nil, err
			}
			doc, err := stringAt(docCol, i)
			if err != nil {
				return nil, err
			}
			mdJSON, err := stringAt(mdCol, i)
			if err != nil {
				return nil, err
			}

			var md map[string]string
			if err := json.Unmarshal([]byte(mdJSON), &md); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", id, err)
			}

			hits = append(hits, vector.Hit{
				ID:       id,
				Document: doc,
				Metadata: md,
				Distance: l2ToCosine(sr.Scores[i]),
			})
		}
	}

	return hits, nil
}

func (s *Store) Count(ctx context.Context, name string) (int, error) {
	has, err := s.client.HasCollection(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		return 0, nil
	}

	stats, err := s.client.GetCollectionStatistics(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to get collection statistics: %w", err)
	}

	count, err := strconv.Atoi(stats["row_count"])
	if err != nil {
		return 0, fmt.Errorf("failed to parse row count %q: %w", stats["row_count"], err)
	}
	return count, nil
}

func (s *Store) Collections(ctx context.Context) ([]string, error) {
	colls, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}

	names := make([]string, 0, len(colls))
	for _, c := range colls {
		names = append(names, c.Name)
	}
	return names, nil
}

func stringAt(col entity.Column, i int) (string, error) {
	v, err := col.Get(i)
	if err != nil {
		return "", fmt.Errorf("failed to read column %s: %w", col.Name(), err)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("column %s holds %T, want string", col.Name(), v)
	}
	return s, nil
}

func idExpr(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	return fmt.Sprintf("%s in [%s]", fieldID, strings.Join(quoted, ","))
}

// l2ToCosine converts squared L2 between unit vectors to cosine distance.
func l2ToCosine(l2 float32) float64 {
	d := float64(l2) / 2
	if d < 0 {
		return 0
	}
	if d > 2 {
		return 2
	}
	return d
}
