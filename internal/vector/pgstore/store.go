package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/loomi/story-rag/internal/vector"
	"github.com/loomi/story-rag/pkg/logger"
)

type storyVector struct {
	Collection string          `gorm:"primaryKey;type:text"`
	ID         string          `gorm:"primaryKey;type:text"`
	Seq        int64           `gorm:"autoIncrement:false;index"`
	Document   string          `gorm:"type:text;not null"`
	Metadata   string          `gorm:"type:jsonb;not null"`
	Embedding  pgvector.Vector `gorm:"type:vector"`
	CreatedAt  time.Time       `gorm:"autoCreateTime"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime"`
}

func (storyVector) TableName() string {
	return "story_vectors"
}

type scoredVector struct {
	storyVector
	Distance float64
}

// Store keeps every collection in one Postgres table and ranks with the
// pgvector cosine distance operator.
type Store struct {
	db *gorm.DB
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}

	logger.Info("pgvector store initialized")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("failed to enable vector extension: %w", err)
	}
	if err := s.db.WithContext(ctx).AutoMigrate(&storyVector{}); err != nil {
		return fmt.Errorf("failed to migrate story_vectors: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, collection string, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var next int64
		if err := tx.Model(&storyVector{}).
			Where("collection = ?", collection).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&next).Error; err != nil {
			return fmt.Errorf("failed to read sequence: %w", err)
		}

		rows := make([]storyVector, len(records))
		for i, r := range records {
			md, err := json.Marshal(r.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata for %s: %w", r.ID, err)
			}
			next++
			rows[i] = storyVector{
				Collection: collection,
				ID:         r.ID,
				Seq:        next,
				Document:   r.Document,
				Metadata:   string(md),
				Embedding:  pgvector.NewVector(r.Vector),
			}
		}

		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"document", "metadata", "embedding", "updated_at"}),
		}).Create(&rows).Error
		if err != nil {
			return fmt.Errorf("failed to upsert story vectors: %w", err)
		}

		logger.Debug("Story vectors upserted", zap.String("collection", collection), zap.Int("count", len(rows)))
		return nil
	})
}

func (s *Store) Query(ctx context.Context, collection string, q []float32, k int) ([]vector.Hit, error) {
	count, err := s.Count(ctx, collection)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, vector.ErrCollectionNotFound
	}

	var rows []scoredVector
	err = s.db.WithContext(ctx).
		Table("story_vectors").
		Select("story_vectors.*, embedding <=> ? AS distance", pgvector.NewVector(q)).
		Where("collection = ?", collection).
		Order("distance ASC").
		Order("seq ASC").
		Limit(k).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query story vectors: %w", err)
	}

	hits := make([]vector.Hit, len(rows))
	for i, row := range rows {
		var md map[string]string
		if err := json.Unmarshal([]byte(row.Metadata), &md); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", row.ID, err)
		}
		hits[i] = vector.Hit{
			ID:       row.ID,
			Document: row.Document,
			Metadata: md,
			Distance: row.Distance,
		}
	}
	return hits, nil
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&storyVector{}).Where("collection = ?", collection).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count story vectors: %w", err)
	}
	return int(count), nil
}

func (s *Store) Collections(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.WithContext(ctx).Model(&storyVector{}).Distinct().Pluck("collection", &names).Error; err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
