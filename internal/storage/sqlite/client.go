package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/storage/models"
	"github.com/loomi/story-rag/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS story_vectors (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		document TEXT NOT NULL,
		metadata TEXT NOT NULL,
		embedding TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_collection ON story_vectors(collection);

	CREATE TABLE IF NOT EXISTS research_sessions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		success INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON research_sessions(created_at);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// UpsertVectors writes rows in one transaction. An existing (collection, id)
// keeps its insertion sequence.
func (c *Client) UpsertVectors(ctx context.Context, rows []models.VectorRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO story_vectors (collection, id, document, metadata, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			document = excluded.document,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare vector upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, row := range rows {
		metadataJSON, err := json.Marshal(row.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", row.ID, err)
		}
		embeddingJSON, err := json.Marshal(row.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding for %s: %w", row.ID, err)
		}

		if _, err := stmt.ExecContext(ctx, row.Collection, row.ID, row.Document, string(metadataJSON), string(embeddingJSON), now, now); err != nil {
			return fmt.Errorf("failed to upsert vector %s: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vectors: %w", err)
	}

	logger.Debug("Vectors upserted", zap.String("collection", rows[0].Collection), zap.Int("count", len(rows)))
	return nil
}

// ListVectors returns a collection's rows in insertion order.
func (c *Client) ListVectors(ctx context.Context, collection string) ([]models.VectorRow, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT seq, id, document, metadata, embedding, created_at, updated_at
		FROM story_vectors
		WHERE collection = ?
		ORDER BY seq ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list vectors: %w", err)
	}
	defer rows.Close()

	var out []models.VectorRow
	for rows.Next() {
		var r models.VectorRow
		var metadataJSON, embeddingJSON string
		var createdAt, updatedAt int64

		if err := rows.Scan(&r.Seq, &r.ID, &r.Document, &metadataJSON, &embeddingJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vector row: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &r.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for %s: %w", r.ID, err)
		}

		r.Collection = collection
		r.CreatedAt = time.Unix(createdAt, 0)
		r.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vectors: %w", err)
	}

	return out, nil
}

func (c *Client) CountVectors(ctx context.Context, collection string) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM story_vectors WHERE collection = ?`, collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return count, nil
}

func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT collection FROM story_vectors ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// AppendSession adds a session to the log. Rows are never updated.
func (c *Client) AppendSession(ctx context.Context, row models.SessionRow) error {
	success := 0
	if row.Success {
		success = 1
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO research_sessions (id, success, payload, created_at) VALUES (?, ?, ?, ?)`,
		row.ID, success, string(row.Payload), row.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append session: %w", err)
	}

	logger.Debug("Session appended", zap.String("session_id", row.ID), zap.Bool("success", row.Success))
	return nil
}

// ListSessions returns the whole log in append order.
func (c *Client) ListSessions(ctx context.Context) ([]models.SessionRow, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, success, payload, created_at FROM research_sessions ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionRow
	for rows.Next() {
		var r models.SessionRow
		var success int
		var payload string
		var createdAt int64

		if err := rows.Scan(&r.ID, &success, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.Success = success == 1
		r.Payload = []byte(payload)
		r.CreatedAt = time.Unix(0, createdAt)
		out = append(out, r)
	}

	return out, rows.Err()
}
