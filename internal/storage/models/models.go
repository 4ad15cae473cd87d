package models

import "time"

// VectorRow is one embedded story as persisted by the SQLite store.
type VectorRow struct {
	Collection string
	ID         string
	Document   string
	Metadata   map[string]string
	Embedding  []float32
	Seq        int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SessionRow is one entry of the append-only research session log. Payload
// holds the JSON-encoded session.
type SessionRow struct {
	ID        string
	Success   bool
	Payload   []byte
	CreatedAt time.Time
}
