package research

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomi/story-rag/internal/storage/models"
	"github.com/loomi/story-rag/internal/storage/sqlite"
)

// SessionLog is the durable append-only record of sessions.
type SessionLog interface {
	Append(ctx context.Context, s Session) error
	Load(ctx context.Context) ([]Session, error)
}

// SQLiteLog keeps sessions in the research_sessions table.
type SQLiteLog struct {
	db *sqlite.Client
}

func NewSQLiteLog(db *sqlite.Client) *SQLiteLog {
	return &SQLiteLog{db: db}
}

func (l *SQLiteLog) Append(ctx context.Context, s Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", s.SessionID, err)
	}
	return l.db.AppendSession(ctx, models.SessionRow{
		ID:        s.SessionID,
		Success:   s.Success,
		Payload:   payload,
		CreatedAt: s.Timestamp,
	})
}

func (l *SQLiteLog) Load(ctx context.Context) ([]Session, error) {
	rows, err := l.db.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(rows))
	for _, row := range rows {
		var s Session
		if err := json.Unmarshal(row.Payload, &s); err != nil {
			return nil, fmt.Errorf("failed to decode session %s: %w", row.ID, err)
		}
		if s.QualityImprovement == nil {
			s.QualityImprovement = map[string]float64{}
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}
