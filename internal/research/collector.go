package research

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/events"
	"github.com/loomi/story-rag/pkg/logger"
)

type Config struct {
	OutputDir string
	Log       SessionLog
	Publisher events.Publisher
	Clock     func() time.Time
}

// Collector records comparison sessions and derives research summaries
// from them. It is safe for concurrent use.
type Collector struct {
	mu       sync.RWMutex
	sessions []*Session
	byID     map[string]int
	seq      uint64
	last     time.Time

	outputDir string
	log       SessionLog
	publisher events.Publisher
	clock     func() time.Time
}

func NewCollector(cfg Config) *Collector {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "rag_research"
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NopPublisher{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Collector{
		byID:      make(map[string]int),
		outputDir: cfg.OutputDir,
		log:       cfg.Log,
		publisher: cfg.Publisher,
		clock:     cfg.Clock,
	}
}

// now must be called with mu held. It never goes backwards.
func (c *Collector) now() time.Time {
	t := c.clock()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

// StartSession allocates a session id. Ids sort in allocation order.
func (c *Collector) StartSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	return fmt.Sprintf("rag_session_%s_%06d_%s",
		c.now().Format("20060102_150405"),
		c.seq,
		uuid.NewString()[:8],
	)
}

// RecordComparison validates and appends one session. Logging and event
// failures are reported in the log only.
func (c *Collector) RecordComparison(ctx context.Context, rec ComparisonRecord) (*Session, error) {
	if rec.Success && (rec.MetricsWithRAG == nil || rec.MetricsWithoutRAG == nil) {
		return nil, ErrUnmatchedPair
	}
	if rec.SessionID == "" {
		rec.SessionID = c.StartSession()
	}

	c.mu.Lock()
	if _, exists := c.byID[rec.SessionID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, rec.SessionID)
	}
	session := newSession(rec.SessionID, c.now(), rec)
	c.byID[session.SessionID] = len(c.sessions)
	c.sessions = append(c.sessions, session)
	c.mu.Unlock()

	snapshot := cloneSession(session)

	if c.log != nil {
		if err := c.log.Append(ctx, snapshot); err != nil {
			logger.Error("Failed to persist session", zap.String("session_id", session.SessionID), zap.Error(err))
		}
	}

	event := events.New(events.TypeSessionRecorded, map[string]any{
		"session_id":          session.SessionID,
		"success":             session.Success,
		"rag_overhead":        session.RAGOverhead,
		"context_enhancement": session.ContextEnhancement,
		"quality_improvement": snapshot.QualityImprovement,
	})
	if err := c.publisher.Publish(ctx, event); err != nil {
		logger.Warn("Failed to publish session event", zap.String("session_id", session.SessionID), zap.Error(err))
	}

	logger.Info("Session recorded",
		zap.String("session_id", session.SessionID),
		zap.Bool("success", session.Success),
		zap.Float64("total_time", session.TotalTime),
	)
	return &snapshot, nil
}

// Restore loads previously logged sessions that are not yet in memory.
func (c *Collector) Restore(ctx context.Context) (int, error) {
	if c.log == nil {
		return 0, nil
	}
	loaded, err := c.log.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to restore sessions: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	restored := 0
	for i := range loaded {
		s := loaded[i]
		if _, exists := c.byID[s.SessionID]; exists {
			continue
		}
		c.byID[s.SessionID] = len(c.sessions)
		c.sessions = append(c.sessions, &s)
		if s.Timestamp.After(c.last) {
			c.last = s.Timestamp
		}
		restored++
	}

	logger.Info("Sessions restored", zap.Int("count", restored))
	return restored, nil
}

func (c *Collector) snapshot() []Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Session, len(c.sessions))
	for i, s := range c.sessions {
		out[i] = cloneSession(s)
	}
	return out
}

// Sessions returns every session in recording order.
func (c *Collector) Sessions() []Session {
	return c.snapshot()
}

func (c *Collector) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Collector) GetSessionByID(id string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s := cloneSession(c.sessions[i])
	return &s, nil
}

// GetRecentSessions returns up to limit sessions, newest first.
func (c *Collector) GetRecentSessions(limit int) []Session {
	sessions := c.snapshot()
	for i, j := 0, len(sessions)-1; i < j; i, j = i+1, j-1 {
		sessions[i], sessions[j] = sessions[j], sessions[i]
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].Timestamp.After(sessions[j].Timestamp)
	})
	if limit >= 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}

// GetSessionsByDateRange returns sessions with start <= timestamp <= end.
func (c *Collector) GetSessionsByDateRange(start, end time.Time) []Session {
	var out []Session
	for _, s := range c.snapshot() {
		if !s.Timestamp.Before(start) && !s.Timestamp.After(end) {
			out = append(out, s)
		}
	}
	if out == nil {
		out = []Session{}
	}
	return out
}
