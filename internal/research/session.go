package research

import (
	"errors"
	"time"

	"github.com/loomi/story-rag/internal/generation"
)

var (
	ErrUnmatchedPair    = errors.New("successful session needs metrics for both stories")
	ErrDuplicateSession = errors.New("session already recorded")
	ErrSessionNotFound  = errors.New("session not found")
)

// Session is one recorded comparison. Sessions are immutable once recorded.
type Session struct {
	SessionID   string    `json:"session_id"`
	Timestamp   time.Time `json:"timestamp"`
	UserRequest string    `json:"user_request"`

	StoryWithoutRAG   string                      `json:"story_without_rag"`
	StoryWithRAG      string                      `json:"story_with_rag"`
	MetricsWithoutRAG *generation.RAGStoryMetrics `json:"metrics_without_rag"`
	MetricsWithRAG    *generation.RAGStoryMetrics `json:"metrics_with_rag"`

	GenerationTimeImprovement float64            `json:"generation_time_improvement"`
	QualityImprovement        map[string]float64 `json:"quality_improvement"`
	RAGOverhead               float64            `json:"rag_overhead"`
	ContextEnhancement        int                `json:"context_enhancement"`

	TotalTime    float64 `json:"total_time"`
	Success      bool    `json:"success"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// ComparisonRecord is the input to RecordComparison.
type ComparisonRecord struct {
	SessionID         string
	UserRequest       string
	StoryWithoutRAG   string
	StoryWithRAG      string
	MetricsWithoutRAG *generation.RAGStoryMetrics
	MetricsWithRAG    *generation.RAGStoryMetrics
	TotalTime         float64
	Success           bool
	Error             string
}

func newSession(id string, at time.Time, rec ComparisonRecord) *Session {
	s := &Session{
		SessionID:          id,
		Timestamp:          at,
		UserRequest:        rec.UserRequest,
		TotalTime:          rec.TotalTime,
		Success:            rec.Success,
		ErrorMessage:       rec.Error,
		QualityImprovement: map[string]float64{},
	}
	if !rec.Success {
		return s
	}

	with, without := cloneMetrics(rec.MetricsWithRAG), cloneMetrics(rec.MetricsWithoutRAG)
	s.StoryWithoutRAG = rec.StoryWithoutRAG
	s.StoryWithRAG = rec.StoryWithRAG
	s.MetricsWithoutRAG = without
	s.MetricsWithRAG = with
	s.GenerationTimeImprovement = with.GenerationTime - without.GenerationTime
	s.RAGOverhead = s.GenerationTimeImprovement
	s.ContextEnhancement = with.RAGContextLength - without.RAGContextLength
	s.QualityImprovement = generation.QualityDelta(with, without)
	return s
}

func cloneMetrics(m *generation.RAGStoryMetrics) *generation.RAGStoryMetrics {
	if m == nil {
		return nil
	}
	c := *m
	c.RetrievedThemes = append([]string{}, m.RetrievedThemes...)
	c.RetrievedCharacters = append([]string{}, m.RetrievedCharacters...)
	c.SimilarityScores = append([]float64{}, m.SimilarityScores...)
	c.EducationalValueScore = cloneScore(m.EducationalValueScore)
	c.EngagementScore = cloneScore(m.EngagementScore)
	c.CoherenceScore = cloneScore(m.CoherenceScore)
	return &c
}

func cloneScore(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneSession(s *Session) Session {
	c := *s
	c.MetricsWithRAG = cloneMetrics(s.MetricsWithRAG)
	c.MetricsWithoutRAG = cloneMetrics(s.MetricsWithoutRAG)
	c.QualityImprovement = make(map[string]float64, len(s.QualityImprovement))
	for k, v := range s.QualityImprovement {
		c.QualityImprovement[k] = v
	}
	return c
}
