package research

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/generation"
	"github.com/loomi/story-rag/internal/metrics"
	"github.com/loomi/story-rag/pkg/logger"
)

// Comparer is the generation step a Runner records.
type Comparer interface {
	GenerateComparison(ctx context.Context, userRequest string, p generation.Params) (*generation.Comparison, error)
}

// Runner ties one comparison to one recorded session.
type Runner struct {
	comparer  Comparer
	collector *Collector
}

func NewRunner(comparer Comparer, collector *Collector) *Runner {
	return &Runner{comparer: comparer, collector: collector}
}

// Compare runs a comparison and records it. A failed comparison is recorded
// as a failed session and its error returned.
func (r *Runner) Compare(ctx context.Context, userRequest string, p generation.Params) (*Session, *generation.Comparison, error) {
	sessionID := r.collector.StartSession()
	start := time.Now()

	cmp, err := r.comparer.GenerateComparison(ctx, userRequest, p)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		metrics.ComparisonTotal.WithLabelValues("error").Inc()
		metrics.ComparisonDuration.WithLabelValues("error").Observe(elapsed)
		logger.Error("Comparison failed", zap.String("session_id", sessionID), zap.Error(err))

		if _, recErr := r.collector.RecordComparison(ctx, ComparisonRecord{
			SessionID:   sessionID,
			UserRequest: userRequest,
			TotalTime:   elapsed,
			Success:     false,
			Error:       err.Error(),
		}); recErr != nil {
			logger.Error("Failed to record failed session", zap.String("session_id", sessionID), zap.Error(recErr))
		}
		return nil, nil, err
	}

	metrics.ComparisonTotal.WithLabelValues("success").Inc()
	metrics.ComparisonDuration.WithLabelValues("success").Observe(elapsed)

	session, err := r.collector.RecordComparison(ctx, ComparisonRecord{
		SessionID:         sessionID,
		UserRequest:       userRequest,
		StoryWithoutRAG:   cmp.Stories.WithoutRAG.Content,
		StoryWithRAG:      cmp.Stories.WithRAG.Content,
		MetricsWithoutRAG: cmp.Stories.WithoutRAG.Metrics,
		MetricsWithRAG:    cmp.Stories.WithRAG.Metrics,
		TotalTime:         elapsed,
		Success:           true,
	})
	if err != nil {
		return nil, cmp, err
	}
	return session, cmp, nil
}
