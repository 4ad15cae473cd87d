package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ComparisonDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "story_rag_comparison_duration_seconds",
			Help:    "Matched-pair comparison duration in seconds",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"status"},
	)

	ComparisonTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_rag_comparison_total",
			Help: "Total comparison sessions recorded",
		},
		[]string{"status"},
	)

	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "story_rag_generation_duration_seconds",
			Help:    "Single story generation duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"variant"},
	)

	RetrievedStoriesCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "story_rag_retrieved_stories_count",
			Help:    "Number of stories returned per retrieval",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
		[]string{"strategy"},
	)

	RetrievalFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_rag_retrieval_failures_total",
			Help: "Retrievals that degraded to an empty result",
		},
		[]string{"strategy"},
	)

	SimilarityScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "story_rag_similarity_score",
			Help:    "Similarity of retrieved stories",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_rag_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	LLMCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_rag_llm_cost_usd",
			Help: "Estimated LLM API cost in USD",
		},
		[]string{"model"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_rag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_rag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsIndexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_rag_documents_indexed_total",
			Help: "Documents written to a collection",
		},
		[]string{"collection"},
	)

	DocumentsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_rag_documents_skipped_total",
			Help: "Documents rejected while indexing",
		},
		[]string{"collection", "reason"},
	)

	GraphStories = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "story_rag_graph_stories_total",
			Help: "Stories mirrored into the story graph",
		},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. It is safe to
// call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ComparisonDuration,
			ComparisonTotal,
			GenerationDuration,
			RetrievedStoriesCount,
			RetrievalFailures,
			SimilarityScore,
			LLMTokensUsed,
			LLMCost,
			CacheHits,
			CacheMisses,
			DocumentsIndexed,
			DocumentsSkipped,
			GraphStories,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
