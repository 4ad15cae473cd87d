package research

import (
	"sort"

	"github.com/loomi/story-rag/internal/generation"
)

const topN = 5

type Summary struct {
	TotalSessions      int     `json:"total_sessions"`
	SuccessfulSessions int     `json:"successful_sessions"`
	FailedSessions     int     `json:"failed_sessions"`
	SuccessRate        float64 `json:"success_rate"`

	AvgGenerationTimeWithoutRAG float64 `json:"avg_generation_time_without_rag"`
	AvgGenerationTimeWithRAG    float64 `json:"avg_generation_time_with_rag"`
	AvgRAGOverhead              float64 `json:"avg_rag_overhead"`
	AvgContextEnhancement       float64 `json:"avg_context_enhancement"`
	AvgCostWithoutRAG           float64 `json:"avg_cost_without_rag"`
	AvgCostWithRAG              float64 `json:"avg_cost_with_rag"`

	AvgQualityImprovement map[string]float64 `json:"avg_quality_improvement"`
	MostCommonThemes      []string           `json:"most_common_themes"`
	MostCommonCharacters  []string           `json:"most_common_characters"`
	AvgSimilarityScore    float64            `json:"avg_similarity_score"`
}

// Summarize aggregates a snapshot of the recorded sessions. Averages cover
// successful sessions only.
func (c *Collector) Summarize() Summary {
	return summarize(c.snapshot())
}

func summarize(sessions []Session) Summary {
	s := Summary{
		TotalSessions:         len(sessions),
		AvgQualityImprovement: map[string]float64{},
		MostCommonThemes:      []string{},
		MostCommonCharacters:  []string{},
	}

	var (
		without, with, overhead, added float64
		costWithout, costWith          float64
		similarities                   []float64
	)
	quality := make(map[string][]float64)
	themes, characters := newRanking(), newRanking()

	for _, session := range sessions {
		if !session.Success || session.MetricsWithRAG == nil || session.MetricsWithoutRAG == nil {
			continue
		}
		s.SuccessfulSessions++

		without += session.MetricsWithoutRAG.GenerationTime
		with += session.MetricsWithRAG.GenerationTime
		overhead += session.RAGOverhead
		added += float64(session.ContextEnhancement)
		costWithout += session.MetricsWithoutRAG.EstimatedCost
		costWith += session.MetricsWithRAG.EstimatedCost

		for dim, delta := range session.QualityImprovement {
			quality[dim] = append(quality[dim], delta)
		}
		for _, t := range session.MetricsWithRAG.RetrievedThemes {
			themes.add(t)
		}
		for _, ch := range session.MetricsWithRAG.RetrievedCharacters {
			characters.add(ch)
		}
		similarities = append(similarities, session.MetricsWithRAG.SimilarityScores...)
	}
	s.FailedSessions = s.TotalSessions - s.SuccessfulSessions

	if s.TotalSessions > 0 {
		s.SuccessRate = float64(s.SuccessfulSessions) / float64(s.TotalSessions)
	}

	if n := float64(s.SuccessfulSessions); n > 0 {
		s.AvgGenerationTimeWithoutRAG = without / n
		s.AvgGenerationTimeWithRAG = with / n
		s.AvgRAGOverhead = overhead / n
		s.AvgContextEnhancement = added / n
		s.AvgCostWithoutRAG = costWithout / n
		s.AvgCostWithRAG = costWith / n

		for _, dim := range generation.Dimensions {
			if len(quality[dim]) > 0 {
				s.AvgQualityImprovement[dim] = mean(quality[dim])
			}
		}
	}

	s.MostCommonThemes = themes.top(topN)
	s.MostCommonCharacters = characters.top(topN)
	s.AvgSimilarityScore = mean(similarities)
	return s
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// ranking counts values and orders them by count, earliest first on ties.
type ranking struct {
	order  []string
	counts map[string]int
}

func newRanking() *ranking {
	return &ranking{counts: make(map[string]int)}
}

func (r *ranking) add(v string) {
	if v == "" {
		return
	}
	if _, ok := r.counts[v]; !ok {
		r.order = append(r.order, v)
	}
	r.counts[v]++
}

func (r *ranking) top(n int) []string {
	out := append([]string{}, r.order...)
	sort.SliceStable(out, func(i, j int) bool {
		return r.counts[out[i]] > r.counts[out[j]]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
