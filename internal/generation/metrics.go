package generation

import (
	"time"
	"unicode/utf8"

	"github.com/loomi/story-rag/internal/llm"
	"github.com/loomi/story-rag/internal/retrieval"
	"github.com/loomi/story-rag/internal/story"
)

const wordsPerPage = 100

// Quality dimensions shared by the per-story scores and the research
// summaries.
const (
	DimensionEducationalValue = "educational_value"
	DimensionEngagement       = "engagement"
	DimensionCoherence        = "coherence"
)

var Dimensions = []string{DimensionEducationalValue, DimensionEngagement, DimensionCoherence}

// RAGStoryMetrics describes one generated story.
type RAGStoryMetrics struct {
	Prompt         string    `json:"prompt"`
	Model          string    `json:"model"`
	GenerationTime float64   `json:"generation_time"`
	StartedAt      time.Time `json:"started_at"`

	WordCount      int `json:"word_count"`
	CharacterCount int `json:"character_count"`
	PageCount      int `json:"page_count"`

	RetrievedStoriesCount int       `json:"retrieved_stories_count"`
	RetrievedThemes       []string  `json:"retrieved_themes"`
	RetrievedCharacters   []string  `json:"retrieved_characters"`
	SimilarityScores      []float64 `json:"similarity_scores"`
	RAGContextLength      int       `json:"rag_context_length"`

	EducationalValueScore *float64 `json:"educational_value_score"`
	EngagementScore       *float64 `json:"engagement_score"`
	CoherenceScore        *float64 `json:"coherence_score"`
	MoralLessonPresent    bool     `json:"moral_lesson_present"`

	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// Score returns the named quality score, if it was computed.
func (m *RAGStoryMetrics) Score(dimension string) *float64 {
	if m == nil {
		return nil
	}
	switch dimension {
	case DimensionEducationalValue:
		return m.EducationalValueScore
	case DimensionEngagement:
		return m.EngagementScore
	case DimensionCoherence:
		return m.CoherenceScore
	}
	return nil
}

// QualityDelta subtracts the baseline scores from the enhanced ones. A
// dimension appears only when both stories have a score for it.
func QualityDelta(with, without *RAGStoryMetrics) map[string]float64 {
	out := make(map[string]float64)
	for _, d := range Dimensions {
		w, wo := with.Score(d), without.Score(d)
		if w == nil || wo == nil {
			continue
		}
		out[d] = *w - *wo
	}
	return out
}

type measurement struct {
	prompt    string
	model     string
	startedAt time.Time
	elapsed   time.Duration
	text      string
	pages     int
	usage     llm.Usage
	retrieval *retrieval.SmartResult
	ragLength int
}

func buildMetrics(m measurement) *RAGStoryMetrics {
	words := story.CountWords(m.text)
	pages := m.pages
	if pages <= 0 {
		pages = words / wordsPerPage
		if pages < 1 {
			pages = 1
		}
	}

	out := &RAGStoryMetrics{
		Prompt:              m.prompt,
		Model:               m.model,
		GenerationTime:      m.elapsed.Seconds(),
		StartedAt:           m.startedAt,
		WordCount:           words,
		CharacterCount:      utf8.RuneCountInString(m.text),
		PageCount:           pages,
		RetrievedThemes:     []string{},
		RetrievedCharacters: []string{},
		SimilarityScores:    []float64{},
		RAGContextLength:    m.ragLength,
		PromptTokens:        m.usage.PromptTokens,
		CompletionTokens:    m.usage.CompletionTokens,
		TotalTokens:         m.usage.TotalTokens,
		EstimatedCost:       llm.EstimateCost(m.usage),
	}

	if m.retrieval != nil {
		out.RetrievedStoriesCount = len(m.retrieval.Stories)
		out.RetrievedThemes = append(out.RetrievedThemes, m.retrieval.Context.Themes...)
		out.RetrievedCharacters = append(out.RetrievedCharacters, m.retrieval.Context.Characters...)
		for _, s := range m.retrieval.Stories {
			out.SimilarityScores = append(out.SimilarityScores, s.Similarity)
		}
	}

	q := AnalyzeQuality(m.text)
	out.EducationalValueScore = q.EducationalValue
	out.EngagementScore = q.Engagement
	out.CoherenceScore = q.Coherence
	out.MoralLessonPresent = q.MoralLessonPresent
	return out
}
