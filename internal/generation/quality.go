package generation

import (
	"math"
	"regexp"
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/pkg/logger"
)

// Quality holds heuristic scores in [0,1]. A nil score means the text was
// too short to judge.
type Quality struct {
	EducationalValue   *float64 `json:"educational_value_score"`
	Engagement         *float64 `json:"engagement_score"`
	Coherence          *float64 `json:"coherence_score"`
	MoralLessonPresent bool     `json:"moral_lesson_present"`
}

var moralPattern = regexp.MustCompile(`(?i)\b(the moral|moral of|a lesson|the lesson|learned that|learnt that|realized that|realised that|taught (him|her|them|us|everyone)|always remember|never forgot)\b`)

var fallbackSentence = regexp.MustCompile(`[^.!?]+[.!?]*`)

var wordPattern = regexp.MustCompile(`[a-z']+`)

var lessonWords = wordSet(
	"kind", "kindness", "share", "shared", "sharing", "honest", "honesty", "truth", "brave", "bravery",
	"courage", "friend", "friends", "friendship", "help", "helped", "helping", "learn", "learned",
	"lesson", "patient", "patience", "respect", "grateful", "gratitude", "forgive", "forgave",
	"responsible", "responsibility", "teamwork", "together", "generous", "care", "caring", "wise",
	"wisdom", "humble", "fair", "thankful", "persevere", "perseverance",
)

var vividWords = wordSet(
	"ran", "jumped", "leapt", "raced", "flew", "climbed", "splashed", "roared", "whispered", "shouted",
	"giggled", "laughed", "danced", "tumbled", "crashed", "zoomed", "sparkled", "glowed", "shimmered",
	"soft", "warm", "cold", "bright", "sweet", "smell", "smelled", "sound", "heard", "tasted",
	"crunchy", "fluffy", "rustled", "buzzed", "thunder", "sniffed", "gasped", "tiptoed", "swooped",
)

var transitionWords = wordSet(
	"then", "next", "after", "afterwards", "finally", "suddenly", "meanwhile", "later", "because",
	"so", "but", "soon", "when", "before", "until", "eventually",
)

var openings = []string{"once upon a time", "one day", "long ago", "there was", "there once", "in a faraway", "one morning", "one night"}

var closings = []string{"the end", "ever after", "from that day", "and so", "learned", "never forgot", "fell asleep", "home at last"}

func wordSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

// AnalyzeQuality scores a story with lexical heuristics.
func AnalyzeQuality(text string) Quality {
	text = strings.TrimSpace(text)
	q := Quality{MoralLessonPresent: moralPattern.MatchString(text)}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return q
	}

	lower := strings.ToLower(text)
	words := wordPattern.FindAllString(lower, -1)

	educational := educationalValue(words, q.MoralLessonPresent)
	engagement := engagementScore(text, sentences, words)
	coherence := coherenceScore(lower, sentences, words)

	q.EducationalValue = &educational
	q.Engagement = &engagement
	q.Coherence = &coherence
	return q
}

func splitSentences(text string) []string {
	if text == "" {
		return nil
	}

	doc, err := prose.NewDocument(text, prose.WithTagging(false), prose.WithExtraction(false))
	if err != nil {
		logger.Debug("Sentence segmentation failed, using punctuation split", zap.Error(err))
		var out []string
		for _, s := range fallbackSentence.FindAllString(text, -1) {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}

	var out []string
	for _, s := range doc.Sentences() {
		if t := strings.TrimSpace(s.Text); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func distinct(words []string, set map[string]struct{}) int {
	seen := make(map[string]struct{})
	for _, w := range words {
		if _, ok := set[w]; ok {
			seen[w] = struct{}{}
		}
	}
	return len(seen)
}

func educationalValue(words []string, moral bool) float64 {
	score := 0.7 * math.Min(1, float64(distinct(words, lessonWords))/6)
	if moral {
		score += 0.3
	}
	return clamp(score)
}

func engagementScore(text string, sentences, words []string) float64 {
	var score float64

	if strings.ContainsAny(text, "\"“”") {
		score += 0.25
	}

	exclaims := strings.Count(text, "!") + strings.Count(text, "?")
	score += 0.2 * math.Min(1, 2*float64(exclaims)/float64(len(sentences)))

	score += 0.3 * math.Min(1, float64(distinct(words, vividWords))/8)

	lengths := make([]float64, len(sentences))
	for i, s := range sentences {
		lengths[i] = float64(len(strings.Fields(s)))
	}
	mean, sd := meanStd(lengths)
	if mean > 0 {
		score += 0.25 * math.Min(1, (sd/mean)/0.5)
	}

	return clamp(score)
}

func coherenceScore(lower string, sentences, words []string) float64 {
	var score float64

	score += 0.25 * math.Min(1, float64(len(sentences))/5)

	mean := float64(len(words)) / float64(len(sentences))
	switch {
	case mean >= 8 && mean <= 20:
		score += 0.25
	case mean >= 4 && mean <= 30:
		score += 0.1
	}

	if containsAny(lower, openings) {
		score += 0.15
	}
	if containsAny(lower, closings) {
		score += 0.15
	}

	score += 0.2 * math.Min(1, float64(distinct(words, transitionWords))/4)

	return clamp(score)
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
