package story

import (
	"sort"
	"strings"
)

type Count struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type DatasetStats struct {
	TotalDocuments         int            `json:"total_documents"`
	TotalWords             int            `json:"total_words"`
	AverageWords           float64        `json:"average_words"`
	UniqueThemes           int            `json:"unique_themes"`
	UniqueCharacters       int            `json:"unique_characters"`
	WithMoral              int            `json:"with_moral"`
	AgeGroupDistribution   map[string]int `json:"age_group_distribution"`
	DifficultyDistribution map[string]int `json:"difficulty_distribution"`
	TopThemes              []Count        `json:"top_themes"`
	TopCharacters          []Count        `json:"top_characters"`
}

// Analyze summarises a normalized corpus. Top lists keep first-seen order on
// equal counts.
func Analyze(docs []StoryDocument, topN int) DatasetStats {
	stats := DatasetStats{
		TotalDocuments:         len(docs),
		AgeGroupDistribution:   map[string]int{},
		DifficultyDistribution: map[string]int{},
		TopThemes:              []Count{},
		TopCharacters:          []Count{},
	}

	themes := newCounter()
	characters := newCounter()

	for _, d := range docs {
		stats.TotalWords += d.WordCount
		if d.Moral != "" {
			stats.WithMoral++
		}
		stats.AgeGroupDistribution[d.AgeGroup]++
		stats.DifficultyDistribution[d.Difficulty]++
		for _, t := range d.Themes {
			themes.add(t)
		}
		for _, c := range d.Characters {
			characters.add(c)
		}
	}

	if stats.TotalDocuments > 0 {
		stats.AverageWords = float64(stats.TotalWords) / float64(stats.TotalDocuments)
	}
	stats.UniqueThemes = len(themes.order)
	stats.UniqueCharacters = len(characters.order)
	stats.TopThemes = themes.top(topN)
	stats.TopCharacters = characters.top(topN)

	return stats
}

type counter struct {
	counts map[string]int
	labels map[string]string
	order  []string
}

func newCounter() *counter {
	return &counter{counts: map[string]int{}, labels: map[string]string{}}
}

func (c *counter) add(value string) {
	key := strings.ToLower(strings.TrimSpace(value))
	if key == "" {
		return
	}
	if _, ok := c.counts[key]; !ok {
		c.order = append(c.order, key)
		c.labels[key] = strings.TrimSpace(value)
	}
	c.counts[key]++
}

func (c *counter) top(n int) []Count {
	out := make([]Count, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, Count{Value: c.labels[key], Count: c.counts[key]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
