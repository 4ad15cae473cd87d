package story

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDerivesWordCountAndDefaults(t *testing.T) {
	doc := StoryDocument{
		ID:         " f1 ",
		Title:      "The Lion and the Mouse",
		Content:    "A lion spared a mouse.  Later the mouse freed the lion.",
		Themes:     []string{"Kindness", "kindness", " gratitude "},
		Characters: []string{"Lion", "Mouse", "lion"},
	}

	doc.Normalize()

	assert.Equal(t, "f1", doc.ID)
	assert.Equal(t, 11, doc.WordCount)
	assert.Equal(t, []string{"kindness", "gratitude"}, doc.Themes)
	assert.Equal(t, []string{"Lion", "Mouse"}, doc.Characters)
	assert.Equal(t, DefaultAgeGroup, doc.AgeGroup)
	assert.Equal(t, DefaultDifficulty, doc.Difficulty)
	require.NoError(t, doc.Validate())
}

func TestValidateRejectsMalformedDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  StoryDocument
	}{
		{name: "missing id", doc: StoryDocument{Title: "t", Content: "c"}},
		{name: "missing content", doc: StoryDocument{ID: "x", Title: "t"}},
		{name: "missing title", doc: StoryDocument{ID: "x", Content: "c"}},
		{name: "bad age group", doc: StoryDocument{ID: "x", Title: "t", Content: "c", AgeGroup: "toddlers"}},
		{name: "descending age group", doc: StoryDocument{ID: "x", Title: "t", Content: "c", AgeGroup: "9-3"}},
		{name: "unknown difficulty", doc: StoryDocument{ID: "x", Title: "t", Content: "c", Difficulty: "extreme"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.doc.Normalize()
			err := tt.doc.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDocument))
		})
	}
}

func TestMetadataRoundTripKeepsFields(t *testing.T) {
	doc := StoryDocument{
		ID:         "f2",
		Title:      "The Tortoise and the Hare",
		Content:    "Slow and steady wins the race.",
		Themes:     []string{"perseverance", "humility"},
		Characters: []string{"Tortoise", "Hare"},
		Moral:      "Slow and steady wins the race",
		AgeGroup:   "3-7",
		Difficulty: "easy",
		Source:     "aesop",
		Collection: "aesop_fables",
	}
	doc.Normalize()

	back := FromMetadata(doc.ID, doc.Content, doc.Metadata())

	assert.Equal(t, doc, back)
}

func TestMetadataRoundTripKeepsCommasInsideValues(t *testing.T) {
	doc := StoryDocument{
		ID:         "p1",
		Title:      "Puss in Boots",
		Content:    "A clever cat won a kingdom for his master.",
		Themes:     []string{"wit, and cunning", "loyalty"},
		Characters: []string{"Puss, the Cat", "the Miller's Son"},
	}
	doc.Normalize()

	md := doc.Metadata()
	back := FromMetadata(doc.ID, doc.Content, md)

	assert.Equal(t, []string{"Puss, the Cat", "the Miller's Son"}, back.Characters)
	assert.Equal(t, []string{"wit, and cunning", "loyalty"}, back.Themes)
	assert.Equal(t, doc, back)
}

func TestFromMetadataReadsCommaSeparatedLists(t *testing.T) {
	back := FromMetadata("l1", "A lion spared a mouse.", map[string]string{
		"themes":     "kindness, Kindness , gratitude",
		"characters": "",
	})

	assert.Equal(t, []string{"kindness", "gratitude"}, back.Themes)
	assert.Empty(t, back.Characters)
}

func TestEmbeddingTextIncludesMetadataTerms(t *testing.T) {
	doc := StoryDocument{ID: "f3", Title: "The Fox", Content: "A fox told the truth.", Themes: []string{"honesty"}, Characters: []string{"fox"}, Moral: "Honesty is best"}

	text := doc.EmbeddingText()

	assert.Contains(t, text, "honesty")
	assert.Contains(t, text, "Honesty is best")
	assert.Contains(t, text, "The Fox")
}

func TestAnalyzeCountsDistributions(t *testing.T) {
	docs := []StoryDocument{
		{ID: "1", Title: "a", Content: "one two", Themes: []string{"courage"}, Characters: []string{"lion"}, AgeGroup: "3-7", Difficulty: "easy", Moral: "m"},
		{ID: "2", Title: "b", Content: "one two three", Themes: []string{"courage", "kindness"}, Characters: []string{"mouse"}, AgeGroup: "3-7", Difficulty: "medium"},
		{ID: "3", Title: "c", Content: "one", Themes: []string{"honesty"}, Characters: []string{"fox", "lion"}, AgeGroup: "7-12", Difficulty: "easy"},
	}
	for i := range docs {
		docs[i].Normalize()
	}

	stats := Analyze(docs, 2)

	assert.Equal(t, 3, stats.TotalDocuments)
	assert.Equal(t, 6, stats.TotalWords)
	assert.InDelta(t, 2.0, stats.AverageWords, 1e-9)
	assert.Equal(t, 3, stats.UniqueThemes)
	assert.Equal(t, 3, stats.UniqueCharacters)
	assert.Equal(t, 1, stats.WithMoral)
	assert.Equal(t, map[string]int{"3-7": 2, "7-12": 1}, stats.AgeGroupDistribution)
	assert.Equal(t, map[string]int{"easy": 2, "medium": 1}, stats.DifficultyDistribution)
	assert.Equal(t, []Count{{Value: "courage", Count: 2}, {Value: "kindness", Count: 1}}, stats.TopThemes)
	assert.Equal(t, []Count{{Value: "lion", Count: 2}, {Value: "mouse", Count: 1}}, stats.TopCharacters)
}

func TestAnalyzeEmptyCorpus(t *testing.T) {
	stats := Analyze(nil, 5)

	assert.Zero(t, stats.TotalDocuments)
	assert.Zero(t, stats.AverageWords)
	assert.Empty(t, stats.TopThemes)
}
