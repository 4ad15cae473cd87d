package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomi/story-rag/internal/story"
)

func TestStoryParamsLowercasesCharacters(t *testing.T) {
	docs := []story.StoryDocument{{
		ID:         "f1",
		Title:      "The Lion and the Mouse",
		Themes:     []string{"kindness"},
		Characters: []string{"Lion", "Mouse"},
		Moral:      "No act of kindness is ever wasted",
		AgeGroup:   "3-7",
	}}

	params := storyParams(docs)

	assert.Len(t, params, 1)
	assert.Equal(t, "f1", params[0]["id"])
	assert.Equal(t, []string{"kindness"}, params[0]["themes"])
	assert.Equal(t, []string{"lion", "mouse"}, params[0]["characters"])
	assert.Equal(t, "3-7", params[0]["age_group"])
}
