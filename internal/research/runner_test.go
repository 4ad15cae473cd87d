package research

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomi/story-rag/internal/generation"
)

type fakeComparer struct {
	cmp *generation.Comparison
	err error
}

func (f fakeComparer) GenerateComparison(context.Context, string, generation.Params) (*generation.Comparison, error) {
	return f.cmp, f.err
}

func TestRunnerRecordsSuccessfulComparison(t *testing.T) {
	with, without := pair(3.5, 2.0)
	cmp := &generation.Comparison{UserRequest: "a brave lion"}
	cmp.Stories.WithRAG = generation.StoryVariant{Content: "enhanced", Metrics: with}
	cmp.Stories.WithoutRAG = generation.StoryVariant{Content: "plain", Metrics: without}

	c := NewCollector(Config{Clock: fixedClock})
	session, got, err := NewRunner(fakeComparer{cmp: cmp}, c).Compare(context.Background(), "a brave lion", generation.Params{})
	require.NoError(t, err)

	assert.Same(t, cmp, got)
	assert.True(t, session.Success)
	assert.Equal(t, "enhanced", session.StoryWithRAG)
	assert.Equal(t, 1.5, session.RAGOverhead)
	assert.Equal(t, 1, c.Count())
}

func TestRunnerRecordsFailedComparison(t *testing.T) {
	c := NewCollector(Config{})
	session, cmp, err := NewRunner(fakeComparer{err: errors.New("llm unavailable")}, c).Compare(context.Background(), "anything", generation.Params{})

	assert.Error(t, err)
	assert.Nil(t, session)
	assert.Nil(t, cmp)

	sessions := c.Sessions()
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Success)
	assert.Equal(t, "llm unavailable", sessions[0].ErrorMessage)
	assert.Nil(t, sessions[0].MetricsWithRAG)
}
