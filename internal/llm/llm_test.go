package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomi/story-rag/pkg/config"
)

func TestEstimateCost(t *testing.T) {
	cost := EstimateCost(Usage{PromptTokens: 1000, CompletionTokens: 500})
	assert.InDelta(t, 0.06, cost, 1e-12)
	assert.Zero(t, EstimateCost(Usage{}))
}

func TestConversationOmitsBlankSystemPrompt(t *testing.T) {
	assert.Equal(t, []Message{{Role: RoleUser, Content: "a story"}}, Conversation("  ", "a story"))
	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "be kind"},
		{Role: RoleUser, Content: "a story"},
	}, Conversation("be kind", "a story"))
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]Message{
		{Role: RoleSystem, Content: "one"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "two"},
	})
	assert.Equal(t, "one\n\ntwo", system)
	assert.Equal(t, []Message{{Role: RoleUser, Content: "hi"}}, rest)
}

func TestDefaultsApply(t *testing.T) {
	d := newDefaults(config.LLMConfig{Model: "gpt-4o-mini", Temperature: 0.7})
	req := d.apply(CompletionRequest{})
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.InDelta(t, 0.7, req.Temperature, 1e-6)
	assert.Equal(t, 5000, req.MaxTokens)

	req = d.apply(CompletionRequest{Model: "other", Temperature: 0.2, MaxTokens: 10})
	assert.Equal(t, "other", req.Model)
	assert.Equal(t, 10, req.MaxTokens)
}

func TestEnsureUsageEstimatesMissingCounts(t *testing.T) {
	kept := ensureUsage(Usage{PromptTokens: 3, CompletionTokens: 2}, nil, "ignored")
	assert.Equal(t, Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, kept)

	estimated := ensureUsage(Usage{}, Conversation("system", "tell me a story"), "Once upon a time")
	assert.Positive(t, estimated.PromptTokens)
	assert.Positive(t, estimated.CompletionTokens)
	assert.Equal(t, estimated.PromptTokens+estimated.CompletionTokens, estimated.TotalTokens)
}

func TestCountTokens(t *testing.T) {
	assert.Zero(t, CountTokens(""))
	assert.Positive(t, CountTokens("The tortoise and the hare"))
}

func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Once upon a time"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`))
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0, 1]},
				{"object": "embedding", "index": 0, "embedding": [1, 0]}
			]
		}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIClientComplete(t *testing.T) {
	srv := fakeOpenAI(t)
	c := NewOpenAIClient(config.LLMConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "gpt-4o-mini", TimeoutSec: 5})

	resp, err := c.Complete(context.Background(), CompletionRequest{Messages: Conversation("system", "story")})

	require.NoError(t, err)
	assert.Equal(t, "Once upon a time", resp.Content)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16}, resp.Usage)
}

func TestOpenAIClientEmbeddingsFollowIndex(t *testing.T) {
	srv := fakeOpenAI(t)
	c := NewOpenAIClient(config.LLMConfig{APIKey: "test", BaseURL: srv.URL + "/v1", TimeoutSec: 5})

	vectors, err := c.CreateEmbeddings(context.Background(), []string{"first", "second"})

	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
	assert.Equal(t, "text-embedding-3-small", c.EmbeddingModel())
}

func TestNewCompleterRejectsUnknownProvider(t *testing.T) {
	_, err := NewCompleter(context.Background(), config.LLMConfig{Provider: "mystery"})
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}
