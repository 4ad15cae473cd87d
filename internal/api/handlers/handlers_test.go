package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomi/story-rag/internal/generation"
	"github.com/loomi/story-rag/internal/research"
	"github.com/loomi/story-rag/internal/retrieval"
	"github.com/loomi/story-rag/internal/story"
	"github.com/loomi/story-rag/internal/vector"
)

type fakeGenerator struct {
	useRAG  bool
	request string
	params  generation.Params
	err     error
}

func (f *fakeGenerator) GenerateStory(_ context.Context, userRequest string, useRAG bool, p generation.Params) (*generation.StoryResult, error) {
	f.request, f.useRAG, f.params = userRequest, useRAG, p
	if f.err != nil {
		return nil, f.err
	}
	score := 0.8
	return &generation.StoryResult{
		UserRequest: userRequest,
		RAGEnabled:  useRAG,
		Story: generation.StoryVariant{
			Content: "Once upon a time a small lion learned to be brave.",
			Metrics: &generation.RAGStoryMetrics{
				GenerationTime:        1.25,
				WordCount:             10,
				PageCount:             1,
				RetrievedStoriesCount: 1,
				RetrievedThemes:       []string{"courage"},
				SimilarityScores:      []float64{0.9},
				EducationalValueScore: &score,
				MoralLessonPresent:    true,
			},
		},
	}, nil
}

func (f *fakeGenerator) StreamStory(ctx context.Context, userRequest string, useRAG bool, p generation.Params, onDelta func(string) error) (*generation.StoryResult, error) {
	r, err := f.GenerateStory(ctx, userRequest, useRAG, p)
	if err != nil {
		return nil, err
	}
	return r, onDelta(r.Story.Content)
}

type fakeRunner struct {
	err error
}

func (f fakeRunner) Compare(_ context.Context, userRequest string, _ generation.Params) (*research.Session, *generation.Comparison, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	cmp := &generation.Comparison{UserRequest: userRequest}
	cmp.Stories.WithoutRAG = generation.StoryVariant{Content: "plain", Metrics: &generation.RAGStoryMetrics{}}
	cmp.Stories.WithRAG = generation.StoryVariant{Content: "enhanced", Metrics: &generation.RAGStoryMetrics{}}
	return &research.Session{SessionID: "rag_session_test"}, cmp, nil
}

type fakeRetriever struct {
	smartCalls int
	smartN     int
	strategy   retrieval.Strategy
}

func (f *fakeRetriever) SmartRetrieve(_ context.Context, query string, n int) retrieval.SmartResult {
	f.smartCalls++
	f.smartN = n
	return retrieval.SmartResult{Query: query, Stories: []retrieval.RetrievedStory{}}
}

func (f *fakeRetriever) Retrieve(_ context.Context, strategy retrieval.Strategy, _ retrieval.Params, _ int) []retrieval.RetrievedStory {
	f.strategy = strategy
	return []retrieval.RetrievedStory{{
		StoryDocument: story.StoryDocument{ID: "f1", Title: "The Lion and the Mouse", Themes: []string{"kindness"}, AgeGroup: "4-8"},
		Similarity:    0.9,
	}}
}

type fakeIndexer struct {
	indexed bool
	err     error
	docs    []story.StoryDocument
}

func (f *fakeIndexer) IndexCollection(_ context.Context, docs []story.StoryDocument, _ string) (bool, error) {
	f.docs = docs
	return f.indexed, f.err
}

func (f *fakeIndexer) ListCollections(context.Context) ([]vector.CollectionStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []vector.CollectionStats{{Name: "aesop_fables", Count: 3}}, nil
}

type testServer struct {
	app       *fiber.App
	generator *fakeGenerator
	retriever *fakeRetriever
	indexer   *fakeIndexer
	collector *research.Collector
}

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestServer(t *testing.T, runner ComparisonRunner) *testServer {
	t.Helper()
	s := &testServer{
		app:       fiber.New(),
		generator: &fakeGenerator{},
		retriever: &fakeRetriever{},
		indexer:   &fakeIndexer{indexed: true},
		collector: research.NewCollector(research.Config{
			OutputDir: t.TempDir(),
			Clock:     func() time.Time { return testNow },
		}),
	}
	if runner == nil {
		runner = fakeRunner{}
	}
	Register(s.app.Group("/api/v1/rag"), Handlers{
		RAG:         NewRAGHandler(s.generator, runner, s.retriever, 3),
		Research:    NewResearchHandler(s.collector),
		Collections: NewCollectionHandler(s.indexer),
		Health:      NewHealthHandler(s.indexer, s.collector, "openai"),
	})
	return s
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestGenerateDefaultsToRAG(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodPost, "/api/v1/rag/generate", `{"user_request":"a brave lion","max_tokens":800}`)

	assert.Equal(t, http.StatusOK, code)
	assert.True(t, s.generator.useRAG)
	assert.Equal(t, 800, s.generator.params.MaxTokens)
	assert.Equal(t, true, body["rag_enabled"])
	assert.Equal(t, 0.8, body["educational_value_score"])
	assert.Nil(t, body["coherence_score"])
	assert.Equal(t, []any{"courage"}, body["retrieved_themes"])
	assert.Equal(t, []any{}, body["retrieved_characters"])
}

func TestGenerateHonoursUseRAGFalse(t *testing.T) {
	s := newTestServer(t, nil)

	code, _ := s.do(t, http.MethodPost, "/api/v1/rag/generate", `{"user_request":"a brave lion","use_rag":false}`)

	assert.Equal(t, http.StatusOK, code)
	assert.False(t, s.generator.useRAG)
}

func TestGenerateValidatesBody(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodPost, "/api/v1/rag/generate", `{"temperature":0.5}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "user_request failed required", body["error"])

	code, body = s.do(t, http.MethodPost, "/api/v1/rag/generate", `{"user_request":"x","temperature":3}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "temperature failed lte=2", body["error"])

	code, _ = s.do(t, http.MethodPost, "/api/v1/rag/generate", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGenerateFailure(t *testing.T) {
	s := newTestServer(t, nil)
	s.generator.err = errors.New("provider down")

	code, body := s.do(t, http.MethodPost, "/api/v1/rag/generate", `{"user_request":"a brave lion"}`)

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Story generation failed", body["error"])
}

func TestCompare(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodPost, "/api/v1/rag/compare", `{"user_request":"a brave lion"}`)

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rag_session_test", body["session_id"])
	stories := body["stories"].(map[string]any)
	assert.Equal(t, "plain", stories["without_rag"].(map[string]any)["content"])
	assert.Equal(t, "enhanced", stories["with_rag"].(map[string]any)["content"])
}

func TestCompareFailure(t *testing.T) {
	s := newTestServer(t, fakeRunner{err: errors.New("timeout")})

	code, body := s.do(t, http.MethodPost, "/api/v1/rag/compare", `{"user_request":"a brave lion"}`)

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Comparison failed", body["error"])
}

func TestRetrieve(t *testing.T) {
	s := newTestServer(t, nil)

	code, _ := s.do(t, http.MethodGet, "/api/v1/rag/retrieve", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := s.do(t, http.MethodGet, "/api/v1/rag/retrieve?query=courage", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, s.retriever.smartCalls)
	assert.Equal(t, 3, s.retriever.smartN)
	assert.Equal(t, "smart", body["strategy"])
	assert.Equal(t, []any{}, body["stories"])

	code, _ = s.do(t, http.MethodGet, "/api/v1/rag/retrieve?query=courage&n_results=50", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/rag/retrieve?strategy=telepathy&query=x", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/rag/retrieve?strategy=theme", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(t, http.MethodGet, "/api/v1/rag/retrieve?strategy=theme&theme=kindness", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, retrieval.StrategyTheme, s.retriever.strategy)
	assert.Equal(t, float64(1), body["retrieved_count"])
	assert.Contains(t, body["prompt_addition"], "The Lion and the Mouse")
}

func TestSessionRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	recorded, err := s.collector.RecordComparison(context.Background(), research.ComparisonRecord{UserRequest: "a brave lion"})
	require.NoError(t, err)

	code, body := s.do(t, http.MethodGet, "/api/v1/rag/sessions", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, body = s.do(t, http.MethodGet, "/api/v1/rag/sessions/"+recorded.SessionID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, recorded.SessionID, body["session_id"])

	code, _ = s.do(t, http.MethodGet, "/api/v1/rag/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.do(t, http.MethodGet, "/api/v1/rag/sessions/range?start=2026-03-14T00:00:00Z&end=2026-03-14T23:59:59Z", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, _ = s.do(t, http.MethodGet, "/api/v1/rag/sessions/range?start=2026-03-15T00:00:00Z&end=2026-03-14T00:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/rag/sessions/range?start=yesterday&end=2026-03-14", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetricsRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodGet, "/api/v1/rag/metrics/summary", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["total_sessions"])
	assert.Equal(t, map[string]any{}, body["avg_quality_improvement"])

	code, body = s.do(t, http.MethodPost, "/api/v1/rag/metrics/export", "")
	require.Equal(t, http.StatusOK, code)
	files := body["files"].(map[string]any)
	assert.Contains(t, files["report_file"], "rag_research_report_20260314_093000")
}

func TestCollectionRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodGet, "/api/v1/rag/collections", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["collections"], 1)

	doc := `{"documents":[{"id":"f1","title":"The Fox","content":"A fox met a crow."}]}`

	code, _ = s.do(t, http.MethodPost, "/api/v1/rag/collections/Bad-Name/index", doc)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/rag/collections/aesop_fables/index", `{"documents":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(t, http.MethodPost, "/api/v1/rag/collections/aesop_fables/index", doc)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["submitted"])
	require.Len(t, s.indexer.docs, 1)
	assert.Equal(t, "The Fox", s.indexer.docs[0].Title)

	s.indexer.indexed = false
	code, _ = s.do(t, http.MethodPost, "/api/v1/rag/collections/aesop_fables/index", doc)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodGet, "/api/v1/rag/health", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(3), body["total_documents"])
	assert.Equal(t, true, body["retriever_ready"])

	s.indexer.err = errors.New("connection refused")
	code, body = s.do(t, http.MethodGet, "/api/v1/rag/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
}
