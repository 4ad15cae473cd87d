package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/embedding"
	"github.com/loomi/story-rag/internal/metrics"
	"github.com/loomi/story-rag/internal/story"
	"github.com/loomi/story-rag/internal/tracing"
	"github.com/loomi/story-rag/internal/vector"
	"github.com/loomi/story-rag/pkg/logger"
)

// DefaultCollections are searched when no collection list is configured.
var DefaultCollections = []string{"aesop_fables", "indian_tales", "animated_movies", "animal_facts"}

const maxExpandedThemes = 2

// Searcher is the nearest-neighbour lookup the retriever needs;
// *vector.Manager satisfies it.
type Searcher interface {
	SearchSimilar(ctx context.Context, query, collection string, n int) ([]vector.SearchResult, error)
}

// ThemeExpander suggests themes related to the ones a query mentions;
// *graph.Client satisfies it.
type ThemeExpander interface {
	KnownThemes(ctx context.Context) ([]string, error)
	RelatedThemes(ctx context.Context, theme string, limit int) ([]string, error)
}

type RetrievedStory struct {
	story.StoryDocument
	Similarity float64 `json:"similarity_score"`
}

type RetrievalContext struct {
	Themes            []string `json:"themes"`
	Characters        []string `json:"characters"`
	Morals            []string `json:"morals"`
	AgeGroup          string   `json:"age_group"`
	AverageSimilarity float64  `json:"average_similarity"`
	StoryCount        int      `json:"story_count"`
}

type SmartResult struct {
	Query          string           `json:"query"`
	Stories        []RetrievedStory `json:"stories"`
	Context        RetrievalContext `json:"context"`
	PromptAddition string           `json:"prompt_addition"`
	RetrievedCount int              `json:"retrieved_count"`
}

type Config struct {
	Collections []string
	Timeout     time.Duration
	CacheTTL    time.Duration
	Expander    ThemeExpander
}

// Retriever turns free-text requests into ranked example stories. None of
// its operations fail: backend errors are logged, counted and degrade to an
// empty result.
type Retriever struct {
	searcher    Searcher
	expander    ThemeExpander
	collections []string
	timeout     time.Duration
	cache       *cache.Cache
}

func New(searcher Searcher, cfg Config) *Retriever {
	collections := cfg.Collections
	if len(collections) == 0 {
		collections = DefaultCollections
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	r := &Retriever{
		searcher:    searcher,
		expander:    cfg.Expander,
		collections: append([]string{}, collections...),
		timeout:     cfg.Timeout,
	}
	if cfg.CacheTTL > 0 {
		r.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return r
}

func (r *Retriever) Collections() []string {
	return append([]string{}, r.collections...)
}

func (r *Retriever) RetrieveRelevant(ctx context.Context, query string, n int) []RetrievedStory {
	return r.Retrieve(ctx, StrategyPlain, Params{Query: query}, n)
}

func (r *Retriever) RetrieveByTheme(ctx context.Context, theme string, n int) []RetrievedStory {
	return r.Retrieve(ctx, StrategyTheme, Params{Theme: theme}, n)
}

func (r *Retriever) RetrieveByCharacter(ctx context.Context, name string, n int) []RetrievedStory {
	return r.Retrieve(ctx, StrategyCharacter, Params{Character: name}, n)
}

func (r *Retriever) RetrieveByMoral(ctx context.Context, keyword string, n int) []RetrievedStory {
	return r.Retrieve(ctx, StrategyMoral, Params{Moral: keyword}, n)
}

func (r *Retriever) RetrieveByAgeGroup(ctx context.Context, ageGroup, topic string, n int) []RetrievedStory {
	return r.Retrieve(ctx, StrategyAgeGroup, Params{AgeGroup: ageGroup, Topic: topic}, n)
}

// Retrieve runs one strategy. The smart strategy returns only the stories
// of SmartRetrieve.
func (r *Retriever) Retrieve(ctx context.Context, strategy Strategy, p Params, n int) []RetrievedStory {
	if strategy == StrategySmart {
		return r.SmartRetrieve(ctx, p.Query, n).Stories
	}
	return r.search(ctx, strategy, BuildQuery(strategy, p), n)
}

// SmartRetrieve searches with the raw query, widens the search with
// related themes when an expander knows the themes the query mentions, and
// renders the context and prompt addition for the merged stories.
func (r *Retriever) SmartRetrieve(ctx context.Context, query string, n int) SmartResult {
	if n <= 0 || isBlank(query) {
		return SmartResult{Query: query, Stories: []RetrievedStory{}, Context: GetStoryContext(nil)}
	}

	key := fmt.Sprintf("%d|%s", n, query)
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			metrics.CacheHits.WithLabelValues("retrieval").Inc()
			return cached.(SmartResult)
		}
		metrics.CacheMisses.WithLabelValues("retrieval").Inc()
	}

	stories := r.search(ctx, StrategySmart, BuildQuery(StrategySmart, Params{Query: query}), n)
	for _, theme := range r.expandThemes(ctx, query) {
		stories = merge(stories, r.search(ctx, StrategyTheme, BuildQuery(StrategyTheme, Params{Theme: theme}), n), n)
	}

	storyContext := GetStoryContext(stories)
	result := SmartResult{
		Query:          query,
		Stories:        stories,
		Context:        storyContext,
		PromptAddition: FormatPromptAddition(stories, storyContext),
		RetrievedCount: len(stories),
	}

	if r.cache != nil && len(stories) > 0 {
		r.cache.SetDefault(key, result)
	}
	return result
}

func (r *Retriever) expandThemes(ctx context.Context, query string) []string {
	if r.expander == nil || isBlank(query) {
		return nil
	}

	known, err := r.knownThemes(ctx)
	if err != nil {
		logger.Warn("Failed to load known themes", zap.Error(err))
		return nil
	}

	tokens := make(map[string]struct{})
	for _, t := range embedding.Tokenize(query) {
		tokens[t] = struct{}{}
	}
	lowered := strings.ToLower(query)

	var related []string
	for _, theme := range known {
		theme = strings.ToLower(strings.TrimSpace(theme))
		if theme == "" {
			continue
		}
		_, mentioned := tokens[theme]
		if !mentioned && strings.Contains(theme, " ") {
			mentioned = strings.Contains(lowered, theme)
		}
		if !mentioned {
			continue
		}

		others, err := r.expander.RelatedThemes(ctx, theme, maxExpandedThemes)
		if err != nil {
			logger.Warn("Failed to expand theme", zap.String("theme", theme), zap.Error(err))
			continue
		}
		related = append(related, others...)
		if len(related) >= maxExpandedThemes {
			break
		}
	}

	if len(related) > maxExpandedThemes {
		related = related[:maxExpandedThemes]
	}
	return related
}

func (r *Retriever) knownThemes(ctx context.Context) ([]string, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get("known_themes"); ok {
			return v.([]string), nil
		}
	}
	themes, err := r.expander.KnownThemes(ctx)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.SetDefault("known_themes", themes)
	}
	return themes, nil
}

type candidate struct {
	story      RetrievedStory
	collection int
	rank       int
}

// search queries every collection and merges the hits by similarity. Ties
// keep collection order, then per-collection rank.
func (r *Retriever) search(ctx context.Context, strategy Strategy, query string, n int) []RetrievedStory {
	if n <= 0 || strings.TrimSpace(query) == "" {
		return []RetrievedStory{}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := tracing.Start(ctx, "rag.retrieve",
		attribute.String("strategy", string(strategy)),
		attribute.Int("n", n),
	)

	var (
		candidates []candidate
		failures   int
		lastErr    error
	)
	for ci, collection := range r.collections {
		results, err := r.searcher.SearchSimilar(ctx, query, collection, n)
		if err != nil {
			failures++
			lastErr = err
			metrics.RetrievalFailures.WithLabelValues(string(strategy)).Inc()
			logger.Warn("Retrieval failed",
				zap.String("strategy", string(strategy)),
				zap.String("collection", collection),
				zap.Error(err),
			)
			continue
		}
		for rank, res := range results {
			candidates = append(candidates, candidate{
				story:      toRetrieved(res, collection),
				collection: ci,
				rank:       rank,
			})
		}
	}
	if failures < len(r.collections) {
		lastErr = nil
	}
	tracing.End(span, lastErr)

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].story.Similarity > candidates[j].story.Similarity
	})

	stories := make([]RetrievedStory, 0, n)
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if len(stories) == n {
			break
		}
		key := storyKey(c.story)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		stories = append(stories, c.story)
	}

	metrics.RetrievedStoriesCount.WithLabelValues(string(strategy)).Observe(float64(len(stories)))
	for _, s := range stories {
		metrics.SimilarityScore.Observe(s.Similarity)
	}
	return stories
}

func toRetrieved(res vector.SearchResult, collection string) RetrievedStory {
	doc := story.FromMetadata(res.DocumentID, res.Document, res.Metadata)
	if doc.Collection == "" {
		doc.Collection = collection
	}
	return RetrievedStory{
		StoryDocument: doc,
		Similarity:    vector.Similarity(res.Distance),
	}
}

func storyKey(s RetrievedStory) string {
	return s.Collection + "/" + s.ID
}

// merge unions two ranked lists by story, keeping the higher similarity and
// the earlier position, and returns the best n.
func merge(base, extra []RetrievedStory, n int) []RetrievedStory {
	out := make([]RetrievedStory, 0, len(base)+len(extra))
	index := make(map[string]int, len(base)+len(extra))
	for _, list := range [][]RetrievedStory{base, extra} {
		for _, s := range list {
			key := storyKey(s)
			if i, ok := index[key]; ok {
				if s.Similarity > out[i].Similarity {
					out[i].Similarity = s.Similarity
				}
				continue
			}
			index[key] = len(out)
			out = append(out, s)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
