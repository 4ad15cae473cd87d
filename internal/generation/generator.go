package generation

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/llm"
	"github.com/loomi/story-rag/internal/metrics"
	"github.com/loomi/story-rag/internal/retrieval"
	"github.com/loomi/story-rag/internal/story"
	"github.com/loomi/story-rag/internal/tracing"
	"github.com/loomi/story-rag/pkg/logger"
)

const (
	VariantWithoutRAG = "without_rag"
	VariantWithRAG    = "with_rag"

	DefaultRetrievedStories = 3
)

// Retriever supplies the example stories for the enhanced prompt.
type Retriever interface {
	SmartRetrieve(ctx context.Context, query string, n int) retrieval.SmartResult
}

// Params are per-request overrides; zero values fall back to the client
// defaults.
type Params struct {
	Model             string  `json:"model,omitempty"`
	Temperature       float32 `json:"temperature,omitempty"`
	MaxTokens         int     `json:"max_tokens,omitempty"`
	NRetrievedStories int     `json:"n_retrieved_stories,omitempty"`
}

type Config struct {
	SystemPrompt string
}

type StoryVariant struct {
	Content   string           `json:"content"`
	Metrics   *RAGStoryMetrics `json:"metrics"`
	Storybook *story.Storybook `json:"storybook,omitempty"`
}

type ComparisonSummary struct {
	GenerationTimeDifference float64            `json:"generation_time_difference"`
	WordCountDifference      int                `json:"word_count_difference"`
	RetrievedStoriesCount    int                `json:"retrieved_stories_count"`
	RAGContextLength         int                `json:"rag_context_length"`
	QualityImprovement       map[string]float64 `json:"quality_improvement"`
}

type Comparison struct {
	UserRequest string `json:"user_request"`
	Stories     struct {
		WithoutRAG StoryVariant `json:"without_rag"`
		WithRAG    StoryVariant `json:"with_rag"`
	} `json:"stories"`
	Comparison ComparisonSummary     `json:"comparison"`
	Retrieval  retrieval.SmartResult `json:"-"`
}

type StoryResult struct {
	UserRequest string                 `json:"user_request"`
	RAGEnabled  bool                   `json:"rag_enabled"`
	Story       StoryVariant           `json:"story"`
	Retrieval   *retrieval.SmartResult `json:"-"`
}

// Generator produces children's stories with and without retrieved
// examples in the prompt.
type Generator struct {
	completer    llm.Completer
	retriever    Retriever
	systemPrompt string
	now          func() time.Time
}

func New(completer llm.Completer, retriever Retriever, cfg Config) *Generator {
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	return &Generator{
		completer:    completer,
		retriever:    retriever,
		systemPrompt: prompt,
		now:          time.Now,
	}
}

// GenerateComparison generates the baseline story, then the story whose
// prompt carries the retrieved examples. Either failure fails the whole
// comparison.
func (g *Generator) GenerateComparison(ctx context.Context, userRequest string, p Params) (comparison *Comparison, err error) {
	ctx, span := tracing.Start(ctx, "rag.compare", attribute.Int("request_length", len(userRequest)))
	defer func() { tracing.End(span, err) }()

	baseline, err := g.generate(ctx, userRequest, g.systemPrompt, nil, p, VariantWithoutRAG, nil)
	if err != nil {
		return nil, fmt.Errorf("baseline generation failed: %w", err)
	}

	result := g.retrieve(ctx, userRequest, p)
	enhanced, err := g.generate(ctx, userRequest, g.systemPrompt, &result, p, VariantWithRAG, nil)
	if err != nil {
		return nil, fmt.Errorf("rag generation failed: %w", err)
	}

	comparison = &Comparison{UserRequest: userRequest, Retrieval: result}
	comparison.Stories.WithoutRAG = *baseline
	comparison.Stories.WithRAG = *enhanced
	comparison.Comparison = ComparisonSummary{
		GenerationTimeDifference: enhanced.Metrics.GenerationTime - baseline.Metrics.GenerationTime,
		WordCountDifference:      enhanced.Metrics.WordCount - baseline.Metrics.WordCount,
		RetrievedStoriesCount:    enhanced.Metrics.RetrievedStoriesCount,
		RAGContextLength:         enhanced.Metrics.RAGContextLength,
		QualityImprovement:       QualityDelta(enhanced.Metrics, baseline.Metrics),
	}

	logger.Info("Comparison generated",
		zap.Int("retrieved_stories", len(result.Stories)),
		zap.Float64("baseline_seconds", baseline.Metrics.GenerationTime),
		zap.Float64("rag_seconds", enhanced.Metrics.GenerationTime),
	)
	return comparison, nil
}

// GenerateStory produces one story, optionally grounded on retrieved
// examples.
func (g *Generator) GenerateStory(ctx context.Context, userRequest string, useRAG bool, p Params) (*StoryResult, error) {
	return g.single(ctx, userRequest, useRAG, p, nil)
}

// StreamStory is GenerateStory with each text fragment passed to onDelta as
// it arrives. Completers that cannot stream deliver the whole story as one
// fragment.
func (g *Generator) StreamStory(ctx context.Context, userRequest string, useRAG bool, p Params, onDelta func(string) error) (*StoryResult, error) {
	if onDelta == nil {
		return nil, errors.New("stream callback is required")
	}
	return g.single(ctx, userRequest, useRAG, p, onDelta)
}

func (g *Generator) single(ctx context.Context, userRequest string, useRAG bool, p Params, onDelta func(string) error) (*StoryResult, error) {
	variant := VariantWithoutRAG
	var result *retrieval.SmartResult
	if useRAG {
		variant = VariantWithRAG
		r := g.retrieve(ctx, userRequest, p)
		result = &r
	}

	out, err := g.generate(ctx, userRequest, g.systemPrompt, result, p, variant, onDelta)
	if err != nil {
		return nil, fmt.Errorf("story generation failed: %w", err)
	}
	return &StoryResult{
		UserRequest: userRequest,
		RAGEnabled:  useRAG,
		Story:       *out,
		Retrieval:   result,
	}, nil
}

func (g *Generator) retrieve(ctx context.Context, userRequest string, p Params) retrieval.SmartResult {
	n := p.NRetrievedStories
	if n <= 0 {
		n = DefaultRetrievedStories
	}
	if g.retriever == nil {
		return retrieval.SmartResult{Query: userRequest, Stories: []retrieval.RetrievedStory{}}
	}
	return g.retriever.SmartRetrieve(ctx, userRequest, n)
}

func (g *Generator) generate(ctx context.Context, userRequest, systemPrompt string, result *retrieval.SmartResult, p Params, variant string, onDelta func(string) error) (out *StoryVariant, err error) {
	ctx, span := tracing.Start(ctx, "story.generate",
		attribute.String("variant", variant),
		attribute.Bool("streaming", onDelta != nil),
	)
	defer func() {
		if out != nil {
			span.SetAttributes(
				attribute.Int("tokens.prompt", out.Metrics.PromptTokens),
				attribute.Int("tokens.completion", out.Metrics.CompletionTokens),
				attribute.Float64("cost.estimated_usd", out.Metrics.EstimatedCost),
				attribute.Int("story.pages", out.Metrics.PageCount),
			)
		}
		tracing.End(span, err)
	}()

	ragLength := 0
	if result != nil && len(result.Stories) > 0 {
		systemPrompt += result.PromptAddition
		ragLength = utf8.RuneCountInString(result.PromptAddition)
	}

	req := llm.CompletionRequest{
		Messages:    llm.Conversation(systemPrompt, userRequest),
		Model:       p.Model,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}

	startedAt := g.now()
	start := time.Now()
	resp, err := g.complete(ctx, req, onDelta)
	elapsed := time.Since(start)
	if err != nil {
		logger.Error("Story generation failed", zap.String("variant", variant), zap.Error(err))
		return nil, err
	}
	metrics.GenerationDuration.WithLabelValues(variant).Observe(elapsed.Seconds())

	text, book := interpret(resp.Content)
	pages := 0
	if book != nil {
		pages = book.PageCount()
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	usage := resp.Usage
	if usage.TotalTokens == 0 {
		usage = llm.EstimateUsage(req.Messages, resp.Content)
	}

	return &StoryVariant{
		Content:   text,
		Storybook: book,
		Metrics: buildMetrics(measurement{
			prompt:    systemPrompt,
			model:     model,
			startedAt: startedAt,
			elapsed:   elapsed,
			text:      text,
			pages:     pages,
			usage:     usage,
			retrieval: result,
			ragLength: ragLength,
		}),
	}, nil
}

func (g *Generator) complete(ctx context.Context, req llm.CompletionRequest, onDelta func(string) error) (*llm.CompletionResponse, error) {
	if onDelta == nil {
		return g.completer.Complete(ctx, req)
	}
	if s, ok := g.completer.(llm.Streamer); ok {
		return s.Stream(ctx, req, onDelta)
	}
	resp, err := g.completer.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := onDelta(resp.Content); err != nil {
		return nil, err
	}
	return resp, nil
}

// interpret unwraps structured storybook output. JSON that does not match
// the storybook shape is kept as plain text.
func interpret(content string) (string, *story.Storybook) {
	if !story.LooksStructured(content) {
		return content, nil
	}
	book, err := story.ParseStorybook(content)
	if err != nil {
		var malformed *story.MalformedResponseError
		if errors.As(err, &malformed) {
			logger.Warn("Structured story did not match storybook schema",
				zap.String("field", malformed.Field),
				zap.String("reason", malformed.Reason),
			)
		}
		return content, nil
	}
	return book.Text(), book
}
