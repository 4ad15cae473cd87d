package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/generation"
	"github.com/loomi/story-rag/internal/research"
	"github.com/loomi/story-rag/internal/retrieval"
	"github.com/loomi/story-rag/pkg/logger"
)

type StoryGenerator interface {
	GenerateStory(ctx context.Context, userRequest string, useRAG bool, p generation.Params) (*generation.StoryResult, error)
	StreamStory(ctx context.Context, userRequest string, useRAG bool, p generation.Params, onDelta func(string) error) (*generation.StoryResult, error)
}

type ComparisonRunner interface {
	Compare(ctx context.Context, userRequest string, p generation.Params) (*research.Session, *generation.Comparison, error)
}

type StoryRetriever interface {
	SmartRetrieve(ctx context.Context, query string, n int) retrieval.SmartResult
	Retrieve(ctx context.Context, strategy retrieval.Strategy, p retrieval.Params, n int) []retrieval.RetrievedStory
}

type RAGHandler struct {
	generator      StoryGenerator
	runner         ComparisonRunner
	retriever      StoryRetriever
	defaultResults int
}

func NewRAGHandler(generator StoryGenerator, runner ComparisonRunner, retriever StoryRetriever, defaultResults int) *RAGHandler {
	if defaultResults <= 0 {
		defaultResults = generation.DefaultRetrievedStories
	}
	return &RAGHandler{
		generator:      generator,
		runner:         runner,
		retriever:      retriever,
		defaultResults: defaultResults,
	}
}

func (h *RAGHandler) Generate(c *fiber.Ctx) error {
	var req GenerateRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}

	result, err := h.generator.GenerateStory(c.UserContext(), req.UserRequest, req.RAGEnabled(), req.params())
	if err != nil {
		logger.Error("Failed to generate story", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Story generation failed",
		})
	}

	return c.JSON(newStoryResponse(result))
}

// Compare generates the matched pair and records it as a research session.
func (h *RAGHandler) Compare(c *fiber.Ctx) error {
	var req CompareRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}

	session, cmp, err := h.runner.Compare(c.UserContext(), req.UserRequest, req.params())
	if cmp == nil {
		logger.Error("Failed to compare stories", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Comparison failed",
		})
	}
	if err != nil {
		logger.Warn("Comparison generated but not recorded", zap.Error(err))
	}

	sessionID := ""
	if session != nil {
		sessionID = session.SessionID
	}

	return c.JSON(fiber.Map{
		"session_id":   sessionID,
		"user_request": cmp.UserRequest,
		"stories":      cmp.Stories,
		"comparison":   cmp.Comparison,
	})
}

// Retrieve runs one retrieval strategy; smart is the default.
func (h *RAGHandler) Retrieve(c *fiber.Ctx) error {
	strategy, err := retrieval.ParseStrategy(c.Query("strategy"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	n := c.QueryInt("n_results", h.defaultResults)
	if n < 1 || n > maxRetrievedStories {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "n_results must be between 1 and 20",
		})
	}

	p := retrieval.Params{
		Query:     c.Query("query"),
		Theme:     c.Query("theme"),
		Character: c.Query("character"),
		Moral:     c.Query("moral"),
		AgeGroup:  c.Query("age_group"),
		Topic:     c.Query("topic"),
	}

	var result retrieval.SmartResult
	if strategy == retrieval.StrategySmart {
		if strings.TrimSpace(p.Query) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "query is required",
			})
		}
		result = h.retriever.SmartRetrieve(c.UserContext(), p.Query, n)
	} else {
		query := retrieval.BuildQuery(strategy, p)
		if query == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "missing input for strategy " + string(strategy),
			})
		}
		stories := h.retriever.Retrieve(c.UserContext(), strategy, p, n)
		storyContext := retrieval.GetStoryContext(stories)
		result = retrieval.SmartResult{
			Query:          query,
			Stories:        stories,
			Context:        storyContext,
			PromptAddition: retrieval.FormatPromptAddition(stories, storyContext),
			RetrievedCount: len(stories),
		}
	}

	return c.JSON(fiber.Map{
		"strategy":        strategy,
		"query":           result.Query,
		"stories":         nonNil(result.Stories),
		"context":         result.Context,
		"prompt_addition": result.PromptAddition,
		"retrieved_count": result.RetrievedCount,
	})
}
