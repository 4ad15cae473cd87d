package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/loomi/story-rag/internal/generation"
	"github.com/loomi/story-rag/internal/story"
)

const maxRetrievedStories = 20

type GenerateRequest struct {
	UserRequest       string  `json:"user_request" validate:"required,max=5000"`
	UseRAG            *bool   `json:"use_rag"`
	Model             string  `json:"model" validate:"max=128"`
	Temperature       float32 `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int     `json:"max_tokens" validate:"gte=0,lte=32000"`
	NRetrievedStories int     `json:"n_retrieved_stories" validate:"gte=0,lte=20"`
}

// RAGEnabled defaults to true when use_rag is omitted.
func (r GenerateRequest) RAGEnabled() bool {
	return r.UseRAG == nil || *r.UseRAG
}

func (r GenerateRequest) params() generation.Params {
	return generation.Params{
		Model:             r.Model,
		Temperature:       r.Temperature,
		MaxTokens:         r.MaxTokens,
		NRetrievedStories: r.NRetrievedStories,
	}
}

type CompareRequest struct {
	UserRequest       string  `json:"user_request" validate:"required,max=5000"`
	Model             string  `json:"model" validate:"max=128"`
	Temperature       float32 `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int     `json:"max_tokens" validate:"gte=0,lte=32000"`
	NRetrievedStories int     `json:"n_retrieved_stories" validate:"gte=0,lte=20"`
}

func (r CompareRequest) params() generation.Params {
	return generation.Params{
		Model:             r.Model,
		Temperature:       r.Temperature,
		MaxTokens:         r.MaxTokens,
		NRetrievedStories: r.NRetrievedStories,
	}
}

// IndexRequest carries documents for one collection. Individual documents
// are validated by the vector manager, which skips the malformed ones.
type IndexRequest struct {
	Documents []story.StoryDocument `json:"documents" validate:"required,min=1,max=1000"`
}

// StoryResponse is the flat view of one generated story.
type StoryResponse struct {
	StoryContent          string                      `json:"story_content"`
	RAGEnabled            bool                        `json:"rag_enabled"`
	GenerationTime        float64                     `json:"generation_time"`
	WordCount             int                         `json:"word_count"`
	PageCount             int                         `json:"page_count"`
	RetrievedStoriesCount int                         `json:"retrieved_stories_count"`
	RetrievedThemes       []string                    `json:"retrieved_themes"`
	RetrievedCharacters   []string                    `json:"retrieved_characters"`
	SimilarityScores      []float64                   `json:"similarity_scores"`
	EducationalValueScore *float64                    `json:"educational_value_score"`
	EngagementScore       *float64                    `json:"engagement_score"`
	CoherenceScore        *float64                    `json:"coherence_score"`
	MoralLessonPresent    bool                        `json:"moral_lesson_present"`
	Storybook             *story.Storybook            `json:"storybook,omitempty"`
	Metrics               *generation.RAGStoryMetrics `json:"metrics"`
}

func newStoryResponse(r *generation.StoryResult) StoryResponse {
	m := r.Story.Metrics
	if m == nil {
		m = &generation.RAGStoryMetrics{}
	}
	return StoryResponse{
		StoryContent:          r.Story.Content,
		RAGEnabled:            r.RAGEnabled,
		GenerationTime:        m.GenerationTime,
		WordCount:             m.WordCount,
		PageCount:             m.PageCount,
		RetrievedStoriesCount: m.RetrievedStoriesCount,
		RetrievedThemes:       nonNil(m.RetrievedThemes),
		RetrievedCharacters:   nonNil(m.RetrievedCharacters),
		SimilarityScores:      nonNil(m.SimilarityScores),
		EducationalValueScore: m.EducationalValueScore,
		EngagementScore:       m.EngagementScore,
		CoherenceScore:        m.CoherenceScore,
		MoralLessonPresent:    m.MoralLessonPresent,
		Storybook:             r.Story.Storybook,
		Metrics:               m,
	}
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// bind parses and validates a JSON body. The returned error is a
// *fiber.Error carrying the response status.
func bind(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}

func respondError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
