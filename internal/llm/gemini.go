package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/loomi/story-rag/pkg/config"
	"github.com/loomi/story-rag/pkg/logger"
	"github.com/loomi/story-rag/pkg/retry"
)

const defaultGeminiEmbeddingModel = "text-embedding-004"

type GeminiClient struct {
	client         *genai.Client
	embeddingModel string
	defaults       defaults
	guard          guard
}

func NewGeminiClient(ctx context.Context, cfg config.LLMConfig) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" || strings.HasPrefix(embeddingModel, "text-embedding-3") {
		embeddingModel = defaultGeminiEmbeddingModel
	}

	logger.Info("LLM client initialized",
		zap.String("provider", "gemini"),
		zap.String("model", cfg.Model),
		zap.String("embedding_model", embeddingModel),
	)

	return &GeminiClient{
		client:         client,
		embeddingModel: embeddingModel,
		defaults:       newDefaults(cfg),
		guard:          newGuard("gemini"),
	}, nil
}

func (c *GeminiClient) Close() error {
	return c.client.Close()
}

func (c *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	req = c.defaults.apply(req)

	ctx, cancel := context.WithTimeout(ctx, c.defaults.timeout)
	defer cancel()

	system, rest := splitSystem(req.Messages)
	if len(rest) == 0 {
		return nil, fmt.Errorf("gemini completion needs a user message")
	}

	model := c.client.GenerativeModel(req.Model)
	model.SetTemperature(req.Temperature)
	model.SetMaxOutputTokens(int32(req.MaxTokens))
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	chat := model.StartChat()
	for _, m := range rest[:len(rest)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		chat.History = append(chat.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	last := rest[len(rest)-1]

	var result *CompletionResponse
	err := c.guard.do(ctx, func() error {
		resp, err := chat.SendMessage(ctx, genai.Text(last.Content))
		if err != nil {
			return fmt.Errorf("failed to generate content: %w", err)
		}

		var text strings.Builder
		if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
			for _, part := range resp.Candidates[0].Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
		if text.Len() == 0 {
			return retry.Permanent(ErrEmptyResponse)
		}

		result = &CompletionResponse{Content: text.String(), Model: req.Model}
		if resp.UsageMetadata != nil {
			result.Usage = Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Usage = ensureUsage(result.Usage, req.Messages, result.Content)
	RecordUsage(result.Model, result.Usage)
	return result, nil
}

func (c *GeminiClient) EmbeddingModel() string {
	return c.embeddingModel
}

func (c *GeminiClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.defaults.timeout)
	defer cancel()

	em := c.client.EmbeddingModel(c.embeddingModel)

	var embeddings [][]float32
	err := c.guard.do(ctx, func() error {
		batch := em.NewBatch()
		for _, t := range texts {
			batch.AddContent(genai.Text(t))
		}
		resp, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(resp.Embeddings) != len(texts) {
			return retry.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings)))
		}

		embeddings = make([][]float32, len(resp.Embeddings))
		for i, e := range resp.Embeddings {
			embeddings[i] = append([]float32(nil), e.Values...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return embeddings, nil
}
