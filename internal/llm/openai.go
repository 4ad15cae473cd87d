package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/pkg/config"
	"github.com/loomi/story-rag/pkg/logger"
	"github.com/loomi/story-rag/pkg/retry"
)

type OpenAIClient struct {
	client         *openai.Client
	embeddingModel string
	defaults       defaults
	guard          guard
}

func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = string(openai.SmallEmbedding3)
	}

	logger.Info("LLM client initialized",
		zap.String("provider", "openai"),
		zap.String("model", cfg.Model),
		zap.String("embedding_model", embeddingModel),
	)

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(clientConfig),
		embeddingModel: embeddingModel,
		defaults:       newDefaults(cfg),
		guard:          newGuard("openai"),
	}
}

func (c *OpenAIClient) chatRequest(req CompletionRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	req = c.defaults.apply(req)

	ctx, cancel := context.WithTimeout(ctx, c.defaults.timeout)
	defer cancel()

	var result *CompletionResponse
	err := c.guard.do(ctx, func() error {
		resp, err := c.client.CreateChatCompletion(ctx, c.chatRequest(req))
		if err != nil {
			return fmt.Errorf("failed to create completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return retry.Permanent(ErrEmptyResponse)
		}

		logger.Debug("LLM completion generated",
			zap.String("model", resp.Model),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)

		result = &CompletionResponse{
			Content: resp.Choices[0].Message.Content,
			Model:   req.Model,
			Usage: Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
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

// Stream opens a streaming completion. Only opening the stream is retried;
// once a delta has been delivered the call is not repeated.
func (c *OpenAIClient) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*CompletionResponse, error) {
	req = c.defaults.apply(req)

	ctx, cancel := context.WithTimeout(ctx, c.defaults.timeout)
	defer cancel()

	chatReq := c.chatRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	var stream *openai.ChatCompletionStream
	err := c.guard.do(ctx, func() error {
		s, err := c.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return fmt.Errorf("failed to open completion stream: %w", err)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var (
		content strings.Builder
		usage   Usage
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("completion stream failed: %w", err)
		}
		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return nil, err
		}
	}

	if content.Len() == 0 {
		return nil, ErrEmptyResponse
	}

	result := &CompletionResponse{
		Content: content.String(),
		Model:   req.Model,
		Usage:   ensureUsage(usage, req.Messages, content.String()),
	}
	RecordUsage(result.Model, result.Usage)
	return result, nil
}

func (c *OpenAIClient) EmbeddingModel() string {
	return c.embeddingModel
}

func (c *OpenAIClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.defaults.timeout)
	defer cancel()

	var embeddings [][]float32
	err := c.guard.do(ctx, func() error {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(c.embeddingModel),
		})
		if err != nil {
			return fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(resp.Data) != len(texts) {
			return retry.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
		}

		embeddings = make([][]float32, len(resp.Data))
		for i, data := range resp.Data {
			idx := data.Index
			if idx < 0 || idx >= len(embeddings) {
				idx = i
			}
			embeddings[idx] = append([]float32(nil), data.Embedding...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}
