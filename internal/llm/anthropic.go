package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/pkg/config"
	"github.com/loomi/story-rag/pkg/logger"
	"github.com/loomi/story-rag/pkg/retry"
)

// AnthropicClient serves completions only; it has no embedding endpoint.
type AnthropicClient struct {
	client   *anthropic.Client
	defaults defaults
	guard    guard
}

func NewAnthropicClient(cfg config.LLMConfig) *AnthropicClient {
	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}

	logger.Info("LLM client initialized",
		zap.String("provider", "anthropic"),
		zap.String("model", cfg.Model),
	)

	return &AnthropicClient{
		client:   anthropic.NewClient(cfg.APIKey, opts...),
		defaults: newDefaults(cfg),
		guard:    newGuard("anthropic"),
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	req = c.defaults.apply(req)

	ctx, cancel := context.WithTimeout(ctx, c.defaults.timeout)
	defer cancel()

	system, rest := splitSystem(req.Messages)
	messages := make([]anthropic.Message, 0, len(rest))
	for _, m := range rest {
		role := anthropic.RoleUser
		if m.Role == RoleAssistant {
			role = anthropic.RoleAssistant
		}
		messages = append(messages, anthropic.Message{
			Role:    role,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
		})
	}

	temperature := req.Temperature
	var result *CompletionResponse
	err := c.guard.do(ctx, func() error {
		resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
			Model:       anthropic.Model(req.Model),
			System:      system,
			Messages:    messages,
			MaxTokens:   req.MaxTokens,
			Temperature: &temperature,
		})
		if err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}

		var text strings.Builder
		for _, part := range resp.Content {
			if part.Text != nil {
				text.WriteString(*part.Text)
			}
		}
		if text.Len() == 0 {
			return retry.Permanent(ErrEmptyResponse)
		}

		result = &CompletionResponse{
			Content: text.String(),
			Model:   req.Model,
			Usage: Usage{
				PromptTokens:     resp.Usage.InputTokens,
				CompletionTokens: resp.Usage.OutputTokens,
				TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
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
