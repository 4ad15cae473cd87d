package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomi/story-rag/pkg/circuitbreaker"
	"github.com/loomi/story-rag/pkg/config"
	"github.com/loomi/story-rag/pkg/logger"
	"github.com/loomi/story-rag/pkg/retry"
)

var (
	ErrEmptyResponse       = errors.New("llm returned no content")
	ErrUnsupportedProvider = errors.New("unsupported llm provider")
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Messages    []Message
	Model       string
	Temperature float32
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type CompletionResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// Completer produces one chat completion.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Streamer produces a completion incrementally; onDelta receives each text
// fragment in order and may abort the stream by returning an error.
type Streamer interface {
	Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*CompletionResponse, error)
}

// Conversation builds the two-message exchange every story request uses.
func Conversation(systemPrompt, userPrompt string) []Message {
	messages := make([]Message, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	return append(messages, Message{Role: RoleUser, Content: userPrompt})
}

// splitSystem separates the system prompt for providers that take it out of
// band.
func splitSystem(messages []Message) (string, []Message) {
	var (
		system []string
		rest   = make([]Message, 0, len(messages))
	)
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// defaults holds the per-client fallbacks applied to a request.
type defaults struct {
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
}

func newDefaults(cfg config.LLMConfig) defaults {
	d := defaults{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout(),
	}
	if d.timeout <= 0 {
		d.timeout = 60 * time.Second
	}
	if d.maxTokens <= 0 {
		d.maxTokens = 5000
	}
	return d
}

func (d defaults) apply(req CompletionRequest) CompletionRequest {
	if req.Model == "" {
		req.Model = d.model
	}
	if req.Temperature == 0 {
		req.Temperature = d.temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = d.maxTokens
	}
	return req
}

// guard runs provider calls through a circuit breaker and retry loop.
type guard struct {
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func newGuard(name string) guard {
	return guard{
		cb: circuitbreaker.NewCircuitBreaker(name, circuitbreaker.Config{
			MaxRequests:      5,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			Name:           name,
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

func (g guard) do(ctx context.Context, fn func() error) error {
	return g.cb.Execute(ctx, func() error {
		return retry.Do(ctx, g.retryConfig, fn)
	})
}

// NewCompleter builds the completion client for the configured provider.
func NewCompleter(ctx context.Context, cfg config.LLMConfig) (Completer, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg), nil
	case "anthropic":
		return NewAnthropicClient(cfg), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
}
