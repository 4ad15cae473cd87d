package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"go.uber.org/zap"

	"github.com/loomi/story-rag/internal/metrics"
	"github.com/loomi/story-rag/pkg/logger"
)

// USD per token.
const (
	PromptTokenCost     = 0.00003
	CompletionTokenCost = 0.00006
)

// messageOverhead approximates the framing tokens chat formats add per message.
const messageOverhead = 4

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

var (
	encoding     *tiktoken.Tiktoken
	encodingOnce sync.Once
)

func cl100k() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			logger.Warn("Token encoding unavailable, using word estimate", zap.Error(err))
			return
		}
		encoding = enc
	})
	return encoding
}

// CountTokens counts cl100k tokens, falling back to a word-based estimate
// when the encoding cannot be loaded.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := cl100k(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	words := 0
	inWord := false
	for _, r := range text {
		space := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if !space && !inWord {
			words++
		}
		inWord = !space
	}
	return (words*4 + 2) / 3
}

// EstimateUsage approximates the usage of a completion from its text.
func EstimateUsage(messages []Message, completion string) Usage {
	prompt := 0
	for _, m := range messages {
		prompt += CountTokens(m.Content) + messageOverhead
	}
	completionTokens := CountTokens(completion)
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		TotalTokens:      prompt + completionTokens,
	}
}

func ensureUsage(u Usage, messages []Message, completion string) Usage {
	if u.PromptTokens > 0 || u.CompletionTokens > 0 {
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		return u
	}
	return EstimateUsage(messages, completion)
}

func EstimateCost(u Usage) float64 {
	return float64(u.PromptTokens)*PromptTokenCost + float64(u.CompletionTokens)*CompletionTokenCost
}

// RecordUsage adds a completion's tokens and cost to the LLM counters.
func RecordUsage(model string, u Usage) {
	metrics.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(u.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(u.CompletionTokens))
	metrics.LLMCost.WithLabelValues(model).Add(EstimateCost(u))
}
