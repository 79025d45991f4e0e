package metrics

import (
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// RequestMetrics is one finalized LLM request as reported by a host
// application. Timestamps are unix milliseconds.
type RequestMetrics struct {
	ModelID          string   `json:"model_id"`
	ProviderID       string   `json:"provider_id,omitempty"`
	InputTokens      int64    `json:"input_tokens"`
	OutputTokens     int64    `json:"output_tokens"`
	ReasoningTokens  int64    `json:"reasoning_tokens"`
	CacheReadTokens  int64    `json:"cache_read_tokens"`
	CacheWriteTokens int64    `json:"cache_write_tokens"`
	TotalTokens      int64    `json:"total_tokens"`
	Cost             float64  `json:"cost,omitempty"`
	StartedAt        int64    `json:"started_at"`
	CompletedAt      int64    `json:"completed_at,omitempty"`
	DurationMS       int64    `json:"duration_ms,omitempty"`
	OutputTps        *float64 `json:"output_tps,omitempty"`
	TotalTps         *float64 `json:"total_tps,omitempty"`
}

func Round(v float64, digits int) float64 {
	factor := math.Pow(10, float64(digits))
	return math.Round(v*factor) / factor
}

func DurationMS(startedAt, completedAt int64) int64 {
	if completedAt < startedAt {
		return 0
	}
	return completedAt - startedAt
}

func tps(tokens int64, durationMS int64) float64 {
	if durationMS <= 0 {
		return 0
	}
	return Round(float64(tokens)/float64(durationMS)*1000, 2)
}

// WithComputedSpeed fills DurationMS, OutputTps and TotalTps from the
// request's completion time. A record without CompletedAt is returned
// unchanged, leaving the speed fields unset.
func WithComputedSpeed(m RequestMetrics) RequestMetrics {
	if m.CompletedAt == 0 {
		return m
	}
	ms := DurationMS(m.StartedAt, m.CompletedAt)
	out := tps(m.OutputTokens, ms)
	total := tps(m.TotalTokens, ms)
	m.DurationMS = ms
	m.OutputTps = &out
	m.TotalTps = &total
	return m
}

// FromChatCompletion builds a metric record from an OpenAI-compatible
// completion response. providerID may be empty when the upstream is not
// known; the queue treats that as the literal provider "unknown".
func FromChatCompletion(resp openai.ChatCompletionResponse, providerID string, cost float64, startedAt, completedAt time.Time) RequestMetrics {
	m := RequestMetrics{
		ModelID:      strings.TrimSpace(resp.Model),
		ProviderID:   strings.TrimSpace(providerID),
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
		TotalTokens:  int64(resp.Usage.TotalTokens),
		Cost:         cost,
		StartedAt:    startedAt.UnixMilli(),
		CompletedAt:  completedAt.UnixMilli(),
	}
	if details := resp.Usage.CompletionTokensDetails; details != nil {
		m.ReasoningTokens = int64(details.ReasoningTokens)
	}
	if details := resp.Usage.PromptTokensDetails; details != nil {
		m.CacheReadTokens = int64(details.CachedTokens)
	}
	return WithComputedSpeed(m)
}
