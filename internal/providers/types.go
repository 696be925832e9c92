// Package providers defines the LLM client contract and ships reference
// clients for the Anthropic API and OpenAI-compatible endpoints.
package providers

import (
	"context"
	"time"
)

// Message is one conversation turn in provider-neutral form.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition advertises a tool to the model as a JSON-schema
// descriptor.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is the billing view of one call.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalCost += other.TotalCost
}

// Options tune one generation call. Zero values mean provider defaults.
type Options struct {
	MaxTokens   int
	Temperature *float64
	Tools       []ToolDefinition
	Timeout     time.Duration // default 60s
}

// Response classification kinds.
const (
	KindToolCalls   = "tool_calls"
	KindFinalAnswer = "final_answer"
)

// Response is the provider-neutral result of one generation call.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Kind classifies the response: the model either wants tools run or has
// produced its final answer.
func (r *Response) Kind() string {
	if len(r.ToolCalls) > 0 {
		return KindToolCalls
	}
	return KindFinalAnswer
}

// Client generates text against one provider's API.
type Client interface {
	// Name is the provider name as used in model strings ("anthropic").
	Name() string

	// DefaultModel is used when a model string names no model id.
	DefaultModel() string

	// GenerateText runs one completion. The model parameter is the bare
	// model id, without the provider prefix.
	GenerateText(ctx context.Context, model string, messages []Message, opts Options) (*Response, error)
}

const defaultCallTimeout = 60 * time.Second
