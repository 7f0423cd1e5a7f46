// Package llm is the port through which ghostwork talks to language models.
//
// Pattern lifting and ghost planning both go through the Provider interface,
// so the rest of the codebase never knows which vendor is behind it. The
// concrete implementations are OpenAIChat (any /v1/chat/completions server,
// which covers OpenAI, vLLM and Ollama), Gemini (google.golang.org/genai) and
// Script (a canned stub for tests). Middleware such as WithTimeout and
// WithRetry wrap a Provider the same way kit middleware wraps an Endpoint.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Provider is a language model capable of chat completion.
type Provider interface {
	// Complete runs one completion round. Implementations must honor
	// ctx cancellation and normalize the finish reason via
	// NormalizeFinishReason before returning.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// HealthCheck reports whether the backing service is reachable.
	HealthCheck(ctx context.Context) bool

	// Name identifies the provider in logs and audit rows.
	Name() string
}

// ErrScriptExhausted is returned by the Script stub when more completions
// are requested than were scripted.
var ErrScriptExhausted = errors.New("llm: script exhausted")

// ErrNoChoices is returned when the upstream answered 200 but produced no
// completion choices.
var ErrNoChoices = errors.New("llm: response contained no choices")

// Message roles. These follow the chat-completions convention; the Gemini
// adapter translates them on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// System, User and Assistant build single-role messages without the
// struct-literal noise at call sites.
func System(text string) Message    { return Message{Role: RoleSystem, Content: text} }
func User(text string) Message      { return Message{Role: RoleUser, Content: text} }
func Assistant(text string) Message { return Message{Role: RoleAssistant, Content: text} }

// Tool declares a function the model may call. Parameters is a JSON Schema
// object, kept raw so callers can build it however they like.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is the model asking for a function invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Usage is the token accounting reported by the upstream, when available.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request describes one completion round.
type Request struct {
	// Model overrides the provider's default when non-empty.
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ToolChoice is "auto", "none" or a specific tool name.
	ToolChoice string `json:"tool_choice,omitempty"`
}

// Clone returns a shallow copy. Middleware that rewrites a request must
// clone first so the caller's struct stays untouched.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Response is the provider-neutral completion result.
type Response struct {
	ID           string     `json:"id,omitempty"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	FinishReason string     `json:"finish_reason"`
	Model        string     `json:"model,omitempty"`
	LatencyMS    int64      `json:"latency_ms,omitempty"`
}

// Normalized finish reasons. Every provider maps its vendor vocabulary onto
// these four values so downstream code can switch on them.
const (
	FinishStop          = "stop"
	FinishToolCalls     = "tool_calls"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
)

// NormalizeFinishReason maps a vendor finish reason onto the shared
// vocabulary. Unknown and empty values become FinishStop: an answer that
// arrived is an answer, whatever the vendor called its ending.
func NormalizeFinishReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "tool_calls", "function_call", "tool_use":
		return FinishToolCalls
	case "length", "max_tokens", "max_output_tokens":
		return FinishLength
	case "content_filter", "safety", "recitation", "blocklist", "prohibited_content", "spii":
		return FinishContentFilter
	default:
		return FinishStop
	}
}
