package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIChat talks to any server speaking the OpenAI chat-completions
// protocol: api.openai.com itself, or a vLLM / Ollama endpoint pointed at
// with WithBaseURL.
type OpenAIChat struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	hc      *http.Client
}

// OpenAIOption configures an OpenAIChat provider.
type OpenAIOption func(*OpenAIChat)

// WithBaseURL points the provider at a compatible server, e.g.
// "http://localhost:11434" for Ollama. Trailing slashes are trimmed.
func WithBaseURL(u string) OpenAIOption {
	return func(p *OpenAIChat) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithModel sets the default model used when Request.Model is empty.
func WithModel(model string) OpenAIOption {
	return func(p *OpenAIChat) { p.model = model }
}

// WithHTTPClient swaps the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(p *OpenAIChat) { p.hc = hc }
}

// WithProviderName overrides the name reported by Name, useful when several
// OpenAI-compatible backends coexist ("vllm", "ollama").
func WithProviderName(name string) OpenAIOption {
	return func(p *OpenAIChat) { p.name = name }
}

// NewOpenAIChat builds a chat-completions provider. An empty apiKey is
// allowed: local vLLM and Ollama servers do not check it.
func NewOpenAIChat(apiKey string, opts ...OpenAIOption) *OpenAIChat {
	p := &OpenAIChat{
		name:    "openai",
		apiKey:  apiKey,
		baseURL: "https://api.openai.com",
		model:   "gpt-4o-mini",
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIChat) Name() string { return p.name }

// Wire types for /v1/chat/completions. Kept private: the rest of the
// codebase only ever sees Request and Response.

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	Name       string       `json:"name,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Tools       []oaTool    `json:"tools,omitempty"`
	ToolChoice  string      `json:"tool_choice,omitempty"`
	Temperature float64     `json:"temperature,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
}

type oaResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      oaMessage `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete POSTs the request to /v1/chat/completions and maps the first
// choice back onto the shared Response shape.
func (p *OpenAIChat) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := oaRequest{
		Model:       model,
		Messages:    make([]oaMessage, 0, len(req.Messages)),
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		om := oaMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			otc := oaToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		body.Messages = append(body.Messages, om)
	}
	for _, t := range req.Tools {
		ot := oaTool{Type: "function"}
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, ot)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	httpResp, err := p.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: %s request: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, fmt.Errorf("llm: HTTP %d from %s: %s",
			httpResp.StatusCode, p.baseURL, strings.TrimSpace(string(b)))
	}

	var wire oaResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := wire.Choices[0]
	resp := &Response{
		ID:           wire.ID,
		Content:      choice.Message.Content,
		FinishReason: NormalizeFinishReason(choice.FinishReason),
		Model:        wire.Model,
		LatencyMS:    time.Since(start).Milliseconds(),
	}
	resp.Usage = Usage{
		PromptTokens:     wire.Usage.PromptTokens,
		CompletionTokens: wire.Usage.CompletionTokens,
		TotalTokens:      wire.Usage.TotalTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(resp.ToolCalls) > 0 && resp.FinishReason == FinishStop {
		resp.FinishReason = FinishToolCalls
	}
	return resp, nil
}

// HealthCheck GETs /v1/models, which every compatible server exposes.
func (p *OpenAIChat) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}
