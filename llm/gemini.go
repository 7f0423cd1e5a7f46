package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Gemini adapts the Google GenAI SDK to the Provider interface.
//
// The adapter is text-first: ghostwork's prompts ask for JSON bodies in
// prose and the callers extract them, so Request.Tools is not forwarded.
// Function calls the model emits anyway are still surfaced as ToolCalls.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini builds a provider backed by the Gemini API.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("llm: create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Complete translates the chat transcript into GenAI contents. System
// messages become the system instruction; assistant turns use the "model"
// role the API expects.
func (g *Gemini) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("llm: gemini request has no user content")
	}

	config := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	start := time.Now()
	result, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("llm: gemini generate: %w", err)
	}
	if len(result.Candidates) == 0 {
		return nil, ErrNoChoices
	}

	resp := &Response{
		Content:      result.Text(),
		FinishReason: NormalizeFinishReason(string(result.Candidates[0].FinishReason)),
		Model:        model,
		LatencyMS:    time.Since(start).Milliseconds(),
	}
	for i, fc := range result.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			continue
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        fmt.Sprintf("call_%s_%d", fc.Name, i),
			Name:      fc.Name,
			Arguments: args,
		})
	}
	if len(resp.ToolCalls) > 0 && resp.FinishReason == FinishStop {
		resp.FinishReason = FinishToolCalls
	}
	if um := result.UsageMetadata; um != nil {
		resp.Usage = Usage{
			PromptTokens:     int(um.PromptTokenCount),
			CompletionTokens: int(um.CandidatesTokenCount),
			TotalTokens:      int(um.TotalTokenCount),
		}
	}
	return resp, nil
}

// HealthCheck runs a one-token generation. The Gemini API has no cheap
// unauthenticated ping, so this doubles as a credential check.
func (g *Gemini) HealthCheck(ctx context.Context) bool {
	_, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText("ping", genai.RoleUser)},
		&genai.GenerateContentConfig{MaxOutputTokens: 1})
	return err == nil
}
