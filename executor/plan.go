package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/veyra/ghostwork/llm"
	"github.com/veyra/ghostwork/store"
)

// Plan tools. Everything a plan node may ask for is one of these; anything
// else is recorded with strategy "unknown".
const (
	ToolNavigate = "navigate_to"
	ToolClick    = "click_element"
	ToolInput    = "input_text"
	ToolAPICall  = "api_call"
	ToolExtract  = "extract_data"
	ToolEscalate = "human_escalation"
)

// planFallbackReason is the escalation text when no plan could be made.
const planFallbackReason = "Could not generate execution plan automatically"

// Node is one entry of an execution plan. Stored plans use the nested
// {action:{tool,params}} form; planner and self-heal output sometimes
// arrives flat as {tool,params}, so both are accepted.
type Node struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Name    string          `json:"name,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Action  *Action         `json:"action,omitempty"`
	Timeout int64           `json:"timeout,omitempty"` // milliseconds
}

// Action is the nested form's payload.
type Action struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (n *Node) tool() string {
	if n.Action != nil && n.Action.Tool != "" {
		return n.Action.Tool
	}
	return n.Tool
}

func (n *Node) params() json.RawMessage {
	if n.Action != nil && len(n.Action.Params) > 0 {
		return n.Action.Params
	}
	return n.Params
}

// parsePlan decodes a plan array and fills in missing node ids.
func parsePlan(raw json.RawMessage) ([]Node, error) {
	var nodes []Node
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("executor: plan: %w", err)
	}
	for i := range nodes {
		if nodes[i].ID == "" {
			nodes[i].ID = fmt.Sprintf("step-%d", i+1)
		}
	}
	return nodes, nil
}

// escalationPlan is the single-step plan used whenever no real plan exists.
func escalationPlan(reason string) []Node {
	params, _ := json.Marshal(map[string]string{"reason": reason})
	return []Node{{
		ID:     "escalate-1",
		Type:   "action",
		Action: &Action{Tool: ToolEscalate, Params: params},
	}}
}

// resolvePlan picks the plan for this run: the ghost's stored plan when it
// has one, otherwise a planner completion, otherwise escalation. A stored
// plan that no longer parses escalates directly; it was approved as-is and
// must not be silently replanned.
func (e *Engine) resolvePlan(ctx context.Context, provider llm.Provider, g *store.Ghost, params json.RawMessage) ([]Node, string) {
	if stored := string(g.ExecutionPlan); stored != "" && stored != "[]" && stored != "null" {
		nodes, err := parsePlan(g.ExecutionPlan)
		if err != nil {
			e.log.Warn("executor: stored plan unreadable, escalating",
				"ghost_id", g.ID, "error", err)
			return escalationPlan(planFallbackReason), "escalated"
		}
		if len(nodes) > 0 {
			return nodes, "stored"
		}
	}

	nodes, err := e.planWithModel(ctx, provider, g, params)
	if err != nil {
		e.log.Warn("executor: planner failed, escalating",
			"ghost_id", g.ID, "error", err)
		return escalationPlan(planFallbackReason), "escalated"
	}
	return nodes, "planned"
}

const plannerSystemPrompt = `You plan browser workflow automations. Reply with a JSON array of execution nodes and nothing else.
Each node is {"id": string, "type": "action", "action": {"tool": string, "params": object}}.
Allowed tools: navigate_to, click_element, input_text, api_call, extract_data, human_escalation.
Prefer api_call whenever an API equivalent of a browser step exists; api_call params are {"endpoint", "method", "body", "headers"}.
Add a human_escalation node as a fallback wherever a step needs judgment.
Never invent credentials; reference run parameters as "${name}" placeholders.`

func (e *Engine) planWithModel(ctx context.Context, provider llm.Provider, g *store.Ghost, params json.RawMessage) ([]Node, error) {
	if provider == nil {
		return nil, errors.New("executor: no llm provider configured")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Workflow: %s\n", g.Name)
	if g.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", g.Description)
	}
	if len(g.Trigger) > 0 && string(g.Trigger) != "{}" {
		fmt.Fprintf(&sb, "Trigger: %s\n", g.Trigger)
	}
	if len(params) > 0 && string(params) != "{}" {
		fmt.Fprintf(&sb, "Run parameters: %s\n", params)
	}
	sb.WriteString("Produce the execution plan.")

	cctx, cancel := context.WithTimeout(ctx, e.llmTimeout)
	defer cancel()
	resp, err := provider.Complete(cctx, &llm.Request{
		Messages:    []llm.Message{llm.System(plannerSystemPrompt), llm.User(sb.String())},
		Temperature: 0.2,
		MaxTokens:   1200,
	})
	if err != nil {
		return nil, fmt.Errorf("executor: plan: %w", err)
	}
	doc, err := llm.ExtractJSONArray(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("executor: plan reply: %w", err)
	}
	nodes, err := parsePlan(doc)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.New("executor: plan reply was empty")
	}
	return nodes, nil
}

const healSystemPrompt = `You repair failed automation steps. Reply with one JSON object {"tool": string, "params": object} describing a single substitute action, and nothing else.
Allowed tools: navigate_to, click_element, input_text, api_call, extract_data, human_escalation.
Choose human_escalation when no safe retry exists.`

// healNode asks the model for a single substitute for a failed node.
func (e *Engine) healNode(ctx context.Context, provider llm.Provider, failed *Node, stepErr string) (*Node, error) {
	if provider == nil {
		return nil, errors.New("no llm provider configured")
	}
	nodeJSON, err := json.Marshal(failed)
	if err != nil {
		return nil, fmt.Errorf("marshal node: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, e.llmTimeout)
	defer cancel()
	resp, err := provider.Complete(cctx, &llm.Request{
		Messages: []llm.Message{
			llm.System(healSystemPrompt),
			llm.User(fmt.Sprintf("This step failed.\nNode: %s\nError: %s\nPropose the substitute action.", nodeJSON, stepErr)),
		},
		Temperature: 0.2,
		MaxTokens:   400,
	})
	if err != nil {
		return nil, err
	}
	doc, err := llm.ExtractJSONObject(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("reply: %w", err)
	}
	var sub struct {
		Tool   string          `json:"tool"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(doc, &sub); err != nil {
		return nil, fmt.Errorf("reply: %w", err)
	}
	if sub.Tool == "" {
		return nil, errors.New("reply has no tool")
	}
	return &Node{
		ID:     failed.ID,
		Type:   "action",
		Action: &Action{Tool: sub.Tool, Params: sub.Params},
	}, nil
}
