// Package mcpbridge exposes the governance and execution surface as MCP
// tools, so agent runtimes can review detected patterns, approve ghosts,
// run them and file feedback without going through the HTTP API.
//
// Every tool takes an org_id claim and an optional user_id; both land in
// the request context, which is what the audit trail records. Tool errors
// come back through the MCP error channel rather than tearing down the
// session.
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/veyra/ghostwork/audit"
	"github.com/veyra/ghostwork/executor"
	"github.com/veyra/ghostwork/feedback"
	"github.com/veyra/ghostwork/ghost"
	"github.com/veyra/ghostwork/kit"
	"github.com/veyra/ghostwork/store"
)

// TriggerMCP is recorded as the execution trigger for runs started here.
const TriggerMCP = "mcp"

// Bridge registers ghostwork tools on an MCP server.
type Bridge struct {
	store    *store.Store
	ghosts   *ghost.Service
	engine   *executor.Engine
	feedback *feedback.Service
	audit    *audit.SQLiteLogger
	log      *slog.Logger
}

// Option configures the Bridge.
type Option func(*Bridge)

// WithAudit wraps every tool endpoint in the audit middleware.
func WithAudit(logger *audit.SQLiteLogger) Option {
	return func(b *Bridge) { b.audit = logger }
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// New creates a Bridge over the governance, execution and feedback services.
func New(st *store.Store, ghosts *ghost.Service, engine *executor.Engine, fb *feedback.Service, opts ...Option) *Bridge {
	b := &Bridge{
		store:    st,
		ghosts:   ghosts,
		engine:   engine,
		feedback: fb,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// RegisterAll registers every ghostwork tool on the server.
func (b *Bridge) RegisterAll(srv *mcp.Server) {
	b.registerListPatterns(srv)
	b.registerApprovePattern(srv)
	b.registerListGhosts(srv)
	b.registerApproveGhost(srv)
	b.registerExecuteGhost(srv)
	b.registerGetExecution(srv)
	b.registerSubmitFeedback(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// claims are the tenant fields every tool call carries.
type claims struct {
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`
}

var orgIDSchema = map[string]any{"type": "string", "description": "Organization ID (tenant claim)"}
var userIDSchema = map[string]any{"type": "string", "description": "Acting user, recorded in the audit trail"}

// decodeClaims unmarshals the tool arguments into p, requires the org claim,
// and enriches the context with it for the services and the audit trail.
func decodeClaims(r *mcp.CallToolRequest, p any, c *claims) (*kit.MCPDecodeResult, error) {
	if err := json.Unmarshal(r.Params.Arguments, p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.OrgID) == "" {
		return nil, errors.New("org_id is required")
	}
	return &kit.MCPDecodeResult{
		Request: p,
		EnrichCtx: func(ctx context.Context) context.Context {
			ctx = kit.WithOrgID(ctx, c.OrgID)
			if c.UserID != "" {
				ctx = kit.WithUserID(ctx, c.UserID)
			}
			return ctx
		},
	}, nil
}

// wrap applies the audit middleware when configured.
func (b *Bridge) wrap(action string, ep kit.Endpoint) kit.Endpoint {
	if b.audit == nil {
		return ep
	}
	return audit.Middleware(b.audit, action)(ep)
}

// --- Patterns ---

func (b *Bridge) registerListPatterns(srv *mcp.Server) {
	type req struct {
		claims
		Status string `json:"status"`
		Limit  int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "ghostwork_list_patterns",
		Description: "List detected workflow patterns awaiting review in an org",
		InputSchema: inputSchema(map[string]any{
			"org_id":  orgIDSchema,
			"user_id": userIDSchema,
			"status":  map[string]any{"type": "string", "description": "Filter: detected, suggested, approved, dismissed"},
			"limit":   map[string]any{"type": "integer", "description": "Max results"},
		}, []string{"org_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		patterns, err := b.store.ListPatterns(ctx, p.OrgID, p.Status, p.Limit)
		if err != nil {
			return nil, err
		}
		if patterns == nil {
			patterns = []*store.Pattern{}
		}
		return patterns, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		return decodeClaims(r, &p, &p.claims)
	}

	kit.RegisterMCPTool(srv, tool, b.wrap("list_patterns", endpoint), decode)
}

func (b *Bridge) registerApprovePattern(srv *mcp.Server) {
	type req struct {
		claims
		PatternID string `json:"pattern_id"`
	}

	tool := &mcp.Tool{
		Name:        "ghostwork_approve_pattern",
		Description: "Promote a detected pattern into a Ghost automation (opens its approval request)",
		InputSchema: inputSchema(map[string]any{
			"org_id":     orgIDSchema,
			"user_id":    userIDSchema,
			"pattern_id": map[string]any{"type": "string", "description": "Pattern to promote"},
		}, []string{"org_id", "pattern_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return b.ghosts.CreateFromPattern(ctx, p.OrgID, p.PatternID, p.UserID)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		return decodeClaims(r, &p, &p.claims)
	}

	kit.RegisterMCPTool(srv, tool, b.wrap("approve_pattern", endpoint), decode)
}

// --- Ghosts ---

func (b *Bridge) registerListGhosts(srv *mcp.Server) {
	type req struct {
		claims
		Status string `json:"status"`
		Limit  int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "ghostwork_list_ghosts",
		Description: "List Ghost automations in an org",
		InputSchema: inputSchema(map[string]any{
			"org_id":  orgIDSchema,
			"user_id": userIDSchema,
			"status":  map[string]any{"type": "string", "description": "Filter: pending_approval, approved, active, paused, archived"},
			"limit":   map[string]any{"type": "integer", "description": "Max results"},
		}, []string{"org_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		ghosts, err := b.store.ListGhosts(ctx, p.OrgID, p.Status, p.Limit)
		if err != nil {
			return nil, err
		}
		if ghosts == nil {
			ghosts = []*store.Ghost{}
		}
		return ghosts, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		return decodeClaims(r, &p, &p.claims)
	}

	kit.RegisterMCPTool(srv, tool, b.wrap("list_ghosts", endpoint), decode)
}

func (b *Bridge) registerApproveGhost(srv *mcp.Server) {
	type req struct {
		claims
		GhostID string `json:"ghost_id"`
		Action  string `json:"action"`
		Note    string `json:"note"`
	}

	tool := &mcp.Tool{
		Name:        "ghostwork_approve_ghost",
		Description: "Apply a governance action to a Ghost: approve, reject, pause, activate or archive",
		InputSchema: inputSchema(map[string]any{
			"org_id":   orgIDSchema,
			"user_id":  userIDSchema,
			"ghost_id": map[string]any{"type": "string", "description": "Ghost to act on"},
			"action":   map[string]any{"type": "string", "description": "approve, reject, pause, activate, archive (default approve)"},
			"note":     map[string]any{"type": "string", "description": "Decision note recorded with the approval request"},
		}, []string{"org_id", "ghost_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		action := p.Action
		if action == "" {
			action = ghost.ActionApprove
		}
		return b.ghosts.Apply(ctx, p.OrgID, p.GhostID, action, p.Note, p.UserID)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		return decodeClaims(r, &p, &p.claims)
	}

	kit.RegisterMCPTool(srv, tool, b.wrap("approve_ghost", endpoint), decode)
}

// --- Executions ---

func (b *Bridge) registerExecuteGhost(srv *mcp.Server) {
	type req struct {
		claims
		GhostID    string          `json:"ghost_id"`
		Parameters json.RawMessage `json:"parameters"`
	}

	tool := &mcp.Tool{
		Name:        "ghostwork_execute_ghost",
		Description: "Run an approved Ghost automation and return its step results",
		InputSchema: inputSchema(map[string]any{
			"org_id":     orgIDSchema,
			"user_id":    userIDSchema,
			"ghost_id":   map[string]any{"type": "string", "description": "Ghost to run"},
			"parameters": map[string]any{"type": "object", "description": "Run parameters passed to the plan"},
		}, []string{"org_id", "ghost_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return b.engine.Execute(ctx, &executor.RunRequest{
			GhostID:     p.GhostID,
			OrgID:       p.OrgID,
			Parameters:  p.Parameters,
			Trigger:     TriggerMCP,
			RequestedBy: p.UserID,
		})
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		return decodeClaims(r, &p, &p.claims)
	}

	kit.RegisterMCPTool(srv, tool, b.wrap("execute_ghost", endpoint), decode)
}

func (b *Bridge) registerGetExecution(srv *mcp.Server) {
	type req struct {
		claims
		ExecutionID string `json:"execution_id"`
	}

	tool := &mcp.Tool{
		Name:        "ghostwork_get_execution",
		Description: "Get one execution with its recorded steps",
		InputSchema: inputSchema(map[string]any{
			"org_id":       orgIDSchema,
			"user_id":      userIDSchema,
			"execution_id": map[string]any{"type": "string", "description": "Execution to fetch"},
		}, []string{"org_id", "execution_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		exec, err := b.store.GetExecution(ctx, p.OrgID, p.ExecutionID)
		if err != nil {
			return nil, err
		}
		if exec == nil {
			return nil, errors.New("execution not found")
		}
		steps, err := b.store.ListExecutionSteps(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		if steps == nil {
			steps = []*store.ExecutionStep{}
		}
		return map[string]any{"execution": exec, "steps": steps}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		return decodeClaims(r, &p, &p.claims)
	}

	kit.RegisterMCPTool(srv, tool, b.wrap("get_execution", endpoint), decode)
}

// --- Feedback ---

func (b *Bridge) registerSubmitFeedback(srv *mcp.Server) {
	type req struct {
		claims
		GhostID           string          `json:"ghost_id"`
		ExecutionID       string          `json:"execution_id"`
		SatisfactionScore *int            `json:"satisfaction_score"`
		CorrectedActions  json.RawMessage `json:"corrected_actions"`
		Notes             string          `json:"notes"`
	}

	tool := &mcp.Tool{
		Name:        "ghostwork_submit_feedback",
		Description: "Rate an execution (1-5) and optionally attach corrected actions",
		InputSchema: inputSchema(map[string]any{
			"org_id":             orgIDSchema,
			"user_id":            userIDSchema,
			"ghost_id":           map[string]any{"type": "string", "description": "Ghost the run belongs to"},
			"execution_id":       map[string]any{"type": "string", "description": "Execution being rated"},
			"satisfaction_score": map[string]any{"type": "integer", "description": "1 (poor) to 5 (great)"},
			"corrected_actions":  map[string]any{"type": "array", "description": "Steps as the user would have done them"},
			"notes":              map[string]any{"type": "string", "description": "Free-form notes"},
		}, []string{"org_id", "ghost_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		f, err := b.feedback.Submit(ctx, p.OrgID, &feedback.Submission{
			GhostID:           p.GhostID,
			ExecutionID:       p.ExecutionID,
			UserID:            p.UserID,
			SatisfactionScore: p.SatisfactionScore,
			CorrectedActions:  p.CorrectedActions,
			Notes:             p.Notes,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"feedback_id": f.ID}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		return decodeClaims(r, &p, &p.claims)
	}

	kit.RegisterMCPTool(srv, tool, b.wrap("submit_feedback", endpoint), decode)
}
