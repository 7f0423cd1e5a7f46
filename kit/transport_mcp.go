package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPDecodeResult holds the decoded request and an optional context enrichment.
type MCPDecodeResult struct {
	Request   any
	EnrichCtx func(context.Context) context.Context
}

// toolError wraps a failure into a CallToolResult. Tool failures travel in
// the result's error channel and never as Go errors: returning a Go error
// from a tool handler tears down the whole MCP session, which a bad
// argument or a failed endpoint call does not warrant.
func toolError(format string, args ...any) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(fmt.Errorf(format, args...))
	return &res
}

// RegisterMCPTool exposes an Endpoint as an MCP tool on srv. decode pulls
// the typed request out of req.Params.Arguments (a json.RawMessage in the
// official SDK) and may attach caller identity to the context via EnrichCtx.
// Successful responses are JSON-marshaled into a single text content block.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode func(*mcp.CallToolRequest) (*MCPDecodeResult, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			return toolError("invalid arguments: %w", err), nil
		}
		if enrich := decoded.EnrichCtx; enrich != nil {
			ctx = enrich(ctx)
		}

		resp, err := endpoint(WithTransport(ctx, "mcp"), decoded.Request)
		if err != nil {
			return toolError("%s", err.Error()), nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return toolError("marshal response: %w", err), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}
