package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veyra/ghostwork/guard"
	"github.com/veyra/ghostwork/store"
)

// browserNote marks outputs this engine does not act on itself: browser
// steps are handed to the client-side driver.
const browserNote = "Queued for client-side browser execution"

// stepOutcome is one node's result before persistence.
type stepOutcome struct {
	status     string
	strategy   string
	durationMS int64
	output     json.RawMessage
	err        string
}

// runNode executes one plan node. A node that produces output completes;
// any error during execution fails the step with strategy "direct".
func (e *Engine) runNode(ctx context.Context, n *Node) stepOutcome {
	start := time.Now()
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(n.Timeout)*time.Millisecond)
		defer cancel()
	}

	var (
		out      any
		strategy string
		err      error
	)
	tool := n.tool()
	switch tool {
	case ToolAPICall:
		strategy = StrategyAPI
		out, err = e.apiCall(ctx, n.params())
	case ToolNavigate, ToolClick, ToolInput, ToolExtract:
		strategy = selectorStrategy(n.params())
		out = browserIntent{Action: tool, Params: rawOr(n.params(), "{}"), Note: browserNote}
	case ToolEscalate:
		strategy = StrategyHuman
		out = escalationOutput(n.params())
	default:
		strategy = StrategyUnknown
		out = map[string]string{"error": fmt.Sprintf("unknown tool %q", tool)}
	}

	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return stepOutcome{
			status:     store.StepFailed,
			strategy:   StrategyDirect,
			durationMS: elapsed,
			err:        err.Error(),
		}
	}
	payload, merr := json.Marshal(out)
	if merr != nil {
		return stepOutcome{
			status:     store.StepFailed,
			strategy:   StrategyDirect,
			durationMS: elapsed,
			err:        fmt.Sprintf("encode output: %v", merr),
		}
	}
	return stepOutcome{
		status:     store.StepCompleted,
		strategy:   strategy,
		durationMS: elapsed,
		output:     payload,
	}
}

type apiParams struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type apiOutput struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

// apiCall performs an HTTP request for an api_call node. Endpoints are
// SSRF-checked first; plans come from an LLM and must not reach internal
// addresses. A response of any status code is a completed step — the
// status travels in the output; only transport-level failures fail it.
func (e *Engine) apiCall(ctx context.Context, params json.RawMessage) (*apiOutput, error) {
	var p apiParams
	if err := json.Unmarshal(rawOr(params, "{}"), &p); err != nil {
		return nil, fmt.Errorf("api_call params: %w", err)
	}
	if p.Endpoint == "" {
		return nil, errors.New("api_call params missing endpoint")
	}
	if err := e.validate(p.Endpoint); err != nil {
		return nil, err
	}

	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("api_call request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api_call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := guard.LimitedReadAll(resp.Body, e.maxBody)
	if err != nil {
		return nil, fmt.Errorf("api_call read: %w", err)
	}

	out := &apiOutput{Status: resp.StatusCode, Headers: flattenHeader(resp.Header)}
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		out.Body = parsed
	} else {
		out.Body = string(raw)
	}
	return out, nil
}

// browserIntent records what the client-side driver should do.
type browserIntent struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
	Note   string          `json:"note"`
}

// selectorStrategy reads the node's requested element-selection strategy,
// defaulting to semantic.
func selectorStrategy(params json.RawMessage) string {
	var p struct {
		SelectorStrategy string `json:"selector_strategy"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	if p.SelectorStrategy != "" {
		return p.SelectorStrategy
	}
	return StrategySemantic
}

func escalationOutput(params json.RawMessage) any {
	var p struct {
		Reason  string          `json:"reason"`
		Context json.RawMessage `json:"context"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	if p.Reason == "" {
		p.Reason = "Escalated to human operator"
	}
	return map[string]any{
		"escalated": true,
		"reason":    p.Reason,
		"context":   p.Context,
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func rawOr(raw json.RawMessage, def string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(def)
	}
	return raw
}
