// Package executor runs approved ghosts. A run loads the ghost, passes the
// org's automation policies and execution rate limit, resolves an execution
// plan (stored on the ghost, or produced by the LLM planner, or a single
// human-escalation step when planning fails), then walks the plan node by
// node. api_call nodes are performed directly against SSRF-checked
// endpoints; browser nodes are recorded as intents for the client-side
// driver; a failed step goes through one LLM-proposed self-heal substitute.
// Every run ends with an immutable audit row, whatever else went wrong.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/veyra/ghostwork/guard"
	"github.com/veyra/ghostwork/llm"
	"github.com/veyra/ghostwork/observability"
	"github.com/veyra/ghostwork/store"
)

var (
	// ErrNotFound reports that the ghost does not exist in the org.
	ErrNotFound = errors.New("executor: ghost not found")
	// ErrNotApproved reports a ghost whose status forbids execution.
	ErrNotApproved = errors.New("executor: ghost is not approved")
	// ErrRateLimited reports that the org spent its executions-per-minute
	// budget.
	ErrRateLimited = errors.New("executor: org execution rate exceeded")
	// ErrBlocked reports that an automation policy stops this run.
	ErrBlocked = errors.New("executor: execution blocked by policy")
	// ErrApprovalRequired reports that a policy deferred this run behind
	// an approval request.
	ErrApprovalRequired = errors.New("executor: execution requires approval")
)

// Step strategies recorded in execution_steps and the audit row.
const (
	StrategyAPI      = "api"
	StrategySemantic = "semantic"
	StrategyHuman    = "human"
	StrategyUnknown  = "unknown"
	StrategyDirect   = "direct"

	// SelfHealedPrefix marks a substitute step reached via repair.
	SelfHealedPrefix = "self_healed:"
)

// Engine executes ghosts.
type Engine struct {
	store      *store.Store
	registry   *llm.Registry
	client     *http.Client
	metrics    *observability.MetricsManager
	limits     *orgLimiter
	validate   func(string) error
	maxBody    int64
	llmTimeout time.Duration
	log        *slog.Logger
}

// Option configures the Engine.
type Option func(*Engine)

// WithRegistry replaces the provider registry, for orgs that select their
// own provider/model in org_settings.
func WithRegistry(reg *llm.Registry) Option {
	return func(e *Engine) { e.registry = reg }
}

// WithHTTPClient sets the client used for api_call nodes.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithMetrics enables metric recording.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(e *Engine) { e.metrics = mm }
}

// WithEndpointValidator replaces the api_call URL check. The default is
// guard.ValidateEndpoint; tests pointing at loopback stubs need this.
func WithEndpointValidator(v func(string) error) Option {
	return func(e *Engine) { e.validate = v }
}

// WithLLMTimeout caps planner and self-heal completions. Default 30s.
func WithLLMTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.llmTimeout = d
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an execution engine. provider may be nil; a ghost without a
// stored plan then escalates to a human, and failed steps cannot heal.
func New(st *store.Store, provider llm.Provider, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		client:     &http.Client{Timeout: 30 * time.Second},
		limits:     newOrgLimiter(),
		validate:   guard.ValidateEndpoint,
		maxBody:    guard.MaxResponseBody,
		llmTimeout: 30 * time.Second,
		log:        slog.Default(),
	}
	if provider != nil {
		e.registry = llm.NewRegistry(provider)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunRequest asks for one ghost execution.
type RunRequest struct {
	GhostID     string
	OrgID       string
	Parameters  json.RawMessage
	Trigger     string // manual | schedule | api | ...; defaults to manual
	RequestedBy string
}

// StepResult is one recorded step, as reported to the caller.
type StepResult struct {
	NodeID     string          `json:"nodeId"`
	Status     string          `json:"status"`
	Strategy   string          `json:"strategy"`
	DurationMS int64           `json:"durationMs"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// RunResult is the outcome of one execution.
type RunResult struct {
	ExecutionID string       `json:"executionId"`
	Status      string       `json:"status"`
	Steps       []StepResult `json:"steps"`
}

// Execute runs one ghost end to end.
func (e *Engine) Execute(ctx context.Context, req *RunRequest) (*RunResult, error) {
	g, err := e.store.GetGhost(ctx, req.OrgID, req.GhostID)
	if err != nil {
		return nil, fmt.Errorf("executor: load ghost: %w", err)
	}
	if g == nil {
		return nil, ErrNotFound
	}
	if g.Status != store.GhostApproved && g.Status != store.GhostActive {
		return nil, fmt.Errorf("%w: status %s", ErrNotApproved, g.Status)
	}

	settings, err := e.store.GetOrgSettings(ctx, req.OrgID)
	if err != nil {
		return nil, fmt.Errorf("executor: org settings: %w", err)
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	if err := e.gatePolicies(ctx, g, trigger, req.RequestedBy); err != nil {
		return nil, err
	}
	if !e.limits.allow(req.OrgID, settings.MaxExecutionsPerMinute) {
		return nil, ErrRateLimited
	}

	exec := &store.Execution{
		GhostID:     g.ID,
		OrgID:       req.OrgID,
		Parameters:  req.Parameters,
		TriggeredBy: trigger,
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("executor: create execution: %w", err)
	}

	provider := e.providerFor(settings)
	plan, source := e.resolvePlan(ctx, provider, g, req.Parameters)
	rs := e.runPlan(ctx, provider, exec.ID, plan)
	e.finalize(ctx, exec, g, rs)

	e.log.Info("executor: run finished",
		"org_id", req.OrgID, "ghost_id", g.ID, "execution_id", exec.ID,
		"status", rs.status, "steps", len(rs.steps), "plan_source", source,
		"trigger", trigger)
	return &RunResult{ExecutionID: exec.ID, Status: rs.status, Steps: rs.steps}, nil
}

// runState accumulates a run's recorded steps.
type runState struct {
	status     string
	steps      []StepResult
	strategies []string
	firstErr   string
	healed     int
}

func (rs *runState) add(res StepResult) {
	rs.steps = append(rs.steps, res)
	for _, s := range rs.strategies {
		if s == res.Strategy {
			return
		}
	}
	rs.strategies = append(rs.strategies, res.Strategy)
}

func (rs *runState) fail(msg string) {
	if rs.firstErr == "" {
		rs.firstErr = msg
	}
}

// runPlan walks the plan in order. A failed step triggers one self-heal
// attempt; when the repair itself fails the run stops. A successful heal
// lets later nodes run, but the original step's recorded failure still
// decides the final status.
func (e *Engine) runPlan(ctx context.Context, provider llm.Provider, execID string, plan []Node) *runState {
	rs := &runState{}
	for i := range plan {
		node := &plan[i]
		outcome := e.runNode(ctx, node)
		if !e.recordStep(ctx, execID, node.ID, outcome, rs) {
			break
		}
		if outcome.status != store.StepFailed {
			continue
		}
		rs.fail(fmt.Sprintf("step %s: %s", node.ID, outcome.err))

		sub, healErr := e.healNode(ctx, provider, node, outcome.err)
		if healErr != nil {
			rs.fail(fmt.Sprintf("step %s: %s; self-heal: %v", node.ID, outcome.err, healErr))
			e.log.Warn("executor: self-heal failed",
				"execution_id", execID, "node_id", node.ID, "error", healErr)
			break
		}
		healed := e.runNode(ctx, sub)
		healed.strategy = SelfHealedPrefix + healed.strategy
		rs.healed++
		if !e.recordStep(ctx, execID, node.ID, healed, rs) {
			break
		}
		if healed.status == store.StepFailed {
			rs.fail(fmt.Sprintf("step %s substitute: %s", node.ID, healed.err))
			break
		}
	}

	rs.status = store.ExecutionCompleted
	for _, s := range rs.steps {
		if s.Status == store.StepFailed {
			rs.status = store.ExecutionFailed
			break
		}
	}
	if rs.firstErr != "" {
		rs.status = store.ExecutionFailed
	}
	return rs
}

// recordStep persists one step row and mirrors it into the run state.
// Returns false when the trail cannot be written; a run whose evidence is
// lost must not continue.
func (e *Engine) recordStep(ctx context.Context, execID, nodeID string, o stepOutcome, rs *runState) bool {
	rs.add(StepResult{
		NodeID:     nodeID,
		Status:     o.status,
		Strategy:   o.strategy,
		DurationMS: o.durationMS,
		Output:     o.output,
		Error:      o.err,
	})
	err := e.store.InsertExecutionStep(ctx, &store.ExecutionStep{
		ExecutionID: execID,
		NodeID:      nodeID,
		Status:      o.status,
		Strategy:    o.strategy,
		DurationMS:  o.durationMS,
		Output:      o.output,
		Error:       o.err,
	})
	if err != nil {
		e.log.Error("executor: record step",
			"execution_id", execID, "node_id", nodeID, "error", err)
		rs.fail(fmt.Sprintf("record step %s: %v", nodeID, err))
		return false
	}
	return true
}

// finalize closes the execution row and appends the audit row. The audit
// row is written even when the execution row update fails.
func (e *Engine) finalize(ctx context.Context, exec *store.Execution, g *store.Ghost, rs *runState) {
	if err := e.store.FinishExecution(ctx, exec.ID, rs.status, len(rs.steps), rs.firstErr); err != nil {
		e.log.Error("executor: finish execution", "execution_id", exec.ID, "error", err)
	}
	durationMS := time.Now().UnixMilli() - exec.StartedAt
	if err := e.store.InsertExecutionLog(ctx, &store.ExecutionLog{
		ExecutionID:    exec.ID,
		GhostID:        g.ID,
		OrgID:          exec.OrgID,
		Status:         rs.status,
		Steps:          len(rs.steps),
		DurationMS:     durationMS,
		StrategiesUsed: rs.strategies,
	}); err != nil {
		e.log.Error("executor: audit row", "execution_id", exec.ID, "error", err)
	}
	e.updateUsage(ctx, g, rs.status)

	e.recordMetric(observability.MetricExecuteDurationMs, float64(durationMS), "ms")
	e.recordMetric(observability.MetricExecuteStepCount, float64(len(rs.steps)), "count")
	if rs.healed > 0 {
		e.recordMetric(observability.MetricExecuteHealCount, float64(rs.healed), "count")
	}
}

type usageStats struct {
	Executions int    `json:"executions"`
	LastStatus string `json:"last_status,omitempty"`
	LastRunAt  int64  `json:"last_run_at,omitempty"`
}

func (e *Engine) updateUsage(ctx context.Context, g *store.Ghost, status string) {
	var u usageStats
	if len(g.UsageStats) > 0 {
		_ = json.Unmarshal(g.UsageStats, &u)
	}
	u.Executions++
	u.LastStatus = status
	u.LastRunAt = time.Now().UnixMilli()
	raw, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := e.store.UpdateGhostUsage(ctx, g.ID, raw); err != nil {
		e.log.Warn("executor: usage stats", "ghost_id", g.ID, "error", err)
	}
}

func (e *Engine) providerFor(settings *store.OrgSettings) llm.Provider {
	if e.registry == nil {
		return nil
	}
	return e.registry.FromSettings(settings.LLMProvider, settings.LLMModel)
}

func (e *Engine) recordMetric(name string, value float64, unit string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordSimple(name, value, unit)
}
