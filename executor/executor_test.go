package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/veyra/ghostwork/dbopen"
	"github.com/veyra/ghostwork/kit"
	"github.com/veyra/ghostwork/llm"
	"github.com/veyra/ghostwork/store"
)

// newEngine builds an engine over a fresh in-memory store. The endpoint
// validator is disabled because test upstreams live on loopback; the
// default-validator behavior has its own test.
func newEngine(t *testing.T, provider llm.Provider, opts ...Option) (*Engine, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)
	base := []Option{WithEndpointValidator(func(string) error { return nil })}
	return New(st, provider, append(base, opts...)...), st
}

func seedGhost(t *testing.T, st *store.Store, org, plan string) *store.Ghost {
	t.Helper()
	g := &store.Ghost{
		OrgID:    org,
		Name:     "Invoice entry sweep",
		Status:   store.GhostApproved,
		IsActive: true,
	}
	if plan != "" {
		g.ExecutionPlan = json.RawMessage(plan)
	}
	if err := st.InsertGhost(context.Background(), g); err != nil {
		t.Fatalf("seed ghost: %v", err)
	}
	return g
}

func apiPlan(endpoint string) string {
	return `[{"id":"s1","type":"action","action":{"tool":"api_call","params":{"endpoint":"` +
		endpoint + `","method":"GET"}}}]`
}

const escalatePlan = `[{"id":"e1","type":"action","action":{"tool":"human_escalation","params":{"reason":"routine check"}}}]`

func TestExecuteRoutesAPINodes(t *testing.T) {
	// WHAT: A stored plan with one api_call node against a 200 upstream
	// finishes completed: one step, strategy "api", output carrying the
	// upstream status and parsed JSON body.
	// WHY: API routing is the engine's preferred path; browser steps exist
	// only where no API does.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	eng, st := newEngine(t, nil)
	g := seedGhost(t, st, "org-1", apiPlan(upstream.URL+"/ok"))
	ctx := context.Background()

	res, err := eng.Execute(ctx, &RunRequest{GhostID: g.ID, OrgID: "org-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != store.ExecutionCompleted {
		t.Errorf("status: got %q, want completed", res.Status)
	}
	if len(res.Steps) != 1 {
		t.Fatalf("steps: got %d, want 1", len(res.Steps))
	}
	step := res.Steps[0]
	if step.NodeID != "s1" || step.Strategy != StrategyAPI || step.Status != store.StepCompleted {
		t.Errorf("step: %+v", step)
	}
	var out struct {
		Status int            `json:"status"`
		Body   map[string]any `json:"body"`
	}
	if err := json.Unmarshal(step.Output, &out); err != nil {
		t.Fatalf("output: %v", err)
	}
	if out.Status != 200 || out.Body["ok"] != true {
		t.Errorf("output: status %d body %v", out.Status, out.Body)
	}

	exec, err := st.GetExecution(ctx, "org-1", res.ExecutionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != store.ExecutionCompleted || exec.StepCount != 1 || exec.CompletedAt == nil {
		t.Errorf("execution row: %+v", exec)
	}
	rows, err := st.ListExecutionSteps(ctx, res.ExecutionID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(rows) != 1 || rows[0].Strategy != StrategyAPI {
		t.Errorf("step rows: got %d", len(rows))
	}

	logs, err := st.ListExecutionLogs(ctx, "org-1", 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("audit rows: got %d, want 1", len(logs))
	}
	if logs[0].Status != store.ExecutionCompleted || logs[0].Steps != 1 {
		t.Errorf("audit row: %+v", logs[0])
	}
	if len(logs[0].StrategiesUsed) != 1 || logs[0].StrategiesUsed[0] != StrategyAPI {
		t.Errorf("strategies: %v", logs[0].StrategiesUsed)
	}

	gotG, _ := st.GetGhost(ctx, "org-1", g.ID)
	var usage usageStats
	if err := json.Unmarshal(gotG.UsageStats, &usage); err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.Executions != 1 || usage.LastStatus != store.ExecutionCompleted {
		t.Errorf("usage: %+v", usage)
	}
}

func TestExecuteSelfHealsButRunStaysFailed(t *testing.T) {
	// WHAT: A dead upstream fails the api_call step (strategy "direct"); the
	// scripted repair substitutes a human escalation, recorded as a second
	// step with the self_healed: prefix; the run still finalizes failed and
	// the audit row carries both strategies.
	// WHY: A heal keeps the workflow moving but never rewrites history — the
	// original failure decides the run's status.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	brokenURL := upstream.URL
	upstream.Close()

	script := llm.NewScript(llm.Text(`{"tool":"human_escalation","params":{"reason":"upstream unavailable"}}`))
	eng, st := newEngine(t, script)
	g := seedGhost(t, st, "org-1", apiPlan(brokenURL))
	ctx := context.Background()

	res, err := eng.Execute(ctx, &RunRequest{GhostID: g.ID, OrgID: "org-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != store.ExecutionFailed {
		t.Errorf("status: got %q, want failed", res.Status)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("steps: got %d, want 2", len(res.Steps))
	}
	first, second := res.Steps[0], res.Steps[1]
	if first.Status != store.StepFailed || first.Strategy != StrategyDirect || first.Error == "" {
		t.Errorf("first step: %+v", first)
	}
	if second.Status != store.StepCompleted || second.Strategy != SelfHealedPrefix+StrategyHuman {
		t.Errorf("second step: %+v", second)
	}
	var out struct {
		Escalated bool   `json:"escalated"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(second.Output, &out); err != nil {
		t.Fatalf("heal output: %v", err)
	}
	if !out.Escalated || out.Reason != "upstream unavailable" {
		t.Errorf("heal output: %+v", out)
	}

	exec, _ := st.GetExecution(ctx, "org-1", res.ExecutionID)
	if exec.Status != store.ExecutionFailed || exec.Error == "" {
		t.Errorf("execution row: status %q error %q", exec.Status, exec.Error)
	}
	logs, _ := st.ListExecutionLogs(ctx, "org-1", 0)
	if len(logs) != 1 {
		t.Fatalf("audit rows: got %d", len(logs))
	}
	want := []string{StrategyDirect, SelfHealedPrefix + StrategyHuman}
	if len(logs[0].StrategiesUsed) != 2 ||
		logs[0].StrategiesUsed[0] != want[0] || logs[0].StrategiesUsed[1] != want[1] {
		t.Errorf("strategies: got %v, want %v", logs[0].StrategiesUsed, want)
	}
	if script.CallCount() != 1 {
		t.Errorf("llm calls: got %d, want 1 (heal only; plan was stored)", script.CallCount())
	}
}

func TestExecuteHealedRunContinues(t *testing.T) {
	// WHAT: After a successful heal, later plan nodes still run; the final
	// status remains failed because the original step failed.
	// WHY: Healing exists to finish the workflow, not to launder its record.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	brokenURL := upstream.URL
	upstream.Close()

	plan := `[{"id":"s1","type":"action","action":{"tool":"api_call","params":{"endpoint":"` + brokenURL + `","method":"GET"}}},` +
		`{"id":"s2","type":"action","action":{"tool":"human_escalation","params":{"reason":"confirm totals"}}}]`
	script := llm.NewScript(llm.Text(`{"tool":"extract_data","params":{"target":"table"}}`))
	eng, st := newEngine(t, script)
	g := seedGhost(t, st, "org-1", plan)

	res, err := eng.Execute(context.Background(), &RunRequest{GhostID: g.ID, OrgID: "org-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != store.ExecutionFailed {
		t.Errorf("status: got %q, want failed", res.Status)
	}
	if len(res.Steps) != 3 {
		t.Fatalf("steps: got %d, want 3 (fail, heal, next node)", len(res.Steps))
	}
	if res.Steps[1].Strategy != SelfHealedPrefix+StrategySemantic || res.Steps[1].Status != store.StepCompleted {
		t.Errorf("healed step: %+v", res.Steps[1])
	}
	if res.Steps[2].NodeID != "s2" || res.Steps[2].Status != store.StepCompleted {
		t.Errorf("follow-on step: %+v", res.Steps[2])
	}
}

func TestExecuteHealFailureStopsRun(t *testing.T) {
	// WHAT: When the repair reply is unusable, the run stops at the failed
	// node; later plan nodes never run and the error mentions the heal.
	// WHY: A replan or substitute failure finalizes the run failed and
	// stops; limping on without a repair would act on a broken state.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	brokenURL := upstream.URL
	upstream.Close()

	plan := `[{"id":"s1","type":"action","action":{"tool":"api_call","params":{"endpoint":"` + brokenURL + `","method":"GET"}}},` +
		`{"id":"s2","type":"action","action":{"tool":"human_escalation","params":{}}}]`
	script := llm.NewScript(llm.Text("I would suggest checking the server."))
	eng, st := newEngine(t, script)
	g := seedGhost(t, st, "org-1", plan)

	res, err := eng.Execute(context.Background(), &RunRequest{GhostID: g.ID, OrgID: "org-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != store.ExecutionFailed {
		t.Errorf("status: got %q", res.Status)
	}
	if len(res.Steps) != 1 {
		t.Fatalf("steps: got %d, want 1 (s2 must not run)", len(res.Steps))
	}
	exec, _ := st.GetExecution(context.Background(), "org-1", res.ExecutionID)
	if !strings.Contains(exec.Error, "self-heal") {
		t.Errorf("error: %q", exec.Error)
	}
}

func TestExecutePlansWhenNoStoredPlan(t *testing.T) {
	// WHAT: A ghost with the empty default plan gets one from the planner;
	// prose around the JSON array is tolerated; browser nodes are recorded
	// as queued intents, not performed.
	// WHY: Ghosts promoted from patterns start planless; the planner is what
	// makes them runnable.
	reply := "Here is the plan:\n" +
		`[{"id":"nav-1","type":"action","action":{"tool":"navigate_to","params":{"url":"https://erp.example.com/invoices"}}}]` +
		"\nGood luck."
	script := llm.NewScript(llm.Text(reply))
	eng, st := newEngine(t, script)
	g := seedGhost(t, st, "org-1", "")

	res, err := eng.Execute(context.Background(), &RunRequest{GhostID: g.ID, OrgID: "org-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != store.ExecutionCompleted {
		t.Errorf("status: got %q", res.Status)
	}
	if len(res.Steps) != 1 || res.Steps[0].NodeID != "nav-1" || res.Steps[0].Strategy != StrategySemantic {
		t.Fatalf("steps: %+v", res.Steps)
	}
	var out struct {
		Action string `json:"action"`
		Note   string `json:"note"`
	}
	if err := json.Unmarshal(res.Steps[0].Output, &out); err != nil {
		t.Fatalf("output: %v", err)
	}
	if out.Action != ToolNavigate || out.Note != browserNote {
		t.Errorf("output: %+v", out)
	}

	if script.CallCount() != 1 {
		t.Fatalf("llm calls: got %d, want 1", script.CallCount())
	}
	call := script.Calls()[0]
	if len(call.Messages) != 2 || call.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("planner request shape: %d messages", len(call.Messages))
	}
	if !strings.Contains(call.Messages[1].Content, "Invoice entry sweep") {
		t.Errorf("planner prompt lacks workflow name: %q", call.Messages[1].Content)
	}
}

func TestExecuteEscalatesWhenPlannerFails(t *testing.T) {
	// WHAT: Planner errors (and a missing provider) degrade to the
	// single-step human escalation plan with the fixed reason; the run then
	// completes, because escalating is itself a successful step.
	// WHY: Planner failure must never 500 the endpoint; a human gets the
	// workflow instead.
	cases := map[string]llm.Provider{
		"planner error": llm.NewScript(llm.Fail(errors.New("model overloaded"))),
		"no provider":   nil,
	}
	for name, provider := range cases {
		eng, st := newEngine(t, provider)
		g := seedGhost(t, st, "org-1", "")

		res, err := eng.Execute(context.Background(), &RunRequest{GhostID: g.ID, OrgID: "org-1"})
		if err != nil {
			t.Fatalf("%s: execute: %v", name, err)
		}
		if res.Status != store.ExecutionCompleted {
			t.Errorf("%s: status: got %q", name, res.Status)
		}
		if len(res.Steps) != 1 || res.Steps[0].NodeID != "escalate-1" || res.Steps[0].Strategy != StrategyHuman {
			t.Fatalf("%s: steps: %+v", name, res.Steps)
		}
		var out struct {
			Escalated bool   `json:"escalated"`
			Reason    string `json:"reason"`
		}
		if err := json.Unmarshal(res.Steps[0].Output, &out); err != nil {
			t.Fatalf("%s: output: %v", name, err)
		}
		if !out.Escalated || out.Reason != planFallbackReason {
			t.Errorf("%s: output: %+v", name, out)
		}
	}
}

func TestExecuteEscalatesOnUnreadableStoredPlan(t *testing.T) {
	// WHAT: A stored plan that no longer parses escalates directly — the
	// planner is not consulted.
	// WHY: The stored plan is what was approved; silently replacing it with
	// a fresh LLM plan would execute something nobody reviewed.
	script := llm.NewScript(llm.Text("should never be called"))
	eng, st := newEngine(t, script)
	g := seedGhost(t, st, "org-1", `{"oops": "not an array"`)

	res, err := eng.Execute(context.Background(), &RunRequest{GhostID: g.ID, OrgID: "org-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Steps) != 1 || res.Steps[0].NodeID != "escalate-1" {
		t.Fatalf("steps: %+v", res.Steps)
	}
	if script.CallCount() != 0 {
		t.Errorf("llm calls: got %d, want 0", script.CallCount())
	}
}

func TestExecuteRecordsUnknownTools(t *testing.T) {
	// WHAT: An unknown tool is recorded as a completed step with strategy
	// "unknown" and an error payload; the run completes.
	// WHY: Plans age across engine versions; an unrecognized node is
	// evidence to keep, not a crash.
	eng, st := newEngine(t, nil)
	g := seedGhost(t, st, "org-1", `[{"id":"x1","type":"action","action":{"tool":"teleport","params":{}}}]`)

	res, err := eng.Execute(context.Background(), &RunRequest{GhostID: g.ID, OrgID: "org-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != store.ExecutionCompleted {
		t.Errorf("status: got %q", res.Status)
	}
	step := res.Steps[0]
	if step.Status != store.StepCompleted || step.Strategy != StrategyUnknown {
		t.Errorf("step: %+v", step)
	}
	if !bytes.Contains(step.Output, []byte("teleport")) {
		t.Errorf("output: %s", step.Output)
	}
}

func TestExecuteHonorsSelectorStrategy(t *testing.T) {
	// WHAT: A browser node carrying selector_strategy records that strategy
	// instead of the semantic default.
	// WHY: The audit trail must say which selection approach the client
	// driver was asked to use.
	eng, st := newEngine(t, nil)
	g := seedGhost(t, st, "org-1",
		`[{"id":"c1","type":"action","action":{"tool":"click_element","params":{"selector_strategy":"structural","selector":"#submit"}}}]`)

	res, err := eng.Execute(context.Background(), &RunRequest{GhostID: g.ID, OrgID: "org-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Steps[0].Strategy != "structural" {
		t.Errorf("strategy: got %q", res.Steps[0].Strategy)
	}
}

func TestExecuteBlocksPrivateEndpoints(t *testing.T) {
	// WHAT: With the default validator, an api_call against loopback fails
	// the step before any request is made; the audit row is still written.
	// WHY: Plans are LLM output. Letting one reach 127.0.0.1 or RFC1918
	// space turns the executor into an SSRF proxy.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)
	eng := New(st, nil)
	g := seedGhost(t, st, "org-1", apiPlan("http://127.0.0.1:9/admin"))
	ctx := context.Background()

	res, err := eng.Execute(ctx, &RunRequest{GhostID: g.ID, OrgID: "org-1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != store.ExecutionFailed {
		t.Errorf("status: got %q", res.Status)
	}
	if !strings.Contains(res.Steps[0].Error, "private or loopback") {
		t.Errorf("step error: %q", res.Steps[0].Error)
	}
	logs, _ := st.ListExecutionLogs(ctx, "org-1", 0)
	if len(logs) != 1 || logs[0].Status != store.ExecutionFailed {
		t.Fatalf("audit rows: got %d", len(logs))
	}
}

func TestExecuteRefusesWrongStates(t *testing.T) {
	// WHAT: Pending and paused ghosts are refused with ErrNotApproved; a
	// missing or cross-org id is ErrNotFound. No execution rows appear.
	// WHY: Only approved|active ghosts may run — that is the entire point of
	// the governance layer.
	eng, st := newEngine(t, nil)
	ctx := context.Background()

	pending := &store.Ghost{OrgID: "org-1", Name: "Pending", ExecutionPlan: json.RawMessage(escalatePlan)}
	if err := st.InsertGhost(ctx, pending); err != nil {
		t.Fatalf("seed: %v", err)
	}
	paused := &store.Ghost{OrgID: "org-1", Name: "Paused", Status: store.GhostPaused}
	if err := st.InsertGhost(ctx, paused); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := eng.Execute(ctx, &RunRequest{GhostID: pending.ID, OrgID: "org-1"}); !errors.Is(err, ErrNotApproved) {
		t.Errorf("pending: got %v", err)
	}
	if _, err := eng.Execute(ctx, &RunRequest{GhostID: paused.ID, OrgID: "org-1"}); !errors.Is(err, ErrNotApproved) {
		t.Errorf("paused: got %v", err)
	}
	if _, err := eng.Execute(ctx, &RunRequest{GhostID: "gh_missing", OrgID: "org-1"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: got %v", err)
	}
	if _, err := eng.Execute(ctx, &RunRequest{GhostID: pending.ID, OrgID: "org-2"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-org: got %v", err)
	}

	execs, _ := st.ListExecutions(ctx, "org-1", pending.ID, 0)
	if len(execs) != 0 {
		t.Errorf("executions recorded for refused runs: %d", len(execs))
	}
}

func TestExecuteRateLimitPerOrg(t *testing.T) {
	// WHAT: With max_executions_per_minute=2, the third immediate run is
	// ErrRateLimited; another org's budget is untouched.
	// WHY: One org's runaway scheduler must not starve the rest of the
	// process.
	eng, st := newEngine(t, nil)
	ctx := context.Background()
	if err := st.UpsertOrgSettings(ctx, &store.OrgSettings{OrgID: "org-1", MaxExecutionsPerMinute: 2}); err != nil {
		t.Fatalf("settings: %v", err)
	}
	g := seedGhost(t, st, "org-1", escalatePlan)
	other := seedGhost(t, st, "org-2", escalatePlan)

	for i := 0; i < 2; i++ {
		if _, err := eng.Execute(ctx, &RunRequest{GhostID: g.ID, OrgID: "org-1"}); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	if _, err := eng.Execute(ctx, &RunRequest{GhostID: g.ID, OrgID: "org-1"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third run: got %v, want ErrRateLimited", err)
	}
	if _, err := eng.Execute(ctx, &RunRequest{GhostID: other.ID, OrgID: "org-2"}); err != nil {
		t.Errorf("other org: %v", err)
	}
}

func TestExecutePolicyBlocks(t *testing.T) {
	// WHAT: An active block policy refuses the run before any execution row
	// is created.
	// WHY: block is the org's hard stop; nothing about the run may persist.
	eng, st := newEngine(t, nil)
	ctx := context.Background()
	g := seedGhost(t, st, "org-1", escalatePlan)
	if err := st.InsertPolicy(ctx, &store.Policy{
		OrgID: "org-1", Name: "Freeze during close", Action: store.PolicyBlock, IsActive: true,
	}); err != nil {
		t.Fatalf("policy: %v", err)
	}

	_, err := eng.Execute(ctx, &RunRequest{GhostID: g.ID, OrgID: "org-1"})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("got %v, want ErrBlocked", err)
	}
	execs, _ := st.ListExecutions(ctx, "org-1", g.ID, 0)
	if len(execs) != 0 {
		t.Errorf("executions: got %d, want 0", len(execs))
	}
}

func TestExecutePolicyRequiresApproval(t *testing.T) {
	// WHAT: require_approval defers the run and opens exactly one pending
	// approval request, no matter how many times the run is retried.
	// WHY: The review queue is for humans; a retry loop must not flood it.
	eng, st := newEngine(t, nil)
	ctx := context.Background()
	g := seedGhost(t, st, "org-1", escalatePlan)
	if err := st.InsertPolicy(ctx, &store.Policy{
		OrgID: "org-1", Name: "Review finance automations", Action: store.PolicyRequireApproval, IsActive: true,
	}); err != nil {
		t.Fatalf("policy: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := eng.Execute(ctx, &RunRequest{GhostID: g.ID, OrgID: "org-1"}); !errors.Is(err, ErrApprovalRequired) {
			t.Fatalf("run %d: got %v, want ErrApprovalRequired", i+1, err)
		}
	}
	pending, err := st.ListApprovalRequests(ctx, "org-1", store.ApprovalPending, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending requests: got %d, want 1", len(pending))
	}
	if !strings.Contains(pending[0].Reason, "Review finance automations") {
		t.Errorf("reason: %q", pending[0].Reason)
	}
}

func TestExecutePolicyAllowOverridesApproval(t *testing.T) {
	// WHAT: A matching allow policy cancels require_approval but never
	// block.
	// WHY: allow is the explicit exception list; block is absolute.
	eng, st := newEngine(t, nil)
	ctx := context.Background()
	g := seedGhost(t, st, "org-1", escalatePlan)

	mustPolicy := func(name, action string) {
		t.Helper()
		if err := st.InsertPolicy(ctx, &store.Policy{
			OrgID: "org-1", Name: name, Action: action, IsActive: true,
		}); err != nil {
			t.Fatalf("policy %s: %v", name, err)
		}
	}
	mustPolicy("Review everything", store.PolicyRequireApproval)
	mustPolicy("Except vetted ghosts", store.PolicyAllow)

	if _, err := eng.Execute(ctx, &RunRequest{GhostID: g.ID, OrgID: "org-1"}); err != nil {
		t.Fatalf("allow should override require_approval: %v", err)
	}

	mustPolicy("Hard freeze", store.PolicyBlock)
	if _, err := eng.Execute(ctx, &RunRequest{GhostID: g.ID, OrgID: "org-1"}); !errors.Is(err, ErrBlocked) {
		t.Fatalf("block must beat allow: got %v", err)
	}
}

func TestExecutePolicyConditionScopes(t *testing.T) {
	// WHAT: A policy condition naming another ghost or trigger leaves this
	// run alone; a trigger-scoped block fires only for that trigger.
	// WHY: Conditions are how one org mixes strict and lenient rules.
	eng, st := newEngine(t, nil)
	ctx := context.Background()
	g := seedGhost(t, st, "org-1", escalatePlan)

	if err := st.InsertPolicy(ctx, &store.Policy{
		OrgID: "org-1", Name: "Block the other one", Action: store.PolicyBlock, IsActive: true,
		Condition: json.RawMessage(`{"ghost_id":"gh_other"}`),
	}); err != nil {
		t.Fatalf("policy: %v", err)
	}
	if err := st.InsertPolicy(ctx, &store.Policy{
		OrgID: "org-1", Name: "No scheduled runs", Action: store.PolicyBlock, IsActive: true,
		Condition: json.RawMessage(`{"trigger":"schedule"}`),
	}); err != nil {
		t.Fatalf("policy: %v", err)
	}

	if _, err := eng.Execute(ctx, &RunRequest{GhostID: g.ID, OrgID: "org-1", Trigger: "manual"}); err != nil {
		t.Fatalf("manual run should pass: %v", err)
	}
	if _, err := eng.Execute(ctx, &RunRequest{GhostID: g.ID, OrgID: "org-1", Trigger: "schedule"}); !errors.Is(err, ErrBlocked) {
		t.Fatalf("scheduled run: got %v, want ErrBlocked", err)
	}
}

func postExecute(t *testing.T, h http.Handler, ctx context.Context, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ghost-executor", bytes.NewReader([]byte(body)))
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("envelope: %v (%s)", err, rec.Body.String())
	}
	return env
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	env := decodeEnvelope(t, rec)
	errObj, _ := env["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func TestHandlerExecutes(t *testing.T) {
	// WHAT: POST /ghost-executor returns 200 with {executionId, status,
	// steps} in the data envelope.
	// WHY: This is the wire contract dashboards and the scheduler rely on.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	eng, st := newEngine(t, nil)
	g := seedGhost(t, st, "org-1", apiPlan(upstream.URL))

	ctx := kit.WithOrgID(context.Background(), "org-1")
	rec := postExecute(t, eng.Handler(), ctx, `{"ghostId":"`+g.ID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data, ok := env["data"].(map[string]any)
	if !ok {
		t.Fatalf("no data: %s", rec.Body.String())
	}
	if id, _ := data["executionId"].(string); id == "" {
		t.Error("missing executionId")
	}
	if data["status"] != store.ExecutionCompleted {
		t.Errorf("status: %v", data["status"])
	}
	steps, _ := data["steps"].([]any)
	if len(steps) != 1 {
		t.Fatalf("steps: %v", data["steps"])
	}
	step, _ := steps[0].(map[string]any)
	if step["strategy"] != StrategyAPI {
		t.Errorf("strategy: %v", step["strategy"])
	}
}

func TestHandlerResolvesOrgFromGhost(t *testing.T) {
	// WHAT: Without a tenant on the context the handler runs the ghost in
	// its own org.
	// WHY: Scheduler and MCP calls arrive with a service role, not a tenant
	// header.
	eng, st := newEngine(t, nil)
	g := seedGhost(t, st, "org-7", escalatePlan)

	rec := postExecute(t, eng.Handler(), context.Background(), `{"ghostId":"`+g.ID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", rec.Code, rec.Body.String())
	}
	execs, _ := st.ListExecutions(context.Background(), "org-7", g.ID, 0)
	if len(execs) != 1 {
		t.Errorf("executions in org-7: got %d", len(execs))
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	// WHAT: 400 MISSING_GHOST for absent/unparsable input, 404
	// GHOST_NOT_FOUND, 403 GHOST_NOT_APPROVED, 405 for GET.
	// WHY: The stable code set is what clients branch on.
	eng, st := newEngine(t, nil)
	pending := &store.Ghost{OrgID: "org-1", Name: "Pending"}
	if err := st.InsertGhost(context.Background(), pending); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ctx := kit.WithOrgID(context.Background(), "org-1")

	for _, body := range []string{`{}`, `{"ghostId":"  "}`, `not json`} {
		rec := postExecute(t, eng.Handler(), ctx, body)
		if rec.Code != http.StatusBadRequest || errorCode(t, rec) != CodeMissingGhost {
			t.Errorf("body %q: got %d %s", body, rec.Code, errorCode(t, rec))
		}
	}

	rec := postExecute(t, eng.Handler(), ctx, `{"ghostId":"gh_missing"}`)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != CodeNotFound {
		t.Errorf("missing: got %d %s", rec.Code, errorCode(t, rec))
	}
	rec = postExecute(t, eng.Handler(), context.Background(), `{"ghostId":"gh_missing"}`)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != CodeNotFound {
		t.Errorf("service-role missing: got %d %s", rec.Code, errorCode(t, rec))
	}

	rec = postExecute(t, eng.Handler(), ctx, `{"ghostId":"`+pending.ID+`"}`)
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != CodeNotApproved {
		t.Errorf("pending: got %d %s", rec.Code, errorCode(t, rec))
	}

	getReq := httptest.NewRequest(http.MethodGet, "/ghost-executor", nil)
	getRec := httptest.NewRecorder()
	eng.Handler().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: got %d", getRec.Code)
	}
}

func TestHandlerRateLimited(t *testing.T) {
	// WHAT: A spent org budget surfaces as 429 RATE_LIMIT_EXCEEDED with
	// Retry-After: 60.
	// WHY: Clients back off on the same signal the ingest path uses.
	eng, st := newEngine(t, nil)
	ctx := context.Background()
	if err := st.UpsertOrgSettings(ctx, &store.OrgSettings{OrgID: "org-1", MaxExecutionsPerMinute: 1}); err != nil {
		t.Fatalf("settings: %v", err)
	}
	g := seedGhost(t, st, "org-1", escalatePlan)
	rctx := kit.WithOrgID(context.Background(), "org-1")

	if rec := postExecute(t, eng.Handler(), rctx, `{"ghostId":"`+g.ID+`"}`); rec.Code != http.StatusOK {
		t.Fatalf("first run: %d (%s)", rec.Code, rec.Body.String())
	}
	rec := postExecute(t, eng.Handler(), rctx, `{"ghostId":"`+g.ID+`"}`)
	if rec.Code != http.StatusTooManyRequests || errorCode(t, rec) != CodeRateLimited {
		t.Fatalf("second run: got %d %s", rec.Code, errorCode(t, rec))
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After: %q", rec.Header().Get("Retry-After"))
	}
}
