package ghost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/veyra/ghostwork/dbopen"
	"github.com/veyra/ghostwork/kit"
	"github.com/veyra/ghostwork/store"
)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)
	return New(st), st
}

const seedPlan = `[{"id":"step-1","tool":"navigate_to","params":{"url":"https://erp.example.com/invoices"}}]`

func seedGhost(t *testing.T, st *store.Store, org, status string, active bool) *store.Ghost {
	t.Helper()
	g := &store.Ghost{
		OrgID:         org,
		Name:          "Invoice entry sweep",
		Status:        status,
		IsActive:      active,
		ExecutionPlan: json.RawMessage(seedPlan),
		Trigger:       json.RawMessage(`{"type":"manual"}`),
		CreatedBy:     "usr-1",
	}
	if err := st.InsertGhost(context.Background(), g); err != nil {
		t.Fatalf("seed ghost: %v", err)
	}
	return g
}

func seedPattern(t *testing.T, st *store.Store, org string, confidence float64) *store.Pattern {
	t.Helper()
	p := &store.Pattern{
		ID:                   "pat_feedbeef",
		OrgID:                org,
		IntentSequence:       []string{"navigation", "data_entry"},
		StructuralHashes:     []string{"h-nav", "h-entry"},
		Occurrences:          4,
		Confidence:           confidence,
		SuggestedName:        "Invoice entry sweep",
		SuggestedDescription: "Copies invoice rows into the ERP.",
		FirstSeen:            "2026-08-18T10:00:00Z",
		LastSeen:             "2026-08-20T10:05:00Z",
		Status:               store.PatternAutoSuggested,
	}
	if err := st.UpsertPattern(context.Background(), p); err != nil {
		t.Fatalf("seed pattern: %v", err)
	}
	return p
}

func TestApproveBumpsVersionAndRecordsIt(t *testing.T) {
	// WHAT: Approving a pending ghost flips it to approved+active, bumps the
	// version to 2, writes a version row carrying the same plan, and resolves
	// the pending approval request.
	// WHY: The version history is the audit trail for "what exactly did we
	// authorize"; it must snapshot the plan as approved, not as later edited.
	svc, st := newService(t)
	ctx := context.Background()

	g := seedGhost(t, st, "org-1", store.GhostPendingApproval, false)
	if err := st.InsertApprovalRequest(ctx, &store.ApprovalRequest{
		GhostID: g.ID, OrgID: "org-1", RequestedBy: "usr-1", Reason: "new automation",
	}); err != nil {
		t.Fatalf("seed request: %v", err)
	}

	dec, err := svc.Apply(ctx, "org-1", g.ID, ActionApprove, "Looks right", "admin-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if dec.NewStatus != store.GhostApproved || dec.Version != 2 {
		t.Fatalf("decision: got %s v%d, want approved v2", dec.NewStatus, dec.Version)
	}

	got, err := st.GetGhost(ctx, "org-1", g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.GhostApproved || !got.IsActive || got.Version != 2 {
		t.Errorf("ghost after approve: status %q active %v v%d", got.Status, got.IsActive, got.Version)
	}
	if got.ApprovedBy != "admin-1" {
		t.Errorf("approved_by: got %q", got.ApprovedBy)
	}

	versions, err := st.ListGhostVersions(ctx, g.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("version rows: got %d, want 1", len(versions))
	}
	if versions[0].Version != 2 || string(versions[0].ExecutionPlan) != seedPlan {
		t.Errorf("version row: v%d plan %s", versions[0].Version, versions[0].ExecutionPlan)
	}
	if versions[0].ChangeDescription != "Looks right" || versions[0].CreatedBy != "admin-1" {
		t.Errorf("version row attribution: %q by %q", versions[0].ChangeDescription, versions[0].CreatedBy)
	}

	pending, err := st.ListApprovalRequests(ctx, "org-1", store.ApprovalPending, 0)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending requests after approve: got %d, want 0", len(pending))
	}
	resolved, err := st.ListApprovalRequests(ctx, "org-1", store.ApprovalApproved, 0)
	if err != nil {
		t.Fatalf("list resolved: %v", err)
	}
	if len(resolved) != 1 || resolved[0].ApprovedBy != "admin-1" {
		t.Fatalf("resolved requests: got %d", len(resolved))
	}
	if resolved[0].ResolvedAt == nil {
		t.Error("resolved request must carry resolved_at")
	}
}

func TestApproveIsIdempotent(t *testing.T) {
	// WHAT: Re-approving an approved ghost returns the current state without
	// bumping the version or minting another version row.
	// WHY: Dashboards retry; a double click must not fork history.
	svc, st := newService(t)
	ctx := context.Background()

	g := seedGhost(t, st, "org-1", store.GhostPendingApproval, false)
	if _, err := svc.Apply(ctx, "org-1", g.ID, ActionApprove, "", "admin-1"); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	dec, err := svc.Apply(ctx, "org-1", g.ID, ActionApprove, "", "admin-2")
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if dec.NewStatus != store.GhostApproved || dec.Version != 2 {
		t.Errorf("second approve: got %s v%d, want approved v2", dec.NewStatus, dec.Version)
	}

	versions, err := st.ListGhostVersions(ctx, g.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("version rows after re-approve: got %d, want 1", len(versions))
	}
	got, _ := st.GetGhost(ctx, "org-1", g.ID)
	if got.ApprovedBy != "admin-1" {
		t.Errorf("approved_by overwritten by no-op: got %q", got.ApprovedBy)
	}
}

func TestRejectArchives(t *testing.T) {
	// WHAT: Rejecting a pending ghost archives it, leaves it inactive, and
	// marks the approval request rejected with the decision note.
	// WHY: Rejected automations must never become executable, and the
	// requester deserves to see why.
	svc, st := newService(t)
	ctx := context.Background()

	g := seedGhost(t, st, "org-1", store.GhostPendingApproval, false)
	if err := st.InsertApprovalRequest(ctx, &store.ApprovalRequest{
		GhostID: g.ID, OrgID: "org-1", RequestedBy: "usr-1",
	}); err != nil {
		t.Fatalf("seed request: %v", err)
	}

	dec, err := svc.Apply(ctx, "org-1", g.ID, ActionReject, "Touches payroll", "admin-1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if dec.NewStatus != store.GhostArchived || dec.Version != 1 {
		t.Errorf("decision: got %s v%d, want archived v1", dec.NewStatus, dec.Version)
	}

	got, _ := st.GetGhost(ctx, "org-1", g.ID)
	if got.Status != store.GhostArchived || got.IsActive {
		t.Errorf("ghost after reject: status %q active %v", got.Status, got.IsActive)
	}
	rejected, err := st.ListApprovalRequests(ctx, "org-1", store.ApprovalRejected, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rejected) != 1 || rejected[0].DecisionNote != "Touches payroll" {
		t.Fatalf("rejected requests: got %d", len(rejected))
	}
}

func TestPauseAndActivate(t *testing.T) {
	// WHAT: approved -> pause -> paused (inactive) -> activate -> active,
	// with the version untouched throughout.
	// WHY: Pausing is an operational toggle, not a plan change; version bumps
	// are reserved for approvals.
	svc, st := newService(t)
	ctx := context.Background()

	g := seedGhost(t, st, "org-1", store.GhostApproved, true)

	dec, err := svc.Apply(ctx, "org-1", g.ID, ActionPause, "", "admin-1")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if dec.NewStatus != store.GhostPaused || dec.Version != 1 {
		t.Errorf("pause: got %s v%d", dec.NewStatus, dec.Version)
	}
	got, _ := st.GetGhost(ctx, "org-1", g.ID)
	if got.IsActive {
		t.Error("paused ghost must be inactive")
	}

	dec, err = svc.Apply(ctx, "org-1", g.ID, ActionActivate, "", "admin-1")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if dec.NewStatus != store.GhostActive || dec.Version != 1 {
		t.Errorf("activate: got %s v%d", dec.NewStatus, dec.Version)
	}
	got, _ = st.GetGhost(ctx, "org-1", g.ID)
	if !got.IsActive {
		t.Error("activated ghost must be active")
	}
}

func TestArchiveFromAnyStatus(t *testing.T) {
	// WHAT: Archive works from every status, deactivates the ghost, and is
	// idempotent when already archived.
	// WHY: Decommissioning must never be blocked by whatever state the ghost
	// happens to be in.
	svc, st := newService(t)
	ctx := context.Background()

	for _, status := range []string{
		store.GhostPendingApproval, store.GhostApproved, store.GhostActive, store.GhostPaused,
	} {
		g := seedGhost(t, st, "org-1", status, status == store.GhostActive)
		dec, err := svc.Apply(ctx, "org-1", g.ID, ActionArchive, "", "admin-1")
		if err != nil {
			t.Fatalf("archive from %s: %v", status, err)
		}
		if dec.NewStatus != store.GhostArchived {
			t.Errorf("archive from %s: got %s", status, dec.NewStatus)
		}
		got, _ := st.GetGhost(ctx, "org-1", g.ID)
		if got.IsActive {
			t.Errorf("archived ghost from %s still active", status)
		}

		again, err := svc.Apply(ctx, "org-1", g.ID, ActionArchive, "", "admin-1")
		if err != nil {
			t.Fatalf("re-archive: %v", err)
		}
		if again.NewStatus != store.GhostArchived || again.Version != dec.Version {
			t.Errorf("re-archive changed state: %s v%d", again.NewStatus, again.Version)
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	// WHAT: Actions outside the state machine, and unknown verbs, fail with
	// ErrInvalidAction and leave the ghost untouched.
	// WHY: The transition table is the whole safety argument for approvals;
	// any edge not in it must be refused, not guessed at.
	svc, st := newService(t)
	ctx := context.Background()

	cases := []struct {
		status string
		action string
	}{
		{store.GhostPendingApproval, ActionPause},
		{store.GhostPendingApproval, ActionActivate},
		{store.GhostApproved, ActionReject},
		{store.GhostArchived, ActionApprove},
		{store.GhostArchived, ActionActivate},
		{store.GhostPendingApproval, "promote"},
	}
	for _, tc := range cases {
		g := seedGhost(t, st, "org-1", tc.status, false)
		_, err := svc.Apply(ctx, "org-1", g.ID, tc.action, "", "admin-1")
		if !errors.Is(err, ErrInvalidAction) {
			t.Errorf("%s on %s: got %v, want ErrInvalidAction", tc.action, tc.status, err)
		}
		got, _ := st.GetGhost(ctx, "org-1", g.ID)
		if got.Status != tc.status {
			t.Errorf("%s on %s mutated status to %s", tc.action, tc.status, got.Status)
		}
	}
}

func TestApplyMissingGhost(t *testing.T) {
	// WHAT: Acting on an unknown id, or on another org's ghost, reports
	// ErrNotFound.
	// WHY: Cross-tenant probes must be indistinguishable from missing rows.
	svc, st := newService(t)
	ctx := context.Background()

	g := seedGhost(t, st, "org-1", store.GhostPendingApproval, false)

	if _, err := svc.Apply(ctx, "org-1", "gh_missing", ActionApprove, "", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v", err)
	}
	if _, err := svc.Apply(ctx, "org-2", g.ID, ActionApprove, "", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-org: got %v", err)
	}
}

func TestCreateFromPattern(t *testing.T) {
	// WHAT: Promoting a pattern creates a pending ghost linked by
	// source_pattern_id, flips the pattern to approved, and opens an approval
	// request. Confidence below the org threshold stays pending.
	// WHY: The pattern is evidence; the ghost is the authorized artifact. The
	// link between them is what review queues and audits walk.
	svc, st := newService(t)
	ctx := context.Background()

	p := seedPattern(t, st, "org-1", 0.88)

	g, err := svc.CreateFromPattern(ctx, "org-1", p.ID, "usr-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.Status != store.GhostPendingApproval || g.IsActive {
		t.Errorf("new ghost: status %q active %v", g.Status, g.IsActive)
	}
	if g.SourcePatternID != p.ID {
		t.Errorf("source_pattern_id: got %q", g.SourcePatternID)
	}
	if g.Name != "Invoice entry sweep" || g.Description == "" {
		t.Errorf("ghost naming: %q / %q", g.Name, g.Description)
	}
	if g.Confidence == nil || *g.Confidence != 0.88 {
		t.Errorf("confidence: got %v", g.Confidence)
	}

	gotP, _ := st.GetPattern(ctx, "org-1", p.ID)
	if gotP.Status != store.PatternApproved {
		t.Errorf("pattern status: got %q", gotP.Status)
	}
	pending, err := st.ListApprovalRequests(ctx, "org-1", store.ApprovalPending, 0)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(pending) != 1 || pending[0].GhostID != g.ID {
		t.Fatalf("pending requests: got %d", len(pending))
	}
}

func TestCreateFromPatternAutoApproves(t *testing.T) {
	// WHAT: When the pattern's confidence clears the org's auto-approve
	// threshold, the new ghost comes back approved+active at version 2 with
	// the approval request pre-resolved by system:auto.
	// WHY: High-confidence recurring work should not queue behind a human
	// when the org opted into that.
	svc, st := newService(t)
	ctx := context.Background()

	if err := st.UpsertOrgSettings(ctx, &store.OrgSettings{
		OrgID: "org-1", AutoApproveThreshold: 0.85,
	}); err != nil {
		t.Fatalf("settings: %v", err)
	}
	p := seedPattern(t, st, "org-1", 0.9)

	g, err := svc.CreateFromPattern(ctx, "org-1", p.ID, "usr-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.Status != store.GhostApproved || !g.IsActive || g.Version != 2 {
		t.Fatalf("auto-approved ghost: status %q active %v v%d", g.Status, g.IsActive, g.Version)
	}
	if g.ApprovedBy != AutoApprover {
		t.Errorf("approved_by: got %q", g.ApprovedBy)
	}

	versions, _ := st.ListGhostVersions(ctx, g.ID)
	if len(versions) != 1 {
		t.Errorf("version rows: got %d", len(versions))
	}
	pending, _ := st.ListApprovalRequests(ctx, "org-1", store.ApprovalPending, 0)
	if len(pending) != 0 {
		t.Errorf("pending requests: got %d, want 0", len(pending))
	}
	resolved, _ := st.ListApprovalRequests(ctx, "org-1", store.ApprovalApproved, 0)
	if len(resolved) != 1 || resolved[0].ApprovedBy != AutoApprover {
		t.Fatalf("resolved requests: got %d", len(resolved))
	}
}

func TestCreateFromPatternDefaultThreshold(t *testing.T) {
	// WHAT: With no org settings row, the default 0.95 threshold applies, so
	// a 0.9 pattern stays pending.
	// WHY: Auto-execution must be opt-in; the conservative default protects
	// orgs that never touched their settings.
	svc, st := newService(t)
	ctx := context.Background()

	p := seedPattern(t, st, "org-1", 0.9)
	g, err := svc.CreateFromPattern(ctx, "org-1", p.ID, "usr-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.Status != store.GhostPendingApproval {
		t.Errorf("status: got %q, want pending_approval", g.Status)
	}
}

func TestCreateFromPatternConvertsOnce(t *testing.T) {
	// WHAT: A second promotion of the same pattern fails with
	// ErrPatternConsumed; an unknown pattern fails with ErrPatternNotFound.
	// WHY: An approved pattern has exactly one ghost referencing it.
	svc, st := newService(t)
	ctx := context.Background()

	p := seedPattern(t, st, "org-1", 0.8)
	if _, err := svc.CreateFromPattern(ctx, "org-1", p.ID, "usr-1"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.CreateFromPattern(ctx, "org-1", p.ID, "usr-2"); !errors.Is(err, ErrPatternConsumed) {
		t.Errorf("second create: got %v", err)
	}
	if _, err := svc.CreateFromPattern(ctx, "org-1", "pat_missing", "usr-1"); !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("missing pattern: got %v", err)
	}

	ghosts, err := st.ListGhosts(ctx, "org-1", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ghosts) != 1 {
		t.Errorf("ghosts after double promote: got %d, want 1", len(ghosts))
	}
}

func postApprove(t *testing.T, h http.Handler, ctx context.Context, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/approve-ghost", bytes.NewReader([]byte(body)))
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

func TestHandlerApproves(t *testing.T) {
	// WHAT: POST /approve-ghost with {ghost_id, action:"approve"} returns 200
	// and {success, new_status, version} in the data envelope.
	// WHY: This is the dashboard's contract for the whole review flow.
	svc, st := newService(t)
	g := seedGhost(t, st, "org-1", store.GhostPendingApproval, false)

	ctx := kit.WithOrgID(context.Background(), "org-1")
	rec := postApprove(t, svc.Handler(), ctx,
		`{"ghost_id":"`+g.ID+`","action":"approve","approved_by":"admin-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data, ok := env["data"].(map[string]any)
	if !ok {
		t.Fatalf("no data in envelope: %s", rec.Body.String())
	}
	if data["success"] != true || data["new_status"] != store.GhostApproved {
		t.Errorf("data: %v", data)
	}
	if data["version"] != float64(2) {
		t.Errorf("version: got %v, want 2", data["version"])
	}
}

func TestHandlerResolvesOrgFromGhost(t *testing.T) {
	// WHAT: Without a tenant on the context, the handler finds the ghost's
	// own org and applies the action there.
	// WHY: The MCP path and internal tools call this endpoint with a service
	// role, not a tenant header.
	svc, st := newService(t)
	g := seedGhost(t, st, "org-9", store.GhostPendingApproval, false)

	rec := postApprove(t, svc.Handler(), context.Background(),
		`{"ghost_id":"`+g.ID+`","action":"approve"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", rec.Code, rec.Body.String())
	}
	got, _ := st.GetGhost(context.Background(), "org-9", g.ID)
	if got.Status != store.GhostApproved {
		t.Errorf("ghost status: got %q", got.Status)
	}
}

func TestHandlerTenantScoping(t *testing.T) {
	// WHAT: A caller scoped to org-2 cannot act on org-1's ghost; the reply
	// is the same 404 an unknown id gets.
	// WHY: Approval endpoints are exactly where cross-tenant writes would
	// hurt most.
	svc, st := newService(t)
	g := seedGhost(t, st, "org-1", store.GhostPendingApproval, false)

	ctx := kit.WithOrgID(context.Background(), "org-2")
	rec := postApprove(t, svc.Handler(), ctx, `{"ghost_id":"`+g.ID+`","action":"approve"}`)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != CodeNotFound {
		t.Errorf("got %d %s", rec.Code, errorCode(t, rec))
	}
}

func TestHandlerRejectsBadInput(t *testing.T) {
	// WHAT: Missing ghost_id (or an unparsable body) is 400 MISSING_GHOST;
	// a missing or unknown action is 400 INVALID_ACTION; GET is 405.
	// WHY: The error code set is fixed; clients branch on it.
	svc, st := newService(t)
	g := seedGhost(t, st, "org-1", store.GhostPendingApproval, false)
	ctx := kit.WithOrgID(context.Background(), "org-1")

	for _, body := range []string{`{}`, `{"action":"approve"}`, `not json`} {
		rec := postApprove(t, svc.Handler(), ctx, body)
		if rec.Code != http.StatusBadRequest || errorCode(t, rec) != CodeMissingGhost {
			t.Errorf("body %q: got %d %s", body, rec.Code, errorCode(t, rec))
		}
	}
	for _, body := range []string{
		`{"ghost_id":"` + g.ID + `"}`,
		`{"ghost_id":"` + g.ID + `","action":"promote"}`,
	} {
		rec := postApprove(t, svc.Handler(), ctx, body)
		if rec.Code != http.StatusBadRequest || errorCode(t, rec) != CodeInvalidAction {
			t.Errorf("body %q: got %d %s", body, rec.Code, errorCode(t, rec))
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/approve-ghost", nil)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: got %d", rec.Code)
	}
}

func TestHandlerMissingGhost(t *testing.T) {
	// WHAT: An unknown ghost_id is 404 GHOST_NOT_FOUND on both the scoped
	// and the service-role path.
	// WHY: Clients key on the error code; the dashboard shows "ghost no
	// longer exists" and drops the row.
	svc, _ := newService(t)

	rec := postApprove(t, svc.Handler(), context.Background(), `{"ghost_id":"gh_gone","action":"approve"}`)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != CodeNotFound {
		t.Errorf("service-role: got %d %s", rec.Code, errorCode(t, rec))
	}
	ctx := kit.WithOrgID(context.Background(), "org-1")
	rec = postApprove(t, svc.Handler(), ctx, `{"ghost_id":"gh_gone","action":"approve"}`)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != CodeNotFound {
		t.Errorf("scoped: got %d %s", rec.Code, errorCode(t, rec))
	}
}

func TestHandlerStoreFailure(t *testing.T) {
	// WHAT: A dead store surfaces as 500 INTERNAL_ERROR, not a panic or a
	// silent 200.
	// WHY: The client retry logic keys off 5xx.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)
	svc := New(st)
	g := seedGhost(t, st, "org-1", store.GhostPendingApproval, false)
	db.Close()

	ctx := kit.WithOrgID(context.Background(), "org-1")
	rec := postApprove(t, svc.Handler(), ctx, `{"ghost_id":"`+g.ID+`","action":"approve"}`)
	if rec.Code != http.StatusInternalServerError || errorCode(t, rec) != CodeInternal {
		t.Errorf("got %d %s", rec.Code, errorCode(t, rec))
	}
}
