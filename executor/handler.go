package executor

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/veyra/ghostwork/kit"
)

// Error codes returned by POST /ghost-executor.
const (
	CodeMissingGhost     = "MISSING_GHOST"
	CodeNotFound         = "GHOST_NOT_FOUND"
	CodeNotApproved      = "GHOST_NOT_APPROVED"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeExecutionError   = "EXECUTION_ERROR"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

type executeRequest struct {
	GhostID    string          `json:"ghostId"`
	Parameters json.RawMessage `json:"parameters"`
	Trigger    string          `json:"trigger"`
}

// Handler serves POST /ghost-executor.
func (e *Engine) Handler() http.Handler {
	return http.HandlerFunc(e.serveExecute)
}

func (e *Engine) serveExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		kit.WriteError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "use POST")
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, CodeMissingGhost, "body is not an execution request")
		return
	}
	if strings.TrimSpace(req.GhostID) == "" {
		kit.WriteError(w, r, http.StatusBadRequest, CodeMissingGhost, "ghostId is required")
		return
	}

	ctx := r.Context()
	orgID := kit.GetOrgID(ctx)
	if orgID == "" {
		// Service-role call: the ghost row names the tenant.
		g, err := e.store.GetGhostByID(ctx, req.GhostID)
		if err != nil {
			e.log.Error("executor: lookup failed", "ghost_id", req.GhostID, "error", err)
			kit.WriteError(w, r, http.StatusInternalServerError, CodeExecutionError, "execution failed")
			return
		}
		if g == nil {
			kit.WriteError(w, r, http.StatusNotFound, CodeNotFound, "no such ghost")
			return
		}
		orgID = g.OrgID
	}

	res, err := e.Execute(ctx, &RunRequest{
		GhostID:    req.GhostID,
		OrgID:      orgID,
		Parameters: req.Parameters,
		Trigger:    req.Trigger,
	})
	switch {
	case errors.Is(err, ErrNotFound):
		kit.WriteError(w, r, http.StatusNotFound, CodeNotFound, "no such ghost")
		return
	case errors.Is(err, ErrNotApproved), errors.Is(err, ErrBlocked), errors.Is(err, ErrApprovalRequired):
		kit.WriteError(w, r, http.StatusForbidden, CodeNotApproved, err.Error())
		return
	case errors.Is(err, ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		kit.WriteError(w, r, http.StatusTooManyRequests, CodeRateLimited, "execution rate exceeded for org")
		return
	case err != nil:
		e.log.Error("executor: run failed",
			"org_id", orgID, "ghost_id", req.GhostID, "error", err)
		kit.WriteError(w, r, http.StatusInternalServerError, CodeExecutionError, "execution failed")
		return
	}

	kit.WriteData(w, r, http.StatusOK, res)
}
