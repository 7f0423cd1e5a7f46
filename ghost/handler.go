package ghost

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veyra/ghostwork/kit"
)

// Error codes returned by POST /approve-ghost.
const (
	CodeMissingGhost     = "MISSING_GHOST"
	CodeInvalidAction    = "INVALID_ACTION"
	CodeNotFound         = "GHOST_NOT_FOUND"
	CodeInternal         = "INTERNAL_ERROR"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

type approveRequest struct {
	GhostID      string `json:"ghost_id"`
	Action       string `json:"action"`
	DecisionNote string `json:"decision_note"`
	ApprovedBy   string `json:"approved_by"`
}

type approveResponse struct {
	Success   bool   `json:"success"`
	NewStatus string `json:"new_status"`
	Version   int    `json:"version"`
}

// Handler serves POST /approve-ghost.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.serveApprove)
}

func (s *Service) serveApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		kit.WriteError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "use POST")
		return
	}

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, CodeMissingGhost, "body is not an approval request")
		return
	}
	if req.GhostID == "" {
		kit.WriteError(w, r, http.StatusBadRequest, CodeMissingGhost, "ghost_id is required")
		return
	}
	if req.Action == "" {
		kit.WriteError(w, r, http.StatusBadRequest, CodeInvalidAction, "action is required")
		return
	}

	ctx := r.Context()
	orgID := kit.GetOrgID(ctx)
	if orgID == "" {
		// Service-role call with no tenant header: the ghost itself says
		// which org the decision belongs to.
		g, err := s.store.GetGhostByID(ctx, req.GhostID)
		if err != nil {
			s.log.Error("ghost: lookup failed", "ghost_id", req.GhostID, "error", err)
			kit.WriteError(w, r, http.StatusInternalServerError, CodeInternal, "approval update failed")
			return
		}
		if g == nil {
			kit.WriteError(w, r, http.StatusNotFound, CodeNotFound, "no such ghost")
			return
		}
		orgID = g.OrgID
	}

	dec, err := s.Apply(ctx, orgID, req.GhostID, req.Action, req.DecisionNote, req.ApprovedBy)
	switch {
	case errors.Is(err, ErrNotFound):
		kit.WriteError(w, r, http.StatusNotFound, CodeNotFound, "no such ghost")
		return
	case errors.Is(err, ErrInvalidAction):
		kit.WriteError(w, r, http.StatusBadRequest, CodeInvalidAction, err.Error())
		return
	case err != nil:
		s.log.Error("ghost: action failed",
			"org_id", orgID, "ghost_id", req.GhostID, "action", req.Action, "error", err)
		kit.WriteError(w, r, http.StatusInternalServerError, CodeInternal, "approval update failed")
		return
	}

	kit.WriteData(w, r, http.StatusOK, approveResponse{
		Success:   true,
		NewStatus: dec.NewStatus,
		Version:   dec.Version,
	})
}
