package feedback

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/veyra/ghostwork/kit"
)

// Error codes surfaced by the feedback endpoints.
const (
	CodeMissingGhost     = "MISSING_GHOST"
	CodeNotFound         = "GHOST_NOT_FOUND"
	CodeInsertFailed     = "INSERT_FAILED"
	CodeInternal         = "INTERNAL_ERROR"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// Handler serves the feedback endpoints. The caller strips the mount prefix:
//
//	r.Mount("/feedback", http.StripPrefix("/feedback", svc.Handler()))
//
// POST /submit  — record a rating.
// GET  /ratings — rating summary for ?ghost_id=...
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/submit":
			s.handleSubmit(w, r)
		case r.Method == http.MethodGet && r.URL.Path == "/ratings":
			s.handleRatings(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 32*1024)

	var sub Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, CodeMissingGhost, "body is not a feedback submission")
		return
	}
	orgID := kit.GetOrgID(r.Context())
	if orgID == "" {
		kit.WriteError(w, r, http.StatusBadRequest, "MISSING_ORG", "org could not be resolved")
		return
	}
	if sub.UserID == "" {
		sub.UserID = kit.GetUserID(r.Context())
	}

	f, err := s.Submit(r.Context(), orgID, &sub)
	switch {
	case errors.Is(err, ErrMissingGhost):
		kit.WriteError(w, r, http.StatusBadRequest, CodeMissingGhost, err.Error())
	case errors.Is(err, ErrInvalidScore):
		kit.WriteError(w, r, http.StatusBadRequest, CodeMissingGhost, err.Error())
	case errors.Is(err, ErrGhostNotFound):
		kit.WriteError(w, r, http.StatusNotFound, CodeNotFound, "no such ghost")
	case err != nil:
		s.log.Error("feedback: submit failed", "error", err, "org_id", orgID)
		kit.WriteError(w, r, http.StatusInternalServerError, CodeInsertFailed, "feedback could not be recorded")
	default:
		kit.WriteData(w, r, http.StatusCreated, map[string]string{"feedback_id": f.ID})
	}
}

func (s *Service) handleRatings(w http.ResponseWriter, r *http.Request) {
	ghostID := strings.TrimSpace(r.URL.Query().Get("ghost_id"))
	if ghostID == "" {
		kit.WriteError(w, r, http.StatusBadRequest, CodeMissingGhost, "ghost_id query parameter is required")
		return
	}
	orgID := kit.GetOrgID(r.Context())
	if orgID == "" {
		kit.WriteError(w, r, http.StatusBadRequest, "MISSING_ORG", "org could not be resolved")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	sum, err := s.ForGhost(r.Context(), orgID, ghostID, limit)
	switch {
	case errors.Is(err, ErrGhostNotFound):
		kit.WriteError(w, r, http.StatusNotFound, CodeNotFound, "no such ghost")
	case err != nil:
		s.log.Error("feedback: summary failed", "error", err, "org_id", orgID, "ghost_id", ghostID)
		kit.WriteError(w, r, http.StatusInternalServerError, CodeInternal, "rating summary failed")
	default:
		kit.WriteData(w, r, http.StatusOK, sum)
	}
}
