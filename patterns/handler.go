package patterns

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/veyra/ghostwork/kit"
)

// Error codes returned in the envelope.
const (
	CodeMissingOrg       = "MISSING_ORG"
	CodeInternal         = "INTERNAL_ERROR"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// detectRequest is the POST /pattern-detector body. batchId and trigger
// are advisory: a scan always reads the org's recent window, so replaying
// a batch is idempotent. They are carried into the logs for correlation.
type detectRequest struct {
	OrgID   string `json:"orgId"`
	BatchID string `json:"batchId"`
	Trigger string `json:"trigger"`
}

// Handler returns the http.Handler for POST /pattern-detector. Method
// handling lives here rather than in the router so the 405 wears the
// same envelope as every other error.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.serveDetect)
}

func (s *Service) serveDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		kit.WriteError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "use POST")
		return
	}

	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, CodeMissingOrg, "body is not a detect request")
		return
	}
	if strings.TrimSpace(req.OrgID) == "" {
		kit.WriteError(w, r, http.StatusBadRequest, CodeMissingOrg, "orgId is required")
		return
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = "manual"
	}

	res, err := s.Detect(r.Context(), req.OrgID)
	if err != nil {
		s.log.Error("patterns: scan failed",
			"org_id", req.OrgID, "batch_id", req.BatchID, "trigger", trigger, "error", err)
		kit.WriteError(w, r, http.StatusInternalServerError, CodeInternal, "pattern detection failed")
		return
	}
	kit.WriteData(w, r, http.StatusOK, res)
}
