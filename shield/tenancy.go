package shield

import (
	"net/http"
	"strings"

	"github.com/veyra/ghostwork/guard"
	"github.com/veyra/ghostwork/kit"
)

// Identity headers. ghostd trusts a fronting proxy to authenticate callers
// and inject these; the server itself never mints them from request bodies.
const (
	HeaderOrg  = "X-Ghost-Org"
	HeaderUser = "X-Ghost-User"
)

// Tenancy copies the caller identity headers into the request context,
// rejecting malformed identifiers before any handler sees them. Requests
// without an org header pass through untagged: org-scoped store reads then
// fail closed, and the governance handlers fall back to their service-role
// paths.
func Tenancy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if org := strings.TrimSpace(r.Header.Get(HeaderOrg)); org != "" {
			if guard.ValidateIdentifier(org) != nil {
				http.Error(w, "malformed org header", http.StatusBadRequest)
				return
			}
			ctx = kit.WithOrgID(ctx, org)
		}
		if user := strings.TrimSpace(r.Header.Get(HeaderUser)); user != "" {
			if guard.ValidateIdentifier(user) != nil {
				http.Error(w, "malformed user header", http.StatusBadRequest)
				return
			}
			ctx = kit.WithUserID(ctx, user)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
