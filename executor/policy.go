package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/veyra/ghostwork/store"
)

// orgLimiter enforces org_settings.max_executions_per_minute per org with
// a token bucket: burst of a full minute's budget, refilled continuously.
type orgLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newOrgLimiter() *orgLimiter {
	return &orgLimiter{limiters: make(map[string]*rate.Limiter)}
}

// allow consumes one execution slot for the org. perMinute <= 0 disables
// the limit. Changing an org's budget replaces its bucket.
func (l *orgLimiter) allow(orgID string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[orgID]
	if !ok || lim.Burst() != perMinute {
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		l.limiters[orgID] = lim
	}
	return lim.Allow()
}

// policyCondition is the selector half of an automation policy. Every
// present field must match the run; an empty condition matches all runs.
type policyCondition struct {
	GhostID string `json:"ghost_id,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}

func conditionMatches(raw json.RawMessage, ghostID, trigger string) bool {
	s := string(raw)
	if s == "" || s == "{}" || s == "null" {
		return true
	}
	var c policyCondition
	if err := json.Unmarshal(raw, &c); err != nil {
		// An unreadable condition matches everything, so a broken block
		// rule still blocks.
		return true
	}
	if c.GhostID != "" && c.GhostID != ghostID {
		return false
	}
	if c.Trigger != "" && c.Trigger != trigger {
		return false
	}
	return true
}

// gatePolicies evaluates the org's active automation policies against this
// run. Precedence: block beats everything; allow beats require_approval;
// notify only logs.
func (e *Engine) gatePolicies(ctx context.Context, g *store.Ghost, trigger, requestedBy string) error {
	policies, err := e.store.ListActivePolicies(ctx, g.OrgID)
	if err != nil {
		return fmt.Errorf("executor: policies: %w", err)
	}

	var blocked, needsApproval *store.Policy
	allowed := false
	for _, p := range policies {
		if !conditionMatches(p.Condition, g.ID, trigger) {
			continue
		}
		switch p.Action {
		case store.PolicyBlock:
			if blocked == nil {
				blocked = p
			}
		case store.PolicyRequireApproval:
			if needsApproval == nil {
				needsApproval = p
			}
		case store.PolicyAllow:
			allowed = true
		case store.PolicyNotify:
			e.log.Info("executor: policy notify",
				"org_id", g.OrgID, "ghost_id", g.ID, "policy", p.Name, "trigger", trigger)
		}
	}

	if blocked != nil {
		return fmt.Errorf("%w: policy %q", ErrBlocked, blocked.Name)
	}
	if needsApproval != nil && !allowed {
		if err := e.openApprovalOnce(ctx, g, needsApproval, requestedBy); err != nil {
			return err
		}
		return fmt.Errorf("%w: policy %q", ErrApprovalRequired, needsApproval.Name)
	}
	return nil
}

// openApprovalOnce opens a pending approval request for the ghost unless
// one is already waiting; repeated deferred runs must not pile up requests.
func (e *Engine) openApprovalOnce(ctx context.Context, g *store.Ghost, p *store.Policy, requestedBy string) error {
	pending, err := e.store.ListApprovalRequests(ctx, g.OrgID, store.ApprovalPending, 0)
	if err != nil {
		return fmt.Errorf("executor: list approvals: %w", err)
	}
	for _, r := range pending {
		if r.GhostID == g.ID {
			return nil
		}
	}
	if requestedBy == "" {
		requestedBy = "executor"
	}
	if err := e.store.InsertApprovalRequest(ctx, &store.ApprovalRequest{
		GhostID:     g.ID,
		OrgID:       g.OrgID,
		RequestedBy: requestedBy,
		Reason:      fmt.Sprintf("Policy %q requires approval before execution", p.Name),
	}); err != nil {
		return fmt.Errorf("executor: open approval: %w", err)
	}
	return nil
}
