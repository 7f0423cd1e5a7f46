// Package ghost is the governance layer for automations: it converts
// detected patterns into Ghosts and moves Ghosts through their approval
// lifecycle.
//
// The state machine:
//
//	pending_approval --approve--> approved   (is_active, version+1, version row)
//	pending_approval --reject --> archived
//	any              --archive--> archived
//	approved|active  --pause  --> paused
//	paused|approved  --activate-> active
//
// Approve and reject also resolve the ghost's pending approval_request
// rows, so the review queue and the ghost can never disagree. Approve is
// idempotent: re-approving an approved ghost changes nothing and mints no
// new version.
package ghost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/veyra/ghostwork/observability"
	"github.com/veyra/ghostwork/store"
)

// Governance actions accepted by Apply and POST /approve-ghost.
const (
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionPause    = "pause"
	ActionActivate = "activate"
	ActionArchive  = "archive"
)

// AutoApprover marks decisions made by the org threshold rather than a
// person.
const AutoApprover = "system:auto"

var (
	// ErrNotFound reports that the ghost does not exist in the org.
	ErrNotFound = errors.New("ghost: not found")
	// ErrInvalidAction reports an unknown action or one the ghost's
	// current status does not permit.
	ErrInvalidAction = errors.New("ghost: invalid action")
	// ErrPatternNotFound reports that the pattern to promote is missing.
	ErrPatternNotFound = errors.New("ghost: pattern not found")
	// ErrPatternConsumed reports that the pattern already produced a
	// ghost. A pattern converts exactly once.
	ErrPatternConsumed = errors.New("ghost: pattern already approved")
)

// Service applies governance decisions.
type Service struct {
	store  *store.Store
	log    *slog.Logger
	events *observability.EventLogger
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithEvents records a business event per lifecycle change.
func WithEvents(el *observability.EventLogger) Option {
	return func(s *Service) { s.events = el }
}

// New creates a governance service.
func New(st *store.Store, opts ...Option) *Service {
	s := &Service{store: st, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decision is the outcome of one governance action.
type Decision struct {
	NewStatus string `json:"new_status"`
	Version   int    `json:"version"`
}

// Apply runs one action against a ghost and returns its status and
// version afterwards.
func (s *Service) Apply(ctx context.Context, orgID, ghostID, action, note, by string) (*Decision, error) {
	g, err := s.store.GetGhost(ctx, orgID, ghostID)
	if err != nil {
		return nil, fmt.Errorf("ghost: load: %w", err)
	}
	if g == nil {
		return nil, ErrNotFound
	}

	switch action {
	case ActionApprove:
		return s.approve(ctx, g, note, by)
	case ActionReject:
		if g.Status != store.GhostPendingApproval {
			return nil, fmt.Errorf("%w: cannot reject from %s", ErrInvalidAction, g.Status)
		}
		dec, err := s.shift(ctx, g, store.GhostArchived, false, by)
		if err != nil {
			return nil, err
		}
		if _, err := s.store.ResolvePendingForGhost(ctx, g.OrgID, g.ID, store.ApprovalRejected, note, by); err != nil {
			return nil, fmt.Errorf("ghost: resolve requests: %w", err)
		}
		s.log.Info("ghost: rejected", "org_id", g.OrgID, "ghost_id", g.ID, "by", by)
		return dec, nil
	case ActionArchive:
		if g.Status == store.GhostArchived {
			return &Decision{NewStatus: g.Status, Version: g.Version}, nil
		}
		dec, err := s.shift(ctx, g, store.GhostArchived, false, by)
		if err != nil {
			return nil, err
		}
		// A pending review of an archived ghost is moot; close it so it
		// does not linger until expiry.
		if _, err := s.store.ResolvePendingForGhost(ctx, g.OrgID, g.ID, store.ApprovalRejected, note, by); err != nil {
			return nil, fmt.Errorf("ghost: resolve requests: %w", err)
		}
		s.log.Info("ghost: archived", "org_id", g.OrgID, "ghost_id", g.ID, "by", by)
		return dec, nil
	case ActionPause:
		if g.Status != store.GhostApproved && g.Status != store.GhostActive {
			return nil, fmt.Errorf("%w: cannot pause from %s", ErrInvalidAction, g.Status)
		}
		return s.shift(ctx, g, store.GhostPaused, false, by)
	case ActionActivate:
		if g.Status != store.GhostPaused && g.Status != store.GhostApproved {
			return nil, fmt.Errorf("%w: cannot activate from %s", ErrInvalidAction, g.Status)
		}
		return s.shift(ctx, g, store.GhostActive, true, by)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
}

// approve promotes a pending ghost: approved status, active flag, version
// bump, an immutable version row, and resolution of pending requests.
// Approving an already approved or active ghost is a no-op.
func (s *Service) approve(ctx context.Context, g *store.Ghost, note, by string) (*Decision, error) {
	switch g.Status {
	case store.GhostApproved, store.GhostActive:
		return &Decision{NewStatus: g.Status, Version: g.Version}, nil
	case store.GhostPendingApproval:
	default:
		return nil, fmt.Errorf("%w: cannot approve from %s", ErrInvalidAction, g.Status)
	}

	version, err := s.store.TransitionGhost(ctx, g.OrgID, g.ID, store.GhostApproved, true, by, true)
	if err != nil {
		return nil, fmt.Errorf("ghost: approve: %w", err)
	}
	if version == 0 {
		return nil, ErrNotFound
	}

	change := note
	if change == "" {
		change = "Approved"
	}
	if err := s.store.InsertGhostVersion(ctx, &store.GhostVersion{
		GhostID:           g.ID,
		Version:           version,
		ExecutionPlan:     g.ExecutionPlan,
		Parameters:        g.Parameters,
		Trigger:           g.Trigger,
		ChangeDescription: change,
		CreatedBy:         by,
	}); err != nil {
		return nil, fmt.Errorf("ghost: version row: %w", err)
	}
	if _, err := s.store.ResolvePendingForGhost(ctx, g.OrgID, g.ID, store.ApprovalApproved, note, by); err != nil {
		return nil, fmt.Errorf("ghost: resolve requests: %w", err)
	}

	s.log.Info("ghost: approved",
		"org_id", g.OrgID, "ghost_id", g.ID, "version", version, "by", by)
	if s.events != nil {
		s.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:   "ghost_approved",
			ServiceName: "ghostd",
			EntityType:  "ghost",
			EntityID:    g.ID,
			OrgID:       g.OrgID,
			Action:      by,
			Success:     true,
		})
	}
	return &Decision{NewStatus: store.GhostApproved, Version: version}, nil
}

func (s *Service) shift(ctx context.Context, g *store.Ghost, status string, active bool, by string) (*Decision, error) {
	version, err := s.store.TransitionGhost(ctx, g.OrgID, g.ID, status, active, by, false)
	if err != nil {
		return nil, fmt.Errorf("ghost: transition to %s: %w", status, err)
	}
	if version == 0 {
		return nil, ErrNotFound
	}
	return &Decision{NewStatus: status, Version: version}, nil
}

// CreateFromPattern promotes a detected pattern into a Ghost. The pattern
// flips to approved (a pattern converts exactly once), an approval
// request opens for the new ghost, and when the pattern's confidence
// clears the org's auto-approve threshold the ghost is approved in the
// same call with the request pre-resolved.
//
// The new ghost carries the pattern's name, description and confidence
// but no execution plan; the executor's planner generates one on first
// run.
func (s *Service) CreateFromPattern(ctx context.Context, orgID, patternID, requestedBy string) (*store.Ghost, error) {
	p, err := s.store.GetPattern(ctx, orgID, patternID)
	if err != nil {
		return nil, fmt.Errorf("ghost: load pattern: %w", err)
	}
	if p == nil {
		return nil, ErrPatternNotFound
	}
	if p.Status == store.PatternApproved {
		return nil, ErrPatternConsumed
	}

	name := p.SuggestedName
	if name == "" {
		name = "Unnamed workflow"
	}
	conf := p.Confidence
	g := &store.Ghost{
		OrgID:           orgID,
		Name:            name,
		Description:     p.SuggestedDescription,
		Confidence:      &conf,
		SourcePatternID: p.ID,
		CreatedBy:       requestedBy,
	}
	if err := s.store.InsertGhost(ctx, g); err != nil {
		return nil, fmt.Errorf("ghost: create: %w", err)
	}
	if _, err := s.store.UpdatePatternStatus(ctx, orgID, p.ID, store.PatternApproved); err != nil {
		return nil, fmt.Errorf("ghost: mark pattern approved: %w", err)
	}
	if err := s.store.InsertApprovalRequest(ctx, &store.ApprovalRequest{
		GhostID:     g.ID,
		OrgID:       orgID,
		RequestedBy: requestedBy,
		Reason:      fmt.Sprintf("Pattern %s promoted (confidence %.2f, seen %d times)", p.ID, p.Confidence, p.Occurrences),
	}); err != nil {
		return nil, fmt.Errorf("ghost: open approval request: %w", err)
	}

	settings, err := s.store.GetOrgSettings(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("ghost: org settings: %w", err)
	}
	auto := p.Confidence >= settings.AutoApproveThreshold
	if auto {
		if _, err := s.approve(ctx, g, "Auto-approved above org threshold", AutoApprover); err != nil {
			return nil, fmt.Errorf("ghost: auto-approve: %w", err)
		}
		g, err = s.store.GetGhost(ctx, orgID, g.ID)
		if err != nil {
			return nil, fmt.Errorf("ghost: reload: %w", err)
		}
	}

	s.log.Info("ghost: created from pattern",
		"org_id", orgID, "pattern_id", p.ID, "ghost_id", g.ID,
		"confidence", p.Confidence, "auto_approved", auto)
	if s.events != nil {
		s.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:   "pattern_promoted",
			ServiceName: "ghostd",
			EntityType:  "pattern",
			EntityID:    p.ID,
			OrgID:       orgID,
			Action:      requestedBy,
			Details:     fmt.Sprintf(`{"ghost_id":%q,"auto_approved":%t}`, g.ID, auto),
			Success:     true,
		})
	}
	return g, nil
}
