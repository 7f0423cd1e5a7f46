// Package store is the server-side data access layer. Every table is
// tenant-scoped by org_id; methods that read or write tenant data take an
// explicit orgID and fail closed with ErrMissingOrgScope when it is empty.
// The few unscoped variants are documented as service-role only.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/veyra/ghostwork/idgen"
)

// ErrMissingOrgScope is returned when a tenant-scoped operation is attempted
// without an org id.
var ErrMissingOrgScope = errors.New("store: operation requires an org scope")

// Pattern statuses.
const (
	PatternNeedsReview   = "needs_review"
	PatternAutoSuggested = "auto_suggested"
	PatternApproved      = "approved"
	PatternDismissed     = "dismissed"
)

// Ghost statuses.
const (
	GhostPendingApproval = "pending_approval"
	GhostApproved        = "approved"
	GhostActive          = "active"
	GhostPaused          = "paused"
	GhostArchived        = "archived"
)

// Execution statuses. Cancelled is reserved for operator intervention on
// a stuck run; the engine itself only ever finishes completed or failed.
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// Execution step statuses.
const (
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Approval request statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
)

// Policy actions.
const (
	PolicyRequireApproval = "require_approval"
	PolicyBlock           = "block"
	PolicyNotify          = "notify"
	PolicyAllow           = "allow"
)

// Store wraps an open database.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// Option configures a Store.
type Option func(*Store)

// WithGenerator replaces the row id generator.
func WithGenerator(g idgen.Generator) Option {
	return func(s *Store) { s.newID = g }
}

// New creates a Store from an already-opened database connection.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{DB: db, newID: idgen.Default}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) guardOrg(orgID string) error {
	if orgID == "" {
		return ErrMissingOrgScope
	}
	return nil
}

func (s *Store) id(prefix string) string {
	return prefix + s.newID()
}

// marshalStrings renders a string slice as a JSON array column value.
func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// unmarshalStrings parses a JSON array column value, tolerating legacy or
// malformed content as empty.
func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

// jsonOr returns raw as a column value, or def when raw is empty.
func jsonOr(raw json.RawMessage, def string) string {
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}
