// Package feedback records user ratings of ghost executions. Ratings are
// append-only (the store's triggers refuse updates and deletes) and feed the
// operator-facing quality signal for a ghost: average satisfaction plus any
// corrected actions a user supplied after watching a run.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/veyra/ghostwork/store"
)

const maxNotesLen = 5000

var (
	// ErrGhostNotFound means the rated ghost does not exist in the org.
	ErrGhostNotFound = errors.New("feedback: ghost not found")
	// ErrInvalidScore means the satisfaction score is outside 1..5.
	ErrInvalidScore = errors.New("feedback: satisfaction score must be between 1 and 5")
	// ErrMissingGhost means the submission names no ghost.
	ErrMissingGhost = errors.New("feedback: ghost_id is required")
)

// Service validates and persists feedback submissions.
type Service struct {
	store *store.Store
	log   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New builds a feedback service over the given store.
func New(st *store.Store, opts ...Option) *Service {
	s := &Service{store: st, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Submission is one user rating of an execution.
type Submission struct {
	GhostID           string          `json:"ghost_id"`
	ExecutionID       string          `json:"execution_id,omitempty"`
	UserID            string          `json:"user_id,omitempty"`
	SatisfactionScore *int            `json:"satisfaction_score,omitempty"`
	CorrectedActions  json.RawMessage `json:"corrected_actions,omitempty"`
	Notes             string          `json:"notes,omitempty"`
}

// Submit validates a submission and appends it to the feedback trail.
// The ghost must exist in the org; a score, when given, must be 1..5.
func (s *Service) Submit(ctx context.Context, orgID string, sub *Submission) (*store.Feedback, error) {
	if strings.TrimSpace(sub.GhostID) == "" {
		return nil, ErrMissingGhost
	}
	if sub.SatisfactionScore != nil {
		if v := *sub.SatisfactionScore; v < 1 || v > 5 {
			return nil, fmt.Errorf("%w: got %d", ErrInvalidScore, v)
		}
	}
	g, err := s.store.GetGhost(ctx, orgID, sub.GhostID)
	if err != nil {
		return nil, fmt.Errorf("feedback: load ghost: %w", err)
	}
	if g == nil {
		return nil, ErrGhostNotFound
	}

	notes := strings.TrimSpace(sub.Notes)
	if len(notes) > maxNotesLen {
		notes = notes[:maxNotesLen]
	}
	f := &store.Feedback{
		ExecutionID:       sub.ExecutionID,
		GhostID:           g.ID,
		OrgID:             orgID,
		UserID:            sub.UserID,
		SatisfactionScore: sub.SatisfactionScore,
		CorrectedActions:  sub.CorrectedActions,
		Notes:             notes,
	}
	if err := s.store.InsertFeedback(ctx, f); err != nil {
		return nil, fmt.Errorf("feedback: insert: %w", err)
	}
	s.log.Info("feedback: rating recorded",
		"org_id", orgID, "ghost_id", g.ID, "feedback_id", f.ID,
		"scored", sub.SatisfactionScore != nil)
	return f, nil
}

// Summary is a ghost's rating digest: the mean over scored feedback, how many
// scored ratings exist, and the most recent entries.
type Summary struct {
	GhostID string            `json:"ghost_id"`
	Average float64           `json:"average_satisfaction"`
	Scored  int               `json:"scored_count"`
	Recent  []*store.Feedback `json:"recent"`
}

// ForGhost returns the rating summary for a ghost. A ghost with no feedback
// yields a zero summary, not an error.
func (s *Service) ForGhost(ctx context.Context, orgID, ghostID string, limit int) (*Summary, error) {
	g, err := s.store.GetGhost(ctx, orgID, ghostID)
	if err != nil {
		return nil, fmt.Errorf("feedback: load ghost: %w", err)
	}
	if g == nil {
		return nil, ErrGhostNotFound
	}
	avg, n, err := s.store.AverageSatisfaction(ctx, orgID, ghostID)
	if err != nil {
		return nil, fmt.Errorf("feedback: average: %w", err)
	}
	recent, err := s.store.ListFeedbackForGhost(ctx, orgID, ghostID, limit)
	if err != nil {
		return nil, fmt.Errorf("feedback: list: %w", err)
	}
	if recent == nil {
		recent = []*store.Feedback{}
	}
	return &Summary{GhostID: ghostID, Average: avg, Scored: n, Recent: recent}, nil
}
