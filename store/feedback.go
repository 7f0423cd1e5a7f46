package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veyra/ghostwork/idgen"
)

// InsertFeedback appends a user rating for an execution. The table's triggers
// reject any later update or delete.
func (s *Store) InsertFeedback(ctx context.Context, f *Feedback) error {
	if err := s.guardOrg(f.OrgID); err != nil {
		return err
	}
	if f.ID == "" {
		f.ID = s.id(idgen.PrefixFeedback)
	}
	if f.CreatedAt == 0 {
		f.CreatedAt = time.Now().UnixMilli()
	}
	var score any
	if f.SatisfactionScore != nil {
		score = *f.SatisfactionScore
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO user_feedback (id, execution_id, ghost_id, org_id, user_id,
		satisfaction_score, corrected_actions, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ExecutionID, f.GhostID, f.OrgID, f.UserID,
		score, jsonOr(f.CorrectedActions, "null"), f.Notes, f.CreatedAt,
	)
	return err
}

// ListFeedbackForGhost returns ratings for a ghost, newest first.
func (s *Store) ListFeedbackForGhost(ctx context.Context, orgID, ghostID string, limit int) ([]*Feedback, error) {
	if err := s.guardOrg(orgID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, execution_id, ghost_id, org_id, user_id, satisfaction_score,
		corrected_actions, notes, created_at
		FROM user_feedback WHERE org_id = ? AND ghost_id = ?
		ORDER BY created_at DESC LIMIT ?`, orgID, ghostID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Feedback
	for rows.Next() {
		var f Feedback
		var score sql.NullInt64
		var corrected string
		if err := rows.Scan(&f.ID, &f.ExecutionID, &f.GhostID, &f.OrgID, &f.UserID,
			&score, &corrected, &f.Notes, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		if score.Valid {
			v := int(score.Int64)
			f.SatisfactionScore = &v
		}
		f.CorrectedActions = json.RawMessage(corrected)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// AverageSatisfaction returns the mean satisfaction score for a ghost and how
// many scored ratings it has. Unscored feedback is excluded.
func (s *Store) AverageSatisfaction(ctx context.Context, orgID, ghostID string) (float64, int, error) {
	if err := s.guardOrg(orgID); err != nil {
		return 0, 0, err
	}
	var avg sql.NullFloat64
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT AVG(satisfaction_score), COUNT(satisfaction_score)
		FROM user_feedback WHERE org_id = ? AND ghost_id = ?`,
		orgID, ghostID).Scan(&avg, &n)
	if err != nil {
		return 0, 0, err
	}
	return avg.Float64, n, nil
}
