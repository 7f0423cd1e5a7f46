package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/veyra/ghostwork/idgen"
)

const approvalTTL = 24 * time.Hour

// InsertApprovalRequest opens a pending human decision. Requests expire after
// 24 hours unless ExpiresAt is set.
func (s *Store) InsertApprovalRequest(ctx context.Context, r *ApprovalRequest) error {
	if err := s.guardOrg(r.OrgID); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = s.id(idgen.PrefixApproval)
	}
	if r.Status == "" {
		r.Status = ApprovalPending
	}
	now := time.Now()
	if r.CreatedAt == 0 {
		r.CreatedAt = now.UnixMilli()
	}
	if r.ExpiresAt == 0 {
		r.ExpiresAt = now.Add(approvalTTL).UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO approval_requests (id, ghost_id, execution_id, org_id,
		requested_by, approved_by, status, reason, decision_note,
		expires_at, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		r.ID, r.GhostID, r.ExecutionID, r.OrgID,
		r.RequestedBy, r.ApprovedBy, r.Status, r.Reason, r.DecisionNote,
		r.ExpiresAt, r.CreatedAt,
	)
	return err
}

// ResolvePendingForGhost closes every pending request for a ghost with the
// given outcome. Returns how many rows were resolved.
func (s *Store) ResolvePendingForGhost(ctx context.Context, orgID, ghostID, status, note, by string) (int, error) {
	if err := s.guardOrg(orgID); err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE approval_requests
		SET status = ?, decision_note = ?, approved_by = ?, resolved_at = ?
		WHERE org_id = ? AND ghost_id = ? AND status = 'pending'`,
		status, note, by, time.Now().UnixMilli(), orgID, ghostID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListApprovalRequests returns requests for an org, optionally filtered by
// status, newest first.
func (s *Store) ListApprovalRequests(ctx context.Context, orgID, status string, limit int) ([]*ApprovalRequest, error) {
	if err := s.guardOrg(orgID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, ghost_id, execution_id, org_id, requested_by, approved_by,
		status, reason, decision_note, expires_at, created_at, resolved_at
		FROM approval_requests WHERE org_id = ?`
	args := []any{orgID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		var r ApprovalRequest
		var resolved sql.NullInt64
		if err := rows.Scan(&r.ID, &r.GhostID, &r.ExecutionID, &r.OrgID,
			&r.RequestedBy, &r.ApprovedBy, &r.Status, &r.Reason, &r.DecisionNote,
			&r.ExpiresAt, &r.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		if resolved.Valid {
			r.ResolvedAt = &resolved.Int64
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ExpireOverdueApprovals marks pending requests past their deadline as
// expired. Returns how many rows changed; the scheduler runs this
// periodically.
func (s *Store) ExpireOverdueApprovals(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE approval_requests SET status = 'expired', resolved_at = ?
		WHERE status = 'pending' AND expires_at < ?`, now, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
