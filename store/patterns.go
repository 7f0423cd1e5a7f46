package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertPattern inserts or refreshes a detected pattern. Re-detection
// updates the evidence columns but never reverts an operator decision: rows
// already approved or dismissed keep their status, and first_seen keeps the
// earliest bucket.
func (s *Store) UpsertPattern(ctx context.Context, p *Pattern) error {
	if err := s.guardOrg(p.OrgID); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = PatternNeedsReview
	}

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO detected_patterns (id, org_id, intent_sequence, structural_hashes,
		occurrences, confidence, suggested_name, suggested_description,
		first_seen, last_seen, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			intent_sequence       = excluded.intent_sequence,
			structural_hashes     = excluded.structural_hashes,
			occurrences           = excluded.occurrences,
			confidence            = excluded.confidence,
			suggested_name        = excluded.suggested_name,
			suggested_description = excluded.suggested_description,
			first_seen = CASE
				WHEN detected_patterns.first_seen != '' AND detected_patterns.first_seen <= excluded.first_seen
				THEN detected_patterns.first_seen ELSE excluded.first_seen END,
			last_seen = CASE
				WHEN detected_patterns.last_seen >= excluded.last_seen
				THEN detected_patterns.last_seen ELSE excluded.last_seen END,
			status = CASE
				WHEN detected_patterns.status IN ('approved','dismissed')
				THEN detected_patterns.status ELSE excluded.status END,
			updated_at = excluded.updated_at`,
		p.ID, p.OrgID, marshalStrings(p.IntentSequence), marshalStrings(p.StructuralHashes),
		p.Occurrences, p.Confidence, p.SuggestedName, p.SuggestedDescription,
		p.FirstSeen, p.LastSeen, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetPattern retrieves one pattern, or nil when absent.
func (s *Store) GetPattern(ctx context.Context, orgID, id string) (*Pattern, error) {
	if err := s.guardOrg(orgID); err != nil {
		return nil, err
	}
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, org_id, intent_sequence, structural_hashes, occurrences, confidence,
		suggested_name, suggested_description, first_seen, last_seen, status, created_at, updated_at
		FROM detected_patterns WHERE org_id = ? AND id = ?`, orgID, id)
	return scanPattern(row)
}

// ListPatterns returns patterns for an org, optionally filtered by status,
// most recently updated first.
func (s *Store) ListPatterns(ctx context.Context, orgID, status string, limit int) ([]*Pattern, error) {
	if err := s.guardOrg(orgID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, org_id, intent_sequence, structural_hashes, occurrences, confidence,
		suggested_name, suggested_description, first_seen, last_seen, status, created_at, updated_at
		FROM detected_patterns WHERE org_id = ?`
	args := []any{orgID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Pattern
	for rows.Next() {
		p, err := scanPatternRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePatternStatus moves a pattern to a new status. Returns false when no
// such pattern exists in the org.
func (s *Store) UpdatePatternStatus(ctx context.Context, orgID, id, status string) (bool, error) {
	if err := s.guardOrg(orgID); err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE detected_patterns SET status = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		status, time.Now().UnixMilli(), orgID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanPattern(row *sql.Row) (*Pattern, error) {
	var p Pattern
	var seq, hashes string
	err := row.Scan(
		&p.ID, &p.OrgID, &seq, &hashes, &p.Occurrences, &p.Confidence,
		&p.SuggestedName, &p.SuggestedDescription, &p.FirstSeen, &p.LastSeen,
		&p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan pattern: %w", err)
	}
	p.IntentSequence = unmarshalStrings(seq)
	p.StructuralHashes = unmarshalStrings(hashes)
	return &p, nil
}

func scanPatternRows(rows *sql.Rows) (*Pattern, error) {
	var p Pattern
	var seq, hashes string
	err := rows.Scan(
		&p.ID, &p.OrgID, &seq, &hashes, &p.Occurrences, &p.Confidence,
		&p.SuggestedName, &p.SuggestedDescription, &p.FirstSeen, &p.LastSeen,
		&p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan pattern: %w", err)
	}
	p.IntentSequence = unmarshalStrings(seq)
	p.StructuralHashes = unmarshalStrings(hashes)
	return &p, nil
}
