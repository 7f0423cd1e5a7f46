package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veyra/ghostwork/dbopen"
	"github.com/veyra/ghostwork/idgen"
)

// InsertGhost creates an automation. Missing fields get defaults: version 1,
// status pending_approval, empty JSON documents.
func (s *Store) InsertGhost(ctx context.Context, g *Ghost) error {
	if err := s.guardOrg(g.OrgID); err != nil {
		return err
	}
	if g.ID == "" {
		g.ID = s.id(idgen.PrefixGhost)
	}
	if g.Version == 0 {
		g.Version = 1
	}
	if g.Status == "" {
		g.Status = GhostPendingApproval
	}
	now := time.Now().UnixMilli()
	if g.CreatedAt == 0 {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	var conf any
	if g.Confidence != nil {
		conf = *g.Confidence
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO ghosts (id, org_id, name, description, version, status,
		trigger_json, parameters_json, execution_plan, confidence, source_pattern_id,
		created_by, approved_by, is_active, usage_stats, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.OrgID, g.Name, g.Description, g.Version, g.Status,
		jsonOr(g.Trigger, "{}"), jsonOr(g.Parameters, "{}"), jsonOr(g.ExecutionPlan, "[]"),
		conf, g.SourcePatternID, g.CreatedBy, g.ApprovedBy, boolInt(g.IsActive),
		jsonOr(g.UsageStats, "{}"), g.CreatedAt, g.UpdatedAt,
	)
	return err
}

// GetGhost retrieves one ghost within an org, or nil when absent.
func (s *Store) GetGhost(ctx context.Context, orgID, id string) (*Ghost, error) {
	if err := s.guardOrg(orgID); err != nil {
		return nil, err
	}
	row := s.DB.QueryRowContext(ctx, ghostSelect+` WHERE org_id = ? AND id = ?`, orgID, id)
	return scanGhost(row)
}

// GetGhostByID retrieves a ghost without tenant scoping. Service-role only:
// callers must enforce org access themselves.
func (s *Store) GetGhostByID(ctx context.Context, id string) (*Ghost, error) {
	row := s.DB.QueryRowContext(ctx, ghostSelect+` WHERE id = ?`, id)
	return scanGhost(row)
}

// ListGhosts returns ghosts for an org, optionally filtered by status, most
// recently updated first.
func (s *Store) ListGhosts(ctx context.Context, orgID, status string, limit int) ([]*Ghost, error) {
	if err := s.guardOrg(orgID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := ghostSelect + ` WHERE org_id = ?`
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

	var out []*Ghost
	for rows.Next() {
		g, err := scanGhostRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListActiveGhosts returns every active ghost across all orgs. Service-role
// only: the scheduler uses it to discover automations with schedule triggers,
// and nothing derived from it may leave the service boundary unscoped.
func (s *Store) ListActiveGhosts(ctx context.Context) ([]*Ghost, error) {
	rows, err := s.DB.QueryContext(ctx,
		ghostSelect+` WHERE is_active = 1 ORDER BY org_id, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ghost
	for rows.Next() {
		g, err := scanGhostRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// TransitionGhost atomically moves a ghost to a new status, recording who
// approved it and optionally bumping the version. Returns the version after
// the transition, or 0 with nil error when the ghost does not exist.
func (s *Store) TransitionGhost(ctx context.Context, orgID, id, status string, isActive bool, approvedBy string, bumpVersion bool) (int, error) {
	if err := s.guardOrg(orgID); err != nil {
		return 0, err
	}
	bump := 0
	if bumpVersion {
		bump = 1
	}
	var version int
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE ghosts SET status = ?, is_active = ?, version = version + ?,
			approved_by = CASE WHEN ? != '' THEN ? ELSE approved_by END,
			updated_at = ?
			WHERE org_id = ? AND id = ?`,
			status, boolInt(isActive), bump, approvedBy, approvedBy,
			time.Now().UnixMilli(), orgID, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			version = 0
			return nil
		}
		return tx.QueryRowContext(ctx,
			`SELECT version FROM ghosts WHERE org_id = ? AND id = ?`, orgID, id,
		).Scan(&version)
	})
	return version, err
}

// UpdateGhostUsage replaces the usage_stats document. Unscoped: the executor
// writes stats after it has already loaded and authorized the ghost.
func (s *Store) UpdateGhostUsage(ctx context.Context, id string, usage json.RawMessage) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE ghosts SET usage_stats = ?, updated_at = ? WHERE id = ?`,
		jsonOr(usage, "{}"), time.Now().UnixMilli(), id)
	return err
}

// InsertGhostVersion records an immutable snapshot of a ghost's plan at a
// given version.
func (s *Store) InsertGhostVersion(ctx context.Context, v *GhostVersion) error {
	if v.ID == "" {
		v.ID = s.id(idgen.PrefixVersion)
	}
	if v.CreatedAt == 0 {
		v.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO ghost_versions (id, ghost_id, version, execution_plan,
		parameters_json, trigger_json, change_description, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.GhostID, v.Version, jsonOr(v.ExecutionPlan, "[]"),
		jsonOr(v.Parameters, "{}"), jsonOr(v.Trigger, "{}"),
		v.ChangeDescription, v.CreatedBy, v.CreatedAt,
	)
	return err
}

// ListGhostVersions returns all snapshots for a ghost, newest version first.
func (s *Store) ListGhostVersions(ctx context.Context, ghostID string) ([]*GhostVersion, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, ghost_id, version, execution_plan, parameters_json, trigger_json,
		change_description, created_by, created_at
		FROM ghost_versions WHERE ghost_id = ? ORDER BY version DESC`, ghostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GhostVersion
	for rows.Next() {
		var v GhostVersion
		var plan, params, trigger string
		if err := rows.Scan(&v.ID, &v.GhostID, &v.Version, &plan, &params, &trigger,
			&v.ChangeDescription, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ghost version: %w", err)
		}
		v.ExecutionPlan = json.RawMessage(plan)
		v.Parameters = json.RawMessage(params)
		v.Trigger = json.RawMessage(trigger)
		out = append(out, &v)
	}
	return out, rows.Err()
}

const ghostSelect = `SELECT id, org_id, name, description, version, status,
	trigger_json, parameters_json, execution_plan, confidence, source_pattern_id,
	created_by, approved_by, is_active, usage_stats, created_at, updated_at
	FROM ghosts`

func scanGhost(row *sql.Row) (*Ghost, error) {
	g, err := scanGhostFrom(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

func scanGhostRows(rows *sql.Rows) (*Ghost, error) {
	return scanGhostFrom(rows.Scan)
}

func scanGhostFrom(scan func(...any) error) (*Ghost, error) {
	var g Ghost
	var trigger, params, plan, usage string
	var conf sql.NullFloat64
	var active int
	err := scan(
		&g.ID, &g.OrgID, &g.Name, &g.Description, &g.Version, &g.Status,
		&trigger, &params, &plan, &conf, &g.SourcePatternID,
		&g.CreatedBy, &g.ApprovedBy, &active, &usage, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan ghost: %w", err)
	}
	g.Trigger = json.RawMessage(trigger)
	g.Parameters = json.RawMessage(params)
	g.ExecutionPlan = json.RawMessage(plan)
	g.UsageStats = json.RawMessage(usage)
	g.IsActive = active != 0
	if conf.Valid {
		g.Confidence = &conf.Float64
	}
	return &g, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
