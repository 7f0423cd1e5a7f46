package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veyra/ghostwork/idgen"
)

// Governance defaults applied when an org has no settings row.
const (
	DefaultAutoApproveThreshold   = 0.95
	DefaultMaxExecutionsPerMinute = 10
)

// GetOrgSettings returns the org's governance settings, falling back to
// defaults when no row exists. Never returns nil on success.
func (s *Store) GetOrgSettings(ctx context.Context, orgID string) (*OrgSettings, error) {
	if err := s.guardOrg(orgID); err != nil {
		return nil, err
	}
	row := s.DB.QueryRowContext(ctx,
		`SELECT org_id, settings_json, auto_approve_threshold, max_executions_per_minute,
		llm_provider, llm_model, require_approval_above_value, updated_at
		FROM org_settings WHERE org_id = ?`, orgID)

	var o OrgSettings
	var settings string
	var above sql.NullFloat64
	err := row.Scan(&o.OrgID, &settings, &o.AutoApproveThreshold, &o.MaxExecutionsPerMinute,
		&o.LLMProvider, &o.LLMModel, &above, &o.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return &OrgSettings{
				OrgID:                  orgID,
				Settings:               json.RawMessage("{}"),
				AutoApproveThreshold:   DefaultAutoApproveThreshold,
				MaxExecutionsPerMinute: DefaultMaxExecutionsPerMinute,
			}, nil
		}
		return nil, fmt.Errorf("scan org settings: %w", err)
	}
	o.Settings = json.RawMessage(settings)
	if above.Valid {
		o.RequireApprovalAboveValue = &above.Float64
	}
	return &o, nil
}

// UpsertOrgSettings creates or replaces the org's governance settings.
func (s *Store) UpsertOrgSettings(ctx context.Context, o *OrgSettings) error {
	if err := s.guardOrg(o.OrgID); err != nil {
		return err
	}
	if o.AutoApproveThreshold == 0 {
		o.AutoApproveThreshold = DefaultAutoApproveThreshold
	}
	if o.MaxExecutionsPerMinute == 0 {
		o.MaxExecutionsPerMinute = DefaultMaxExecutionsPerMinute
	}
	o.UpdatedAt = time.Now().UnixMilli()

	var above any
	if o.RequireApprovalAboveValue != nil {
		above = *o.RequireApprovalAboveValue
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO org_settings (org_id, settings_json, auto_approve_threshold,
		max_executions_per_minute, llm_provider, llm_model,
		require_approval_above_value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id) DO UPDATE SET
			settings_json                = excluded.settings_json,
			auto_approve_threshold       = excluded.auto_approve_threshold,
			max_executions_per_minute    = excluded.max_executions_per_minute,
			llm_provider                 = excluded.llm_provider,
			llm_model                    = excluded.llm_model,
			require_approval_above_value = excluded.require_approval_above_value,
			updated_at                   = excluded.updated_at`,
		o.OrgID, jsonOr(o.Settings, "{}"), o.AutoApproveThreshold,
		o.MaxExecutionsPerMinute, o.LLMProvider, o.LLMModel, above, o.UpdatedAt,
	)
	return err
}

// InsertPolicy creates an automation governance rule.
func (s *Store) InsertPolicy(ctx context.Context, p *Policy) error {
	if err := s.guardOrg(p.OrgID); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = s.id(idgen.PrefixPolicy)
	}
	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO automation_policies (id, org_id, name, description,
		condition_json, action, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Name, p.Description,
		jsonOr(p.Condition, "{}"), p.Action, boolInt(p.IsActive), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// ListActivePolicies returns the org's enabled policies in creation order.
func (s *Store) ListActivePolicies(ctx context.Context, orgID string) ([]*Policy, error) {
	if err := s.guardOrg(orgID); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, org_id, name, description, condition_json, action, is_active,
		created_at, updated_at
		FROM automation_policies WHERE org_id = ? AND is_active = 1
		ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		var p Policy
		var condition string
		var active int
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Description, &condition,
			&p.Action, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p.Condition = json.RawMessage(condition)
		p.IsActive = active != 0
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SetPolicyActive toggles a policy. Returns false when no such policy exists.
func (s *Store) SetPolicyActive(ctx context.Context, orgID, id string, active bool) (bool, error) {
	if err := s.guardOrg(orgID); err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE automation_policies SET is_active = ?, updated_at = ?
		WHERE org_id = ? AND id = ?`,
		boolInt(active), time.Now().UnixMilli(), orgID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
