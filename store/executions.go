package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veyra/ghostwork/idgen"
)

// InsertExecution records the start of a ghost run.
func (s *Store) InsertExecution(ctx context.Context, e *Execution) error {
	if err := s.guardOrg(e.OrgID); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = s.id(idgen.PrefixExecution)
	}
	if e.Status == "" {
		e.Status = ExecutionRunning
	}
	if e.StartedAt == 0 {
		e.StartedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO executions (id, ghost_id, org_id, status, parameters_json,
		triggered_by, step_count, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		e.ID, e.GhostID, e.OrgID, e.Status, jsonOr(e.Parameters, "{}"),
		e.TriggeredBy, e.StepCount, e.StartedAt, e.Error,
	)
	return err
}

// FinishExecution closes a run with its final status, step count, and error.
func (s *Store) FinishExecution(ctx context.Context, id, status string, stepCount int, errMsg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE executions SET status = ?, step_count = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		status, stepCount, errMsg, time.Now().UnixMilli(), id)
	return err
}

// GetExecution retrieves one run within an org, or nil when absent.
func (s *Store) GetExecution(ctx context.Context, orgID, id string) (*Execution, error) {
	if err := s.guardOrg(orgID); err != nil {
		return nil, err
	}
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, ghost_id, org_id, status, parameters_json, triggered_by,
		step_count, started_at, completed_at, error
		FROM executions WHERE org_id = ? AND id = ?`, orgID, id)
	return scanExecution(row)
}

// ListExecutions returns runs for a ghost, newest first.
func (s *Store) ListExecutions(ctx context.Context, orgID, ghostID string, limit int) ([]*Execution, error) {
	if err := s.guardOrg(orgID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, ghost_id, org_id, status, parameters_json, triggered_by,
		step_count, started_at, completed_at, error
		FROM executions WHERE org_id = ? AND ghost_id = ?
		ORDER BY started_at DESC LIMIT ?`, orgID, ghostID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var e Execution
		var params string
		var completed sql.NullInt64
		if err := rows.Scan(&e.ID, &e.GhostID, &e.OrgID, &e.Status, &params,
			&e.TriggeredBy, &e.StepCount, &e.StartedAt, &completed, &e.Error); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Parameters = json.RawMessage(params)
		if completed.Valid {
			e.CompletedAt = &completed.Int64
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// InsertExecutionStep records one plan node's outcome.
func (s *Store) InsertExecutionStep(ctx context.Context, st *ExecutionStep) error {
	if st.ID == "" {
		st.ID = s.id(idgen.PrefixStep)
	}
	if st.CreatedAt == 0 {
		st.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO execution_steps (id, execution_id, node_id, status, strategy,
		duration_ms, output_json, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ExecutionID, st.NodeID, st.Status, st.Strategy,
		st.DurationMS, jsonOr(st.Output, "null"), st.Error, st.CreatedAt,
	)
	return err
}

// ListExecutionSteps returns a run's steps in recorded order.
func (s *Store) ListExecutionSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, execution_id, node_id, status, strategy, duration_ms,
		output_json, error, created_at
		FROM execution_steps WHERE execution_id = ? ORDER BY created_at, id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionStep
	for rows.Next() {
		var st ExecutionStep
		var output string
		if err := rows.Scan(&st.ID, &st.ExecutionID, &st.NodeID, &st.Status,
			&st.Strategy, &st.DurationMS, &output, &st.Error, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution step: %w", err)
		}
		st.Output = json.RawMessage(output)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// InsertExecutionLog appends the audit row for a finished run. The table's
// triggers reject any later update or delete.
func (s *Store) InsertExecutionLog(ctx context.Context, l *ExecutionLog) error {
	if err := s.guardOrg(l.OrgID); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = s.id(idgen.PrefixLog)
	}
	if l.LoggedAt == 0 {
		l.LoggedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO execution_logs (id, execution_id, ghost_id, org_id, status,
		steps, duration_ms, strategies_used, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ExecutionID, l.GhostID, l.OrgID, l.Status,
		l.Steps, l.DurationMS, marshalStrings(l.StrategiesUsed), l.LoggedAt,
	)
	return err
}

// ListExecutionLogs returns audit rows for an org, newest first.
func (s *Store) ListExecutionLogs(ctx context.Context, orgID string, limit int) ([]*ExecutionLog, error) {
	if err := s.guardOrg(orgID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, execution_id, ghost_id, org_id, status, steps, duration_ms,
		strategies_used, logged_at
		FROM execution_logs WHERE org_id = ? ORDER BY logged_at DESC LIMIT ?`,
		orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionLog
	for rows.Next() {
		var l ExecutionLog
		var strategies string
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.GhostID, &l.OrgID, &l.Status,
			&l.Steps, &l.DurationMS, &strategies, &l.LoggedAt); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		l.StrategiesUsed = unmarshalStrings(strategies)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func scanExecution(row *sql.Row) (*Execution, error) {
	var e Execution
	var params string
	var completed sql.NullInt64
	err := row.Scan(&e.ID, &e.GhostID, &e.OrgID, &e.Status, &params,
		&e.TriggeredBy, &e.StepCount, &e.StartedAt, &completed, &e.Error)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.Parameters = json.RawMessage(params)
	if completed.Valid {
		e.CompletedAt = &completed.Int64
	}
	return &e, nil
}
