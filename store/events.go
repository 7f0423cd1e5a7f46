package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/veyra/ghostwork/dbopen"
	"github.com/veyra/ghostwork/event"
	"github.com/veyra/ghostwork/idgen"
	"github.com/veyra/ghostwork/vec"
)

// InsertEvents persists one batch atomically. Every event must carry an org
// id; a single unscoped event rejects the whole batch.
func (s *Store) InsertEvents(ctx context.Context, batchID, deviceFingerprint string, events []event.Secure) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if events[i].OrgID == "" {
			return ErrMissingOrgScope
		}
	}
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO secure_events (id, session_fingerprint, timestamp_bucket,
			intent_vector, structural_hash, org_id, event_type, intent_label,
			intent_confidence, element_signature, sequence_number,
			device_fingerprint, batch_id, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range events {
			ev := &events[i]
			_, err := stmt.ExecContext(ctx,
				s.id(idgen.PrefixEvent), ev.SessionFingerprint, ev.TimestampBucket,
				vec.Serialize(ev.IntentVector), ev.StructuralHash, ev.OrgID,
				string(ev.Type), string(ev.IntentLabel),
				ev.IntentConfidence, ev.ElementSignature, ev.SequenceNumber,
				deviceFingerprint, batchID, now,
			)
			if err != nil {
				return fmt.Errorf("insert event %d: %w", i, err)
			}
		}
		return nil
	})
}

// RecentEvents returns up to limit events for an org, newest first.
func (s *Store) RecentEvents(ctx context.Context, orgID string, limit int) ([]StoredEvent, error) {
	if err := s.guardOrg(orgID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 250
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, session_fingerprint, timestamp_bucket, intent_vector,
		structural_hash, org_id, event_type, intent_label, intent_confidence,
		element_signature, sequence_number, device_fingerprint, batch_id, ingested_at
		FROM secure_events
		WHERE org_id = ?
		ORDER BY ingested_at DESC, id DESC
		LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		ev, err := scanStoredEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// CountEvents returns the number of stored events for an org.
func (s *Store) CountEvents(ctx context.Context, orgID string) (int, error) {
	if err := s.guardOrg(orgID); err != nil {
		return 0, err
	}
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM secure_events WHERE org_id = ?`, orgID).Scan(&n)
	return n, err
}

// OrgIDsInBatch returns the distinct org ids present in one ingested batch.
func (s *Store) OrgIDsInBatch(ctx context.Context, batchID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT org_id FROM secure_events WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func scanStoredEvent(rows *sql.Rows) (*StoredEvent, error) {
	var ev StoredEvent
	var blob []byte
	err := rows.Scan(
		&ev.ID, &ev.SessionFingerprint, &ev.TimestampBucket, &blob,
		&ev.StructuralHash, &ev.OrgID, &ev.EventType, &ev.IntentLabel,
		&ev.IntentConfidence, &ev.ElementSignature, &ev.SequenceNumber,
		&ev.DeviceFingerprint, &ev.BatchID, &ev.IngestedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if ev.IntentVector, err = vec.Deserialize(blob); err != nil {
		return nil, fmt.Errorf("event %s vector: %w", ev.ID, err)
	}
	return &ev, nil
}
