package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// Identifier names.
const (
	IdentifierDevice = "device_id"
	IdentifierUser   = "user_id"
)

// Record names.
const (
	RecordUser              = "user"
	RecordProductGroups     = "product_groups"
	RecordPaywalls          = "paywalls"
	RecordPendingSubmission = "pending_submission"
)

// SetIdentifier replaces an identifier.
func (s *Store) SetIdentifier(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identifiers (name, value, written_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, written_at = excluded.written_at
	`, name, value, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set identifier %s: %w", name, err)
	}
	return nil
}

// PutRecord serializes v as JSON and replaces the named record.
func (s *Store) PutRecord(ctx context.Context, name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("put record %s: marshal: %w", name, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (name, payload, written_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, written_at = excluded.written_at
	`, name, string(payload), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put record %s: %w", name, err)
	}
	return nil
}

// ClearRecord deletes the named record. Clearing a missing record is a no-op.
func (s *Store) ClearRecord(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE name = ?`, name); err != nil {
		return fmt.Errorf("clear record %s: %w", name, err)
	}
	return nil
}

// SetFlag replaces a one-shot flag.
func (s *Store) SetFlag(ctx context.Context, name string, value bool) error {
	v := 0
	if value {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flags (name, value, written_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, written_at = excluded.written_at
	`, name, v, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set flag %s: %w", name, err)
	}
	return nil
}
