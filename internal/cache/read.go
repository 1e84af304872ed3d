package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Identifier returns a stored identifier and whether it exists.
func (s *Store) Identifier(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM identifiers WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read identifier %s: %w", name, err)
	}
	return value, true, nil
}

// GetRecord decodes the named record into v. Returns the last-write time
// and whether the record exists.
func (s *Store) GetRecord(ctx context.Context, name string, v any) (time.Time, bool, error) {
	var payload string
	var writtenAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, written_at FROM records WHERE name = ?`, name,
	).Scan(&payload, &writtenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read record %s: %w", name, err)
	}

	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return time.Time{}, false, fmt.Errorf("read record %s: unmarshal: %w", name, err)
	}
	return time.UnixMilli(writtenAt), true, nil
}

// Fresh reports whether the named record exists and was last written less
// than ttl ago. A non-positive ttl is never fresh.
func (s *Store) Fresh(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	var writtenAt int64
	err := s.db.QueryRowContext(ctx, `SELECT written_at FROM records WHERE name = ?`, name).Scan(&writtenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read freshness %s: %w", name, err)
	}
	return s.now().Sub(time.UnixMilli(writtenAt)) < ttl, nil
}

// Flag returns a one-shot flag. Missing flags are false.
func (s *Store) Flag(ctx context.Context, name string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM flags WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read flag %s: %w", name, err)
	}
	return v != 0, nil
}
