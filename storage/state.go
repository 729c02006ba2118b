package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// GetIngestOffset returns the persisted byte offset for the given stream
// key, or 0 when no offset has been stored yet.
func (s *AlertStore) GetIngestOffset(ctx context.Context, key string) (int64, error) {
	conn, err := s.sqlite.acquireRead(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var value string
	err = conn.QueryRowContext(ctx,
		"SELECT value FROM ingest_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load ingest offset: %w", err)
	}

	offset, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt ingest offset %q: %w", value, err)
	}
	return offset, nil
}

// SetIngestOffset persists the byte offset for the given stream key.
func (s *AlertStore) SetIngestOffset(ctx context.Context, key string, offset int64) error {
	_, err := s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO ingest_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, strconv.FormatInt(offset, 10))
	if err != nil {
		return fmt.Errorf("failed to persist ingest offset: %w", err)
	}
	return nil
}
