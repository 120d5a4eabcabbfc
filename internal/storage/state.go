package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// GetState returns a client state value.
// Returns ErrNotFound if the key was never set.
func (s *SQLiteStorage) GetState(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.QueryRowContext(ctx, "SELECT value FROM client_state WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get state %s: %w", key, err)
	}

	return value, nil
}

// SetState stores a client state value, replacing any previous one.
func (s *SQLiteStorage) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO client_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// NextSequence returns the sequence number for the next ping named ping and
// advances the stored counter. The first call returns 0.
func (s *SQLiteStorage) NextSequence(ctx context.Context, ping string) (int64, error) {
	key := "seq." + ping

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck

	var seq int64
	var raw string
	err = tx.QueryRowContext(ctx, "SELECT value FROM client_state WHERE key = ?", key).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("failed to read sequence for %s: %w", ping, err)
	default:
		seq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("stored sequence for %s is corrupt: %w", ping, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO client_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
		key, strconv.FormatInt(seq+1, 10))
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence for %s: %w", ping, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	return seq, nil
}
