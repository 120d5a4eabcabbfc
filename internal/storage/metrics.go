package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Set stores value under key, replacing any previous value.
func (s *SQLiteStorage) Set(ctx context.Context, key Key, value json.RawMessage) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := upsertMetric(ctx, s.db, key, value); err != nil {
		return fmt.Errorf("failed to set metric %s: %w", key.Identity, err)
	}
	return nil
}

// Get returns the stored value for key.
// Returns ErrNotFound if nothing is stored.
func (s *SQLiteStorage) Get(ctx context.Context, key Key) (json.RawMessage, error) {
	var value string

	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM metrics WHERE ping = ? AND identity = ? AND label = ?",
		key.Ping, key.Identity, key.Label).
		Scan(&value)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get metric %s: %w", key.Identity, err)
	}

	return json.RawMessage(value), nil
}

// AddInt adds delta to the integer stored under key, starting from zero,
// and returns the new total.
func (s *SQLiteStorage) AddInt(ctx context.Context, key Key, delta int64) (int64, error) {
	if err := key.validate(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck

	var current int64
	var raw string
	err = tx.QueryRowContext(ctx,
		"SELECT value FROM metrics WHERE ping = ? AND identity = ? AND label = ?",
		key.Ping, key.Identity, key.Label).
		Scan(&raw)

	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("failed to read metric %s: %w", key.Identity, err)
	default:
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return 0, fmt.Errorf("stored value of %s is not an integer: %w", key.Identity, err)
		}
	}

	total := current + delta
	encoded, err := json.Marshal(total)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal total: %w", err)
	}

	if err := upsertMetric(ctx, tx, key, encoded); err != nil {
		return 0, fmt.Errorf("failed to store metric %s: %w", key.Identity, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	return total, nil
}

// Snapshot returns every metric stored for ping, ordered by identity and label.
// Returns an empty slice if nothing is stored.
func (s *SQLiteStorage) Snapshot(ctx context.Context, ping string) ([]*Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT identity, label, metric_type, lifetime, value, updated_at FROM metrics WHERE ping = ? ORDER BY identity ASC, label ASC",
		ping)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var metrics []*Metric
	for rows.Next() {
		var m Metric
		var value string
		if err := rows.Scan(&m.Identity, &m.Label, &m.Type, &m.Lifetime, &value, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan metric row: %w", err)
		}
		m.Value = json.RawMessage(value)
		metrics = append(metrics, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metric rows: %w", err)
	}

	if metrics == nil {
		metrics = []*Metric{}
	}

	return metrics, nil
}

// ClearPing removes the ping-lifetime values stored for ping.
func (s *SQLiteStorage) ClearPing(ctx context.Context, ping string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM metrics WHERE ping = ? AND lifetime = 'ping'",
		ping)
	if err != nil {
		return fmt.Errorf("failed to clear ping %s: %w", ping, err)
	}
	return nil
}

// ClearLifetime removes every value stored with the given lifetime.
func (s *SQLiteStorage) ClearLifetime(ctx context.Context, lifetime string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM metrics WHERE lifetime = ?", lifetime)
	if err != nil {
		return fmt.Errorf("failed to clear %s lifetime: %w", lifetime, err)
	}
	return nil
}

// ClearMetrics removes every stored metric value.
func (s *SQLiteStorage) ClearMetrics(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM metrics"); err != nil {
		return fmt.Errorf("failed to clear metrics: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertMetric(ctx context.Context, db execer, key Key, value json.RawMessage) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO metrics (ping, identity, label, metric_type, lifetime, value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ping, identity, label) DO UPDATE SET
			metric_type = excluded.metric_type,
			lifetime = excluded.lifetime,
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`,
		key.Ping, key.Identity, key.Label, key.Type, key.Lifetime, string(value))
	return err
}

func (k Key) validate() error {
	if k.Ping == "" || k.Identity == "" {
		return ErrInvalidKey
	}
	return nil
}
