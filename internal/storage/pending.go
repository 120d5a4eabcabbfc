package storage

import (
	"context"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// EnqueuePing stores an assembled ping for upload.
// Returns ErrDuplicate if a ping with the same document id is already queued.
func (s *SQLiteStorage) EnqueuePing(ctx context.Context, p *PendingPing) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO pending_pings (document_id, ping, path, body, attempts) VALUES (?, ?, ?, ?, ?)",
		p.DocumentID, p.Ping, p.Path, p.Body, p.Attempts)

	if err != nil {
		// The extended error code for UNIQUE/PRIMARY KEY is 1555/2067,
		// base constraint error code is 19
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) {
			if (sqliteErr.Code() & 0xFF) == sqlite3.SQLITE_CONSTRAINT {
				return ErrDuplicate
			}
		}
		return fmt.Errorf("failed to enqueue ping: %w", err)
	}

	return nil
}

// ListPendingPings returns queued pings, oldest first.
// Returns empty slice if none are queued.
func (s *SQLiteStorage) ListPendingPings(ctx context.Context) ([]*PendingPing, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT document_id, ping, path, body, attempts, created_at FROM pending_pings ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query pending pings: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var pings []*PendingPing
	for rows.Next() {
		var p PendingPing
		if err := rows.Scan(&p.DocumentID, &p.Ping, &p.Path, &p.Body, &p.Attempts, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending ping row: %w", err)
		}
		pings = append(pings, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending pings: %w", err)
	}

	if pings == nil {
		pings = make([]*PendingPing, 0)
	}

	return pings, nil
}

// DeletePendingPing removes an uploaded or abandoned ping.
// Returns ErrNotFound if no ping has that document id.
func (s *SQLiteStorage) DeletePendingPing(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM pending_pings WHERE document_id = ?", documentID)
	if err != nil {
		return fmt.Errorf("failed to delete pending ping: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// IncrementAttempts records a failed upload attempt and returns the new count.
// Returns ErrNotFound if no ping has that document id.
func (s *SQLiteStorage) IncrementAttempts(ctx context.Context, documentID string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE pending_pings SET attempts = attempts + 1 WHERE document_id = ?", documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to update attempts: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return 0, ErrNotFound
	}

	var attempts int
	err = s.db.QueryRowContext(ctx,
		"SELECT attempts FROM pending_pings WHERE document_id = ?", documentID).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to read attempts: %w", err)
	}

	return attempts, nil
}

// ClearPendingPings drops every queued ping.
func (s *SQLiteStorage) ClearPendingPings(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending_pings"); err != nil {
		return fmt.Errorf("failed to clear pending pings: %w", err)
	}
	return nil
}
