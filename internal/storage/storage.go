// Package storage provides SQLite persistence for metric values, pending pings
// and small pieces of client state.
package storage

import (
	"context"
	"encoding/json"
)

// Storage defines the persistence operations used by the telemetry client.
type Storage interface {
	// Metric values
	Set(ctx context.Context, key Key, value json.RawMessage) error
	Get(ctx context.Context, key Key) (json.RawMessage, error)
	AddInt(ctx context.Context, key Key, delta int64) (int64, error)
	Snapshot(ctx context.Context, ping string) ([]*Metric, error)
	ClearPing(ctx context.Context, ping string) error
	ClearLifetime(ctx context.Context, lifetime string) error
	ClearMetrics(ctx context.Context) error

	// Client state
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
	NextSequence(ctx context.Context, ping string) (int64, error)

	// Pending pings
	EnqueuePing(ctx context.Context, p *PendingPing) error
	ListPendingPings(ctx context.Context) ([]*PendingPing, error)
	DeletePendingPing(ctx context.Context, documentID string) error
	IncrementAttempts(ctx context.Context, documentID string) (int, error)
	ClearPendingPings(ctx context.Context) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
