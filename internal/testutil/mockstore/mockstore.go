// Package mockstore provides a configurable mock implementation of storage.Storage for testing.
//
// The MockStorage type uses function fields for each method, allowing tests to inject failures
// into single operations while the rest behave like an empty store.
package mockstore

import (
	"context"
	"encoding/json"

	"github.com/sipico/telemetry/internal/storage"
)

// MockStorage is a configurable mock implementation of storage.Storage.
// If a function field is nil, the method behaves like an empty store that accepts every write.
type MockStorage struct {
	// Metric values
	SetFunc           func(ctx context.Context, key storage.Key, value json.RawMessage) error
	GetFunc           func(ctx context.Context, key storage.Key) (json.RawMessage, error)
	AddIntFunc        func(ctx context.Context, key storage.Key, delta int64) (int64, error)
	SnapshotFunc      func(ctx context.Context, ping string) ([]*storage.Metric, error)
	ClearPingFunc     func(ctx context.Context, ping string) error
	ClearLifetimeFunc func(ctx context.Context, lifetime string) error
	ClearMetricsFunc  func(ctx context.Context) error

	// Client state
	GetStateFunc     func(ctx context.Context, key string) (string, error)
	SetStateFunc     func(ctx context.Context, key, value string) error
	NextSequenceFunc func(ctx context.Context, ping string) (int64, error)

	// Pending pings
	EnqueuePingFunc       func(ctx context.Context, p *storage.PendingPing) error
	ListPendingPingsFunc  func(ctx context.Context) ([]*storage.PendingPing, error)
	DeletePendingPingFunc func(ctx context.Context, documentID string) error
	IncrementAttemptsFunc func(ctx context.Context, documentID string) (int, error)
	ClearPendingPingsFunc func(ctx context.Context) error

	// Lifecycle
	PingFunc  func(ctx context.Context) error
	CloseFunc func() error
}

// Set stores a metric value.
func (m *MockStorage) Set(ctx context.Context, key storage.Key, value json.RawMessage) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value)
	}
	return nil
}

// Get loads a metric value.
func (m *MockStorage) Get(ctx context.Context, key storage.Key) (json.RawMessage, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return nil, storage.ErrNotFound
}

// AddInt adds delta to an integer metric value.
func (m *MockStorage) AddInt(ctx context.Context, key storage.Key, delta int64) (int64, error) {
	if m.AddIntFunc != nil {
		return m.AddIntFunc(ctx, key, delta)
	}
	return delta, nil
}

// Snapshot returns the metrics stored for a ping.
func (m *MockStorage) Snapshot(ctx context.Context, ping string) ([]*storage.Metric, error) {
	if m.SnapshotFunc != nil {
		return m.SnapshotFunc(ctx, ping)
	}
	return []*storage.Metric{}, nil
}

// ClearPing removes ping-lifetime metrics of a ping.
func (m *MockStorage) ClearPing(ctx context.Context, ping string) error {
	if m.ClearPingFunc != nil {
		return m.ClearPingFunc(ctx, ping)
	}
	return nil
}

// ClearLifetime removes all metrics of a lifetime.
func (m *MockStorage) ClearLifetime(ctx context.Context, lifetime string) error {
	if m.ClearLifetimeFunc != nil {
		return m.ClearLifetimeFunc(ctx, lifetime)
	}
	return nil
}

// ClearMetrics removes every metric value.
func (m *MockStorage) ClearMetrics(ctx context.Context) error {
	if m.ClearMetricsFunc != nil {
		return m.ClearMetricsFunc(ctx)
	}
	return nil
}

// GetState loads a client state value.
func (m *MockStorage) GetState(ctx context.Context, key string) (string, error) {
	if m.GetStateFunc != nil {
		return m.GetStateFunc(ctx, key)
	}
	return "", storage.ErrNotFound
}

// SetState stores a client state value.
func (m *MockStorage) SetState(ctx context.Context, key, value string) error {
	if m.SetStateFunc != nil {
		return m.SetStateFunc(ctx, key, value)
	}
	return nil
}

// NextSequence returns the next sequence number of a ping.
func (m *MockStorage) NextSequence(ctx context.Context, ping string) (int64, error) {
	if m.NextSequenceFunc != nil {
		return m.NextSequenceFunc(ctx, ping)
	}
	return 0, nil
}

// EnqueuePing stores an assembled ping for upload.
func (m *MockStorage) EnqueuePing(ctx context.Context, p *storage.PendingPing) error {
	if m.EnqueuePingFunc != nil {
		return m.EnqueuePingFunc(ctx, p)
	}
	return nil
}

// ListPendingPings returns pings waiting for upload.
func (m *MockStorage) ListPendingPings(ctx context.Context) ([]*storage.PendingPing, error) {
	if m.ListPendingPingsFunc != nil {
		return m.ListPendingPingsFunc(ctx)
	}
	return []*storage.PendingPing{}, nil
}

// DeletePendingPing removes an uploaded or abandoned ping.
func (m *MockStorage) DeletePendingPing(ctx context.Context, documentID string) error {
	if m.DeletePendingPingFunc != nil {
		return m.DeletePendingPingFunc(ctx, documentID)
	}
	return nil
}

// IncrementAttempts records a failed upload attempt.
func (m *MockStorage) IncrementAttempts(ctx context.Context, documentID string) (int, error) {
	if m.IncrementAttemptsFunc != nil {
		return m.IncrementAttemptsFunc(ctx, documentID)
	}
	return 1, nil
}

// ClearPendingPings removes every pending ping.
func (m *MockStorage) ClearPendingPings(ctx context.Context) error {
	if m.ClearPendingPingsFunc != nil {
		return m.ClearPendingPingsFunc(ctx)
	}
	return nil
}

// Ping verifies database connectivity with a lightweight query.
func (m *MockStorage) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// Close closes the storage connection.
func (m *MockStorage) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
