package storage

import (
	"encoding/json"
	"time"
)

// Key addresses one stored metric value. Values are stored once per ping
// the metric is sent in.
type Key struct {
	Ping     string
	Identity string
	Label    string // Only used by labeled metrics
	Type     string
	Lifetime string
}

// Metric is a stored metric value as returned by Snapshot.
type Metric struct {
	Identity  string
	Label     string
	Type      string
	Lifetime  string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// PendingPing is an assembled ping waiting for upload.
type PendingPing struct {
	DocumentID string
	Ping       string
	Path       string
	Body       []byte
	Attempts   int
	CreatedAt  time.Time
}
