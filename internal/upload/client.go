// Package upload delivers assembled pings to the ingestion endpoint.
package upload

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Agent is sent in the X-Telemetry-Agent header of every upload.
const Agent = "telemetry-go/0.1.0"

// Result classifies the outcome of a single upload attempt.
type Result int

const (
	// Success means the server accepted the ping (2xx).
	Success Result = iota
	// Recoverable means the upload should be retried later (5xx or transport failure).
	Recoverable
	// Unrecoverable means the server rejected the ping for good (4xx and other codes).
	Unrecoverable
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Recoverable:
		return "recoverable"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Client posts gzip-compressed ping payloads to an ingestion server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient creates an upload client for the given server endpoint.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Upload sends one ping body to baseURL+path.
//
// The returned error is only informative: callers act on the Result.
func (c *Client) Upload(ctx context.Context, path string, body []byte) (Result, int, error) {
	compressed, err := gzipBytes(body)
	if err != nil {
		return Unrecoverable, 0, fmt.Errorf("failed to compress payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(compressed))
	if err != nil {
		return Unrecoverable, 0, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("X-Telemetry-Agent", Agent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Recoverable, 0, err
	}
	defer func() {
		//nolint:errcheck
		resp.Body.Close()
	}()
	//nolint:errcheck // drain for connection reuse
	io.Copy(io.Discard, resp.Body)

	return classify(resp.StatusCode), resp.StatusCode, nil
}

func classify(status int) Result {
	switch {
	case status >= 200 && status < 300:
		return Success
	case status >= 500 && status < 600:
		return Recoverable
	default:
		return Unrecoverable
	}
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
