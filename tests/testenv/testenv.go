// Package testenv provides a reusable test environment for end-to-end telemetry tests.
// It runs clients against either an in-process mock ingestion server or a standalone
// mockingest instance, and reads submissions back through the server's admin API so
// both modes are checked the same way.
package testenv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sipico/telemetry"
	"github.com/sipico/telemetry/internal/config"
	"github.com/sipico/telemetry/internal/testutil/mockingest"
)

// TestMode represents the testing mode.
type TestMode string

const (
	// ModeMock runs tests against an in-process mock ingestion server.
	ModeMock TestMode = "mock"
	// ModeRemote runs tests against a mockingest server at MOCKINGEST_URL.
	ModeRemote TestMode = "remote"
)

// TestEnv provides a test environment that works with both server modes.
type TestEnv struct {
	// Mode indicates whether the ingestion server is in-process or remote.
	Mode TestMode
	// Endpoint is the base URL clients upload to.
	Endpoint string

	mockServer *mockingest.Server
	http       *http.Client
	logger     *slog.Logger
}

// Setup creates a new test environment based on the TELEMETRY_TEST_MODE env var.
// Default mode is mock. Remote mode skips the test when MOCKINGEST_URL is not set.
// The server starts empty and is cleaned up when the test completes.
func Setup(t *testing.T) *TestEnv {
	t.Helper()

	env := &TestEnv{
		Mode:   getTestMode(),
		http:   &http.Client{Timeout: 5 * time.Second},
		logger: newLogger(),
	}

	switch env.Mode {
	case ModeMock:
		env.mockServer = mockingest.New(env.logger)
		env.Endpoint = env.mockServer.URL()
	case ModeRemote:
		env.Endpoint = os.Getenv("MOCKINGEST_URL")
		if env.Endpoint == "" {
			t.Skip("MOCKINGEST_URL not set, skipping remote test")
		}
		if err := WaitForService(env.Endpoint+"/health", 30*time.Second); err != nil {
			t.Fatalf("mockingest not ready: %v", err)
		}
	default:
		t.Fatalf("Invalid test mode: %s", env.Mode)
	}

	env.Reset(t)
	t.Cleanup(func() {
		env.Cleanup(t)
	})
	return env
}

func getTestMode() TestMode {
	if mode := os.Getenv("TELEMETRY_TEST_MODE"); mode != "" {
		return TestMode(mode)
	}
	return ModeMock
}

func newLogger() *slog.Logger {
	var w io.Writer = io.Discard
	if os.Getenv("TELEMETRY_TEST_DEBUG") != "" {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Config returns a client configuration that uploads to the environment's server
// and stores data in a fresh temporary directory.
func (e *TestEnv) Config(t *testing.T, appID string) *config.Config {
	t.Helper()
	return config.New(true, t.TempDir(), appID).WithServerEndpoint(e.Endpoint)
}

// NewClient creates a client with fast upload retries and its own metrics
// registry. The client is shut down and waited for when the test completes.
func (e *TestEnv) NewClient(t *testing.T, opts ...telemetry.Option) *telemetry.Client {
	t.Helper()

	reg := prometheus.NewRegistry()
	base := []telemetry.Option{
		telemetry.WithLogger(e.logger),
		telemetry.WithRegisterer(reg),
		telemetry.WithUploadBackoff(10*time.Millisecond, 20*time.Millisecond),
	}
	c := telemetry.New(append(base, opts...)...)

	t.Cleanup(func() {
		c.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := c.Wait(ctx); err != nil {
			t.Errorf("client did not shut down: %v", err)
		}
	})
	return c
}

// Pings returns every submission the server accepted.
func (e *TestEnv) Pings(t *testing.T) []mockingest.PingSummary {
	t.Helper()

	resp, err := e.http.Get(e.Endpoint + "/admin/pings")
	if err != nil {
		t.Fatalf("Failed to list pings: %v", err)
	}
	//nolint:errcheck
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Listing pings returned %d", resp.StatusCode)
	}
	var out []mockingest.PingSummary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode pings: %v", err)
	}
	return out
}

// WaitForPings polls the server until at least n pings were accepted or
// timeout elapses, and returns what was received.
func (e *TestEnv) WaitForPings(t *testing.T, n int, timeout time.Duration) []mockingest.PingSummary {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		pings := e.Pings(t)
		if len(pings) >= n || time.Now().After(deadline) {
			return pings
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// InjectErrors makes the next count submissions fail with status.
func (e *TestEnv) InjectErrors(t *testing.T, status, count int) {
	t.Helper()

	body, err := json.Marshal(mockingest.InjectErrorRequest{Status: status, Message: "injected by test", Count: count})
	if err != nil {
		t.Fatalf("Failed to encode error injection: %v", err)
	}
	resp, err := e.http.Post(e.Endpoint+"/admin/errors", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to inject errors: %v", err)
	}
	//nolint:errcheck
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Error injection returned %d", resp.StatusCode)
	}
}

// Reset clears pings and pending injected errors on the server.
func (e *TestEnv) Reset(t *testing.T) {
	t.Helper()

	req, err := http.NewRequest(http.MethodDelete, e.Endpoint+"/admin/reset", nil)
	if err != nil {
		t.Fatalf("Failed to build reset request: %v", err)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		t.Fatalf("Failed to reset mockingest: %v", err)
	}
	//nolint:errcheck
	resp.Body.Close()
}

// Cleanup resets a remote server and stops an in-process one.
// This is registered automatically via t.Cleanup() in Setup().
func (e *TestEnv) Cleanup(t *testing.T) {
	t.Helper()

	if e.mockServer != nil {
		e.mockServer.Close()
		return
	}
	e.Reset(t)
}

// WaitForService polls url until it answers 200 or timeout is reached.
func WaitForService(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			//nolint:errcheck
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("service not ready after %v", timeout)
}
