package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultValues(t *testing.T) {
	t.Run("with no environment variables set", func(t *testing.T) {
		os.Unsetenv("TELEMETRY_DATA_PATH")
		os.Unsetenv("TELEMETRY_APP_ID")
		os.Unsetenv("TELEMETRY_UPLOAD_ENABLED")
		os.Unsetenv("TELEMETRY_SERVER_ENDPOINT")
		os.Unsetenv("TELEMETRY_LOG_LEVEL")
		os.Unsetenv("TELEMETRY_MAX_QUEUED_TASKS")
		os.Unsetenv("TELEMETRY_SHUTDOWN_TIMEOUT")
		os.Unsetenv("TELEMETRY_LOG_PINGS")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v, want nil", err)
		}

		if !cfg.UploadEnabled {
			t.Error("UploadEnabled = false, want true (default)")
		}
		if cfg.ServerEndpoint != DefaultServerEndpoint {
			t.Errorf("ServerEndpoint = %q, want %q (default)", cfg.ServerEndpoint, DefaultServerEndpoint)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want %q (default)", cfg.LogLevel, "info")
		}
		if cfg.MaxQueuedTasks != DefaultMaxQueuedTasks {
			t.Errorf("MaxQueuedTasks = %d, want %d (default)", cfg.MaxQueuedTasks, DefaultMaxQueuedTasks)
		}
		if cfg.ShutdownTimeout != DefaultShutdownTimeout {
			t.Errorf("ShutdownTimeout = %v, want %v (default)", cfg.ShutdownTimeout, DefaultShutdownTimeout)
		}
		if cfg.DataPath == "" {
			t.Error("DataPath is empty, want temp dir default")
		}
	})
}

func TestLoad_CustomValues(t *testing.T) {
	t.Run("with all environment variables set", func(t *testing.T) {
		t.Setenv("TELEMETRY_DATA_PATH", "/custom/data")
		t.Setenv("TELEMETRY_APP_ID", "org.example.app")
		t.Setenv("TELEMETRY_UPLOAD_ENABLED", "false")
		t.Setenv("TELEMETRY_SERVER_ENDPOINT", "http://mockingest:8082")
		t.Setenv("TELEMETRY_LOG_LEVEL", "debug")
		t.Setenv("TELEMETRY_MAX_QUEUED_TASKS", "25")
		t.Setenv("TELEMETRY_SHUTDOWN_TIMEOUT", "750ms")
		t.Setenv("TELEMETRY_LOG_PINGS", "true")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v, want nil", err)
		}

		if cfg.DataPath != "/custom/data" {
			t.Errorf("DataPath = %q, want %q", cfg.DataPath, "/custom/data")
		}
		if cfg.ApplicationID != "org.example.app" {
			t.Errorf("ApplicationID = %q, want %q", cfg.ApplicationID, "org.example.app")
		}
		if cfg.UploadEnabled {
			t.Error("UploadEnabled = true, want false")
		}
		if cfg.ServerEndpoint != "http://mockingest:8082" {
			t.Errorf("ServerEndpoint = %q, want %q", cfg.ServerEndpoint, "http://mockingest:8082")
		}
		if cfg.Level() != slog.LevelDebug {
			t.Errorf("Level() = %v, want %v", cfg.Level(), slog.LevelDebug)
		}
		if cfg.MaxQueuedTasks != 25 {
			t.Errorf("MaxQueuedTasks = %d, want 25", cfg.MaxQueuedTasks)
		}
		if cfg.ShutdownTimeout != 750*time.Millisecond {
			t.Errorf("ShutdownTimeout = %v, want 750ms", cfg.ShutdownTimeout)
		}
		if !cfg.LogPings {
			t.Error("LogPings = false, want true")
		}
	})
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"upload enabled not a bool", "TELEMETRY_UPLOAD_ENABLED", "sometimes"},
		{"queue bound not a number", "TELEMETRY_MAX_QUEUED_TASKS", "many"},
		{"timeout not a duration", "TELEMETRY_SHUTDOWN_TIMEOUT", "soon"},
		{"log pings not a bool", "TELEMETRY_LOG_PINGS", "verbose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q returned nil error", tt.key, tt.value)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New(true, t.TempDir(), "app").WithLogLevel(tt.name)
			if got := cfg.Level(); got != tt.want {
				t.Errorf("Level() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	readOnlyParent := t.TempDir()
	blocker := filepath.Join(readOnlyParent, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("failed to create blocker file: %v", err)
	}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr error
	}{
		{
			name: "valid",
			cfg:  New(true, t.TempDir(), "firefox-desktop"),
		},
		{
			name: "creates missing data directory",
			cfg:  New(true, filepath.Join(t.TempDir(), "nested", "dir"), "firefox-desktop"),
		},
		{
			name:    "missing application id",
			cfg:     New(true, t.TempDir(), "  "),
			wantErr: ErrMissingApplicationID,
		},
		{
			name:    "endpoint without scheme",
			cfg:     New(true, t.TempDir(), "firefox-desktop").WithServerEndpoint("invalid-test-host"),
			wantErr: ErrInvalidEndpoint,
		},
		{
			name:    "endpoint with unsupported scheme",
			cfg:     New(true, t.TempDir(), "firefox-desktop").WithServerEndpoint("ftp://example.com"),
			wantErr: ErrInvalidEndpoint,
		},
		{
			name:    "data path below a regular file",
			cfg:     New(true, filepath.Join(blocker, "sub"), "firefox-desktop"),
			wantErr: ErrDataPathNotWritable,
		},
		{
			name:    "empty data path",
			cfg:     New(true, "", "firefox-desktop"),
			wantErr: ErrDataPathNotWritable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_QueueBound(t *testing.T) {
	cfg := New(true, t.TempDir(), "app").WithMaxQueuedTasks(0)
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with zero queue bound returned nil error")
	}
}

func TestEndpointAndPaths(t *testing.T) {
	dir := t.TempDir()
	cfg := New(true, dir, "Org.Example_App").WithServerEndpoint("http://localhost:8082/")

	if got := cfg.Endpoint(); got != "http://localhost:8082" {
		t.Errorf("Endpoint() = %q, want trailing slash trimmed", got)
	}
	if got := cfg.SanitizedApplicationID(); got != "org-example-app" {
		t.Errorf("SanitizedApplicationID() = %q, want %q", got, "org-example-app")
	}
	if got := cfg.DatabasePath(); got != filepath.Join(dir, "db", "telemetry.db") {
		t.Errorf("DatabasePath() = %q", got)
	}

	cfg.ServerEndpoint = ""
	if got := cfg.Endpoint(); got != DefaultServerEndpoint {
		t.Errorf("Endpoint() with empty override = %q, want default", got)
	}
}
