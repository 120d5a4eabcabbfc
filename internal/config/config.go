// Package config provides the telemetry client configuration, loading it from
// environment variables and validating it at initialization time.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultServerEndpoint is where pings are uploaded when no override is set.
	DefaultServerEndpoint = "https://incoming.telemetry.mozilla.org"

	DefaultMaxQueuedTasks    = 1000
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultUploadTimeout     = 30 * time.Second
	DefaultMaxUploadAttempts = 3
)

// Config holds everything the client needs to initialize.
type Config struct {
	UploadEnabled     bool
	DataPath          string // Directory holding the metrics database
	ApplicationID     string
	ServerEndpoint    string // Optional: ping ingestion base URL (empty = default)
	LogLevel          string // debug, info, warn, error
	ChannelName       string
	AppBuild          string
	AppDisplayVersion string
	LogPings          bool // Log assembled ping payloads (client id redacted)

	MaxQueuedTasks    int           // Bound on queued data tasks before the oldest is dropped
	ShutdownTimeout   time.Duration // Bound on how long shutdown waits for init and flushing
	UploadTimeout     time.Duration // Per-request upload timeout
	MaxUploadAttempts int           // Recoverable failures tolerated per ping
}

// New returns a configuration with defaults for everything but the three
// required values.
func New(uploadEnabled bool, dataPath, applicationID string) *Config {
	return &Config{
		UploadEnabled:     uploadEnabled,
		DataPath:          dataPath,
		ApplicationID:     applicationID,
		ServerEndpoint:    DefaultServerEndpoint,
		LogLevel:          "info",
		MaxQueuedTasks:    DefaultMaxQueuedTasks,
		ShutdownTimeout:   DefaultShutdownTimeout,
		UploadTimeout:     DefaultUploadTimeout,
		MaxUploadAttempts: DefaultMaxUploadAttempts,
	}
}

// WithServerEndpoint overrides the upload endpoint.
func (c *Config) WithServerEndpoint(endpoint string) *Config {
	c.ServerEndpoint = endpoint
	return c
}

// WithChannel sets the release channel reported in client_info.
func (c *Config) WithChannel(channel string) *Config {
	c.ChannelName = channel
	return c
}

// WithAppVersion sets the build and display version reported in client_info.
func (c *Config) WithAppVersion(build, displayVersion string) *Config {
	c.AppBuild = build
	c.AppDisplayVersion = displayVersion
	return c
}

// WithMaxQueuedTasks sets the dispatch queue bound.
func (c *Config) WithMaxQueuedTasks(n int) *Config {
	c.MaxQueuedTasks = n
	return c
}

// WithShutdownTimeout sets how long shutdown may wait.
func (c *Config) WithShutdownTimeout(d time.Duration) *Config {
	c.ShutdownTimeout = d
	return c
}

// WithLogPings enables logging of assembled ping payloads.
func (c *Config) WithLogPings(enabled bool) *Config {
	c.LogPings = enabled
	return c
}

// WithLogLevel sets the log level name.
func (c *Config) WithLogLevel(level string) *Config {
	c.LogLevel = level
	return c
}

// Load parses configuration from environment variables.
// Every option except TELEMETRY_APP_ID has a default.
func Load() (*Config, error) {
	dataPath := os.Getenv("TELEMETRY_DATA_PATH")
	if dataPath == "" {
		dataPath = filepath.Join(os.TempDir(), "telemetry")
	}

	cfg := New(true, dataPath, os.Getenv("TELEMETRY_APP_ID"))

	if v := os.Getenv("TELEMETRY_UPLOAD_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEMETRY_UPLOAD_ENABLED %q: %w", v, err)
		}
		cfg.UploadEnabled = enabled
	}

	if v := os.Getenv("TELEMETRY_SERVER_ENDPOINT"); v != "" {
		cfg.ServerEndpoint = v
	}

	if v := os.Getenv("TELEMETRY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.ChannelName = os.Getenv("TELEMETRY_CHANNEL")

	if v := os.Getenv("TELEMETRY_LOG_PINGS"); v != "" {
		logPings, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEMETRY_LOG_PINGS %q: %w", v, err)
		}
		cfg.LogPings = logPings
	}

	if v := os.Getenv("TELEMETRY_MAX_QUEUED_TASKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEMETRY_MAX_QUEUED_TASKS %q: %w", v, err)
		}
		cfg.MaxQueuedTasks = n
	}

	if v := os.Getenv("TELEMETRY_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEMETRY_SHUTDOWN_TIMEOUT %q: %w", v, err)
		}
		cfg.ShutdownTimeout = d
	}

	return cfg, nil
}

// Validate checks all configuration constraints. It touches the filesystem:
// the data directory is created if missing and probed for writability.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ApplicationID) == "" {
		return ErrMissingApplicationID
	}

	if err := checkEndpoint(c.endpoint()); err != nil {
		return err
	}

	if err := checkWritableDir(c.DataPath); err != nil {
		return err
	}

	if c.MaxQueuedTasks <= 0 {
		return fmt.Errorf("max queued tasks must be positive, got %d", c.MaxQueuedTasks)
	}

	return nil
}

// Endpoint returns the upload base URL without a trailing slash.
func (c *Config) Endpoint() string {
	return strings.TrimRight(c.endpoint(), "/")
}

func (c *Config) endpoint() string {
	if c.ServerEndpoint == "" {
		return DefaultServerEndpoint
	}
	return c.ServerEndpoint
}

// DatabasePath returns the SQLite file inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataPath, "db", "telemetry.db")
}

// SanitizedApplicationID returns the application id in the form used in
// upload paths: lower case, dots and underscores replaced by dashes.
func (c *Config) SanitizedApplicationID() string {
	id := strings.ToLower(strings.TrimSpace(c.ApplicationID))
	return strings.NewReplacer(".", "-", "_", "-").Replace(id)
}

// Level parses LogLevel. Unknown names fall back to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func checkEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q needs an http or https scheme", ErrInvalidEndpoint, endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, endpoint)
	}
	return nil
}

func checkWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: empty path", ErrDataPathNotWritable)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrDataPathNotWritable, err)
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataPathNotWritable, err)
	}
	name := probe.Name()
	_ = probe.Close()   //nolint:errcheck
	_ = os.Remove(name) //nolint:errcheck

	return nil
}
