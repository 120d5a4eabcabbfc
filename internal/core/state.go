// Package core holds the client state that exists between a successful
// initialization and shutdown: metric storage, the uploader, the client id
// and running timespans. A State is owned by a single goroutine and is not
// safe for concurrent use.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipico/telemetry/internal/config"
	"github.com/sipico/telemetry/internal/metrics"
	"github.com/sipico/telemetry/internal/model"
	"github.com/sipico/telemetry/internal/storage"
	"github.com/sipico/telemetry/internal/upload"
)

// KnownClientID replaces the client id while upload is disabled.
const KnownClientID = "c0ffeec0-ffee-c0ff-eec0-ffeec0ffeec0"

// Client state keys.
const (
	stateClientID      = "client_id"
	stateFirstRunDate  = "first_run_date"
	stateUploadEnabled = "upload_enabled"
	statePingStartPref = "ping_start."
)

// Options carries the collaborators Build wires into a State.
type Options struct {
	Logger   *slog.Logger
	Recorder *metrics.Recorder
	// Transport overrides the base HTTP transport used for uploads.
	Transport http.RoundTripper
	// Backoff overrides the uploader retry schedule.
	Backoff []time.Duration
}

// State is the initialized client.
type State struct {
	cfg      *config.Config
	store    storage.Storage
	uploader *upload.Uploader
	recorder *metrics.Recorder
	logger   *slog.Logger

	clientID      string
	firstRunDate  string
	uploadEnabled bool
	startedAt     time.Time
	timespans     map[string]time.Time
	// metricTypes holds the type each identity was first recorded as.
	metricTypes map[string]model.MetricType

	closeOnce sync.Once
	closeErr  error
}

// Build validates cfg and constructs the client state. On error nothing is
// left open.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*State, error) {
	if cfg == nil {
		return nil, errors.New("nil configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	s, err := newState(ctx, cfg, store, opts, logger)
	if err != nil {
		_ = store.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func newState(ctx context.Context, cfg *config.Config, store storage.Storage, opts Options, logger *slog.Logger) (*State, error) {
	s := &State{
		cfg:       cfg,
		store:     store,
		recorder:  opts.Recorder,
		logger:    logger,
		startedAt: time.Now(),
		timespans:   make(map[string]time.Time),
		metricTypes: make(map[string]model.MetricType),
	}

	if err := store.ClearLifetime(ctx, "application"); err != nil {
		return nil, fmt.Errorf("failed to clear application metrics: %w", err)
	}

	firstRun, err := s.loadOrInit(ctx, stateFirstRunDate, func() string {
		return s.startedAt.Format(dateLayout)
	})
	if err != nil {
		return nil, err
	}
	s.firstRunDate = firstRun

	storedEnabled, err := s.loadOrInit(ctx, stateUploadEnabled, func() string {
		return boolString(cfg.UploadEnabled)
	})
	if err != nil {
		return nil, err
	}
	s.uploadEnabled = storedEnabled == "true"

	clientID, err := s.loadOrInit(ctx, stateClientID, func() string {
		if !s.uploadEnabled {
			return KnownClientID
		}
		return uuid.New().String()
	})
	if err != nil {
		return nil, err
	}
	s.clientID = clientID

	s.uploader = newUploader(cfg, store, opts, logger)
	s.uploader.Start()

	// Upload-enabled changes made while the client was not running take
	// effect now.
	if s.uploadEnabled != cfg.UploadEnabled {
		s.SetUploadEnabled(ctx, cfg.UploadEnabled)
	}

	// Pings left over from a previous run.
	s.uploader.Trigger()

	logger.Info("telemetry client initialized",
		"application_id", cfg.ApplicationID,
		"upload_enabled", s.uploadEnabled,
		"database", cfg.DatabasePath(),
	)
	return s, nil
}

func newUploader(cfg *config.Config, store storage.Storage, opts Options, logger *slog.Logger) *upload.Uploader {
	httpClient := &http.Client{
		Transport: &metrics.Transport{
			Base:     &upload.LoggingTransport{Transport: opts.Transport, Logger: logger},
			Recorder: opts.Recorder,
		},
	}

	return upload.NewUploader(
		upload.NewClient(cfg.Endpoint(), upload.WithHTTPClient(httpClient)),
		store,
		upload.Options{
			MaxAttempts: cfg.MaxUploadAttempts,
			Timeout:     cfg.UploadTimeout,
			Backoff:     opts.Backoff,
			Recorder:    opts.Recorder,
			Logger:      logger.With("component", "uploader"),
		},
	)
}

func (s *State) loadOrInit(ctx context.Context, key string, init func() string) (string, error) {
	v, err := s.store.GetState(ctx, key)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to load %s: %w", key, err)
	}

	v = init()
	if err := s.store.SetState(ctx, key, v); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", key, err)
	}
	return v, nil
}

// ClientID returns the current client id.
func (s *State) ClientID() string {
	return s.clientID
}

// UploadEnabled reports whether recording and uploading are on.
func (s *State) UploadEnabled() bool {
	return s.uploadEnabled
}

// Storage exposes the underlying store for inspection in tests and tools.
func (s *State) Storage() storage.Storage {
	return s.store
}

// SetUploadEnabled switches recording and uploading on or off.
//
// Disabling queues a deletion-request ping carrying the old client id,
// clears every stored metric and pending ping, and switches to
// KnownClientID. Enabling generates a fresh client id.
func (s *State) SetUploadEnabled(ctx context.Context, enabled bool) {
	if enabled == s.uploadEnabled {
		return
	}

	if enabled {
		s.uploadEnabled = true
		s.setClientID(ctx, uuid.New().String())
		s.persistUploadEnabled(ctx)
		s.logger.Info("upload enabled")
		return
	}

	oldClientID := s.clientID
	if err := s.store.ClearPendingPings(ctx); err != nil {
		s.logger.Error("failed to clear pending pings", "error", err)
	}
	if err := s.store.ClearMetrics(ctx); err != nil {
		s.logger.Error("failed to clear metrics", "error", err)
	}
	clear(s.timespans)
	clear(s.metricTypes)

	if err := s.submitDeletionRequest(ctx, oldClientID); err != nil {
		s.logger.Error("failed to queue deletion-request ping", "error", err)
	}

	s.uploadEnabled = false
	s.setClientID(ctx, KnownClientID)
	s.persistUploadEnabled(ctx)
	s.logger.Info("upload disabled")
}

func (s *State) setClientID(ctx context.Context, id string) {
	s.clientID = id
	if err := s.store.SetState(ctx, stateClientID, id); err != nil {
		s.logger.Error("failed to store client id", "error", err)
	}
}

func (s *State) persistUploadEnabled(ctx context.Context) {
	if err := s.store.SetState(ctx, stateUploadEnabled, boolString(s.uploadEnabled)); err != nil {
		s.logger.Error("failed to store upload state", "error", err)
	}
}

// uploaderExitGrace bounds the wait for an aborted uploader to exit before
// storage is closed underneath it.
const uploaderExitGrace = time.Second

// Close stops the uploader and closes storage. The uploader gets until ctx
// is done for a final pass. Close is idempotent.
func (s *State) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.uploader != nil {
			if err := s.uploader.Stop(ctx); err != nil {
				s.logger.Warn("uploader did not stop before deadline", "error", err)
				select {
				case <-s.uploader.Done():
				case <-time.After(uploaderExitGrace):
					s.logger.Error("uploader still running, closing storage anyway")
				}
			}
		}
		if err := s.store.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close storage: %w", err)
		}
		s.logger.Info("telemetry client closed")
	})
	return s.closeErr
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
