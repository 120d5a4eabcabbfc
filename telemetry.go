// Package telemetry is an embeddable telemetry client.
//
// Metrics and pings are recorded through handles obtained from a Registry.
// Every call returns immediately: work is queued and applied in order by a
// single background worker once Initialize has built the client state.
// Calls made before Initialize are buffered, and calls made after Shutdown
// are dropped. No sequence of calls can crash the host.
//
//	client := telemetry.New()
//	span := client.Registry().Timespan(meta, model.Nanosecond)
//	span.Start()
//	client.Initialize(config.New(true, dir, "my-app"))
//	span.Stop()
//	client.Shutdown()
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sipico/telemetry/internal/config"
	"github.com/sipico/telemetry/internal/core"
	"github.com/sipico/telemetry/internal/dispatcher"
	"github.com/sipico/telemetry/internal/metrics"
)

// Client owns one dispatch queue and the state it drives.
type Client struct {
	logger     *slog.Logger
	level      *slog.LevelVar
	registerer prometheus.Registerer
	recorder   *metrics.Recorder
	transport  http.RoundTripper
	backoff    []time.Duration
	maxQueued  int

	dispatcher *dispatcher.Dispatcher
	registry   *Registry
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The configured log level is then left to the
// caller's handler.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRegisterer registers the client's self-diagnostics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = reg
	}
}

// WithTransport sets the base HTTP transport used for uploads.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

// WithUploadBackoff sets the delays between upload retries.
func WithUploadBackoff(delays ...time.Duration) Option {
	return func(c *Client) {
		c.backoff = delays
	}
}

// WithMaxQueuedTasks bounds the tasks buffered before Initialize.
func WithMaxQueuedTasks(n int) Option {
	return func(c *Client) {
		c.maxQueued = n
	}
}

// New creates a client and starts its worker. The client records nothing
// until Initialize is called.
func New(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.level = new(slog.LevelVar)
		c.level.Set(slog.LevelInfo)
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.level}))
	}
	if c.registerer == nil {
		c.registerer = prometheus.NewRegistry()
	}

	recorder, err := metrics.New(c.registerer)
	if err != nil {
		c.logger.Warn("self-diagnostics disabled", "error", err)
	}
	c.recorder = recorder

	c.dispatcher = dispatcher.New(dispatcher.Options{
		Logger:         c.logger,
		Recorder:       c.recorder,
		MaxQueuedTasks: c.maxQueued,
		Build: dispatcher.CoreBuilder(core.Options{
			Logger:    c.logger,
			Recorder:  c.recorder,
			Transport: c.transport,
			Backoff:   c.backoff,
		}),
	})
	c.registry = newRegistry(c.dispatcher)
	return c
}

// Initialize starts building the client state from cfg on a background
// goroutine and returns immediately. Only the first call has any effect.
// Configuration errors leave the client in the failed state, where every
// recorded value is discarded.
func (c *Client) Initialize(cfg *config.Config) {
	var frozen *config.Config
	if cfg != nil {
		cp := *cfg
		frozen = &cp
		if c.level != nil {
			c.level.Set(cfg.Level())
		}
	}
	c.dispatcher.Enqueue(dispatcher.InitializeTask(frozen))
}

// Shutdown requests an orderly shutdown and returns immediately. Tasks
// recorded before the call are applied within the configured shutdown
// timeout; anything recorded afterwards is dropped. Use Wait to block until
// shutdown has finished.
func (c *Client) Shutdown() {
	c.dispatcher.Shutdown()
}

// SetUploadEnabled turns recording and upload on or off. Disabling clears
// all stored data and sends a deletion-request ping.
func (c *Client) SetUploadEnabled(enabled bool) {
	c.dispatcher.Enqueue(dispatcher.UploadEnabledTask(enabled))
}

// Done returns a channel that is closed once shutdown has finished.
func (c *Client) Done() <-chan struct{} {
	return c.dispatcher.Done()
}

// Wait blocks until shutdown has finished or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	return c.dispatcher.Wait(ctx)
}

// Registry returns the client's metric and ping registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Lifecycle reports the initialization state, queue phase and task counts.
func (c *Client) Lifecycle() dispatcher.Lifecycle {
	return c.dispatcher.Lifecycle()
}

var (
	defaultOnce   sync.Once
	defaultClient *Client
)

// Default returns the process-wide client, creating it on first use.
func Default() *Client {
	defaultOnce.Do(func() {
		defaultClient = New(WithLogger(slog.Default()))
	})
	return defaultClient
}

// Initialize initializes the process-wide client.
func Initialize(cfg *config.Config) {
	Default().Initialize(cfg)
}

// Shutdown shuts down the process-wide client.
func Shutdown() {
	Default().Shutdown()
}

// SetUploadEnabled turns upload on or off for the process-wide client.
func SetUploadEnabled(enabled bool) {
	Default().SetUploadEnabled(enabled)
}
