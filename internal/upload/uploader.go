package upload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sipico/telemetry/internal/metrics"
	"github.com/sipico/telemetry/internal/storage"
)

// DefaultBackoff is the delay schedule between retries of a recoverable
// failure. The last entry repeats.
var DefaultBackoff = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// Store is the subset of storage the uploader needs.
type Store interface {
	ListPendingPings(ctx context.Context) ([]*storage.PendingPing, error)
	DeletePendingPing(ctx context.Context, documentID string) error
	IncrementAttempts(ctx context.Context, documentID string) (int, error)
}

// Options configures an Uploader.
type Options struct {
	MaxAttempts int
	Timeout     time.Duration
	Backoff     []time.Duration
	Recorder    *metrics.Recorder
	Logger      *slog.Logger
}

// Uploader drains the pending ping queue on its own goroutine.
// Trigger wakes it; Stop makes one final pass and waits for it to exit.
type Uploader struct {
	client   *Client
	store    Store
	opts     Options
	recorder *metrics.Recorder
	logger   *slog.Logger

	// ctx bounds regular passes. Stop cancels it once its deadline passes.
	ctx    context.Context
	cancel context.CancelFunc

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	mu        sync.Mutex
	stopCtx   context.Context
	retry     *time.Timer
}

// NewUploader creates an uploader that is not yet running.
func NewUploader(client *Client, store Store, opts Options) *Uploader {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Uploader{
		ctx:      ctx,
		cancel:   cancel,
		client:   client,
		store:    store,
		opts:     opts,
		recorder: opts.Recorder,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the upload goroutine. Calling Start more than once is a no-op.
func (u *Uploader) Start() {
	u.startOnce.Do(func() {
		u.mu.Lock()
		u.started = true
		u.mu.Unlock()
		go u.run()
	})
}

// Trigger asks the uploader to process pending pings. It never blocks.
func (u *Uploader) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
	}
}

// Stop requests a final upload pass bounded by ctx and waits for the
// goroutine to exit. It returns ctx.Err() if the deadline passes first.
func (u *Uploader) Stop(ctx context.Context) error {
	u.stopOnce.Do(func() {
		u.mu.Lock()
		u.stopCtx = ctx
		if u.retry != nil {
			u.retry.Stop()
		}
		started := u.started
		u.mu.Unlock()

		close(u.stop)
		if !started {
			u.cancel()
			close(u.done)
		}
	})

	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		// Abort whatever is in flight so the goroutine exits promptly.
		u.cancel()
		return ctx.Err()
	}
}

// Done is closed once the upload goroutine has exited.
func (u *Uploader) Done() <-chan struct{} {
	return u.done
}

func (u *Uploader) run() {
	defer close(u.done)
	defer u.cancel()

	for {
		select {
		case <-u.stop:
			u.mu.Lock()
			stopCtx := u.stopCtx
			u.mu.Unlock()
			u.process(stopCtx, true)
			return
		case <-u.trigger:
			u.process(u.ctx, false)
		}
	}
}

// process uploads pending pings oldest first. A recoverable failure ends
// the pass and, outside the final pass, schedules a retry.
func (u *Uploader) process(ctx context.Context, final bool) {
	pings, err := u.store.ListPendingPings(ctx)
	if err != nil {
		u.logger.Error("failed to list pending pings", "error", err)
		return
	}

	for _, p := range pings {
		if ctx.Err() != nil {
			return
		}
		if !final {
			select {
			case <-u.stop:
				// Leave the rest to the final pass.
				return
			default:
			}
		}

		attempts, ok := u.uploadOne(ctx, p)
		if ok {
			continue
		}
		if !final {
			u.scheduleRetry(attempts)
		}
		return
	}
}

// uploadOne makes one attempt and returns false if the ping stays queued.
func (u *Uploader) uploadOne(ctx context.Context, p *storage.PendingPing) (int, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	result, status, err := u.client.Upload(reqCtx, p.Path, p.Body)
	cancel()

	log := u.logger.With("ping", p.Ping, "document_id", p.DocumentID)

	switch result {
	case Success:
		log.Debug("ping uploaded", "status", status)
		u.recorder.RecordPingUpload(p.Ping, result.String())
		u.delete(ctx, p)
		return 0, true
	case Unrecoverable:
		log.Warn("ping rejected by server, discarding", "status", status, "error", err)
		u.recorder.RecordPingUpload(p.Ping, result.String())
		u.delete(ctx, p)
		return 0, true
	}

	attempts, incErr := u.store.IncrementAttempts(ctx, p.DocumentID)
	if incErr != nil {
		if !errors.Is(incErr, storage.ErrNotFound) {
			log.Error("failed to record upload attempt", "error", incErr)
		}
		return p.Attempts + 1, false
	}

	if attempts >= u.opts.MaxAttempts {
		log.Warn("ping abandoned after repeated failures", "attempts", attempts, "status", status, "error", err)
		u.recorder.RecordPingUpload(p.Ping, "abandoned")
		u.delete(ctx, p)
		return attempts, true
	}

	log.Info("ping upload failed, will retry", "attempts", attempts, "status", status, "error", err)
	u.recorder.RecordPingUpload(p.Ping, result.String())
	return attempts, false
}

func (u *Uploader) delete(ctx context.Context, p *storage.PendingPing) {
	if err := u.store.DeletePendingPing(ctx, p.DocumentID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		u.logger.Error("failed to delete pending ping", "document_id", p.DocumentID, "error", err)
	}
}

func (u *Uploader) scheduleRetry(attempts int) {
	delay := Backoff(u.opts.Backoff, attempts)

	u.mu.Lock()
	defer u.mu.Unlock()

	select {
	case <-u.stop:
		return
	default:
	}

	if u.retry != nil {
		u.retry.Stop()
	}
	u.retry = time.AfterFunc(delay, u.Trigger)
}

// Backoff returns the delay before retry number attempts (1-based).
func Backoff(schedule []time.Duration, attempts int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	return schedule[i]
}
