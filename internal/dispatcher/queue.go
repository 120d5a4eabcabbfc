// Package dispatcher serializes every client operation onto a single worker
// goroutine. Producers on any goroutine enqueue tasks without blocking; the
// worker buffers data tasks until initialization finishes, applies them in
// enqueue order, and tears the client state down on shutdown.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipico/telemetry/internal/config"
	"github.com/sipico/telemetry/internal/metrics"
	"github.com/sipico/telemetry/internal/model"
)

// Kind identifies what a Task does.
type Kind string

const (
	KindMetric        Kind = "metric"
	KindPing          Kind = "ping"
	KindUploadEnabled Kind = "upload_enabled"
	KindInitialize    Kind = "initialize"
	KindShutdown      Kind = "shutdown"
)

// IsControl reports whether tasks of this kind drive the lifecycle rather
// than carry data. Control tasks are never dropped on overflow.
func (k Kind) IsControl() bool {
	return k == KindInitialize || k == KindShutdown
}

// Task is one unit of work. Seq and EnqueuedAt are assigned by Enqueue.
type Task struct {
	Seq        uint64
	Kind       Kind
	EnqueuedAt time.Time

	Event   model.MetricEvent
	Ping    model.PingRequest
	Enabled bool
	Config  *config.Config
}

// MetricTask wraps a metric event.
func MetricTask(ev model.MetricEvent) Task {
	return Task{Kind: KindMetric, Event: ev}
}

// PingTask wraps a ping submission.
func PingTask(req model.PingRequest) Task {
	return Task{Kind: KindPing, Ping: req}
}

// UploadEnabledTask switches upload on or off.
func UploadEnabledTask(enabled bool) Task {
	return Task{Kind: KindUploadEnabled, Enabled: enabled}
}

// InitializeTask starts initialization with cfg.
func InitializeTask(cfg *config.Config) Task {
	return Task{Kind: KindInitialize, Config: cfg}
}

// ShutdownTask requests shutdown.
func ShutdownTask() Task {
	return Task{Kind: KindShutdown}
}

// Phase is the queue side of the lifecycle.
type Phase int32

const (
	PhaseBuffering Phase = iota
	PhaseLive
	PhaseFailed
	PhaseDraining
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseBuffering:
		return "buffering"
	case PhaseLive:
		return "live"
	case PhaseFailed:
		return "failed"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Stats counts tasks by outcome.
type Stats struct {
	Queued    int
	Enqueued  uint64
	Applied   uint64
	Dropped   uint64
	Discarded uint64
	Panics    uint64
}

// Lifecycle is a point-in-time view of the dispatcher.
type Lifecycle struct {
	Init  InitState
	Phase Phase
	Stats Stats
}

// Options configures a Dispatcher.
type Options struct {
	Logger   *slog.Logger
	Recorder *metrics.Recorder
	// Build constructs client state from the Initialize configuration.
	Build BuildFunc
	// MaxQueuedTasks bounds the data tasks waiting in the queue until the
	// Initialize configuration provides its own bound.
	MaxQueuedTasks int
	// ShutdownTimeout bounds shutdown until the Initialize configuration
	// provides its own.
	ShutdownTimeout time.Duration
}

// Dispatcher is a multi-producer, single-consumer task queue.
type Dispatcher struct {
	logger   *slog.Logger
	recorder *metrics.Recorder
	build    BuildFunc

	mu              sync.Mutex
	queue           []Task
	dataQueued      int
	seq             uint64
	limit           int
	shutdownTimeout time.Duration
	initRequested   bool
	closing         bool
	overflow        int64
	initState       InitState
	phase           Phase

	enqueued  atomic.Uint64
	applied   atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64
	panics    atomic.Uint64

	wake chan struct{}
	done chan struct{}

	// Owned by the worker goroutine.
	state    ClientState
	initDone chan initResult
	initAt   time.Time
}

// New starts a dispatcher and its worker goroutine.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxQueuedTasks <= 0 {
		opts.MaxQueuedTasks = config.DefaultMaxQueuedTasks
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = config.DefaultShutdownTimeout
	}

	d := &Dispatcher{
		logger:          logger.With("component", "dispatcher"),
		recorder:        opts.Recorder,
		build:           opts.Build,
		limit:           opts.MaxQueuedTasks,
		shutdownTimeout: opts.ShutdownTimeout,
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	if d.build == nil {
		d.build = missingBuilder
	}

	go d.run()
	return d
}

// Enqueue adds t to the queue. It never blocks. Tasks enqueued after a
// Shutdown are dropped, and a second Initialize is ignored.
func (d *Dispatcher) Enqueue(t Task) {
	d.mu.Lock()

	if d.closing {
		d.mu.Unlock()
		if t.Kind == KindShutdown {
			d.logger.Debug("shutdown already requested")
			return
		}
		d.drop(t, "shutdown")
		return
	}

	var evicted []Task
	switch t.Kind {
	case KindInitialize:
		if d.initRequested {
			d.mu.Unlock()
			d.logger.Warn("initialize called more than once, ignoring")
			d.recorder.RecordError("initialize", "misuse")
			return
		}
		d.initRequested = true
		if t.Config != nil {
			if t.Config.MaxQueuedTasks > 0 {
				d.limit = t.Config.MaxQueuedTasks
				// A lower bound applies to what is already buffered.
				for d.dataQueued > d.limit {
					ev := d.evictOldestLocked()
					if ev == nil {
						break
					}
					evicted = append(evicted, *ev)
				}
			}
			if t.Config.ShutdownTimeout > 0 {
				d.shutdownTimeout = t.Config.ShutdownTimeout
			}
		}
	case KindShutdown:
		d.closing = true
	}

	if !t.Kind.IsControl() {
		for d.dataQueued >= d.limit {
			ev := d.evictOldestLocked()
			if ev == nil {
				break
			}
			evicted = append(evicted, *ev)
		}
		d.dataQueued++
	}

	d.seq++
	t.Seq = d.seq
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	d.queue = append(d.queue, t)
	depth := len(d.queue)
	d.mu.Unlock()

	d.enqueued.Add(1)
	d.recorder.RecordEnqueued(string(t.Kind))
	d.recorder.SetQueueDepth(depth)
	for _, ev := range evicted {
		d.drop(ev, "overflow")
	}
	d.signal()
}

// evictOldestLocked removes the oldest queued data task. d.mu must be held.
func (d *Dispatcher) evictOldestLocked() *Task {
	for i, t := range d.queue {
		if t.Kind.IsControl() {
			continue
		}
		d.queue = append(d.queue[:i], d.queue[i+1:]...)
		d.dataQueued--
		d.overflow++
		return &t
	}
	return nil
}

func (d *Dispatcher) drop(t Task, reason string) {
	d.dropped.Add(1)
	d.recorder.RecordDropped(reason)
	d.logger.Debug("task dropped", "kind", t.Kind, "seq", t.Seq, "reason", reason)
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Done returns a channel that is closed once the worker has shut down.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the worker has shut down or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns task counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	queued := len(d.queue)
	d.mu.Unlock()

	return Stats{
		Queued:    queued,
		Enqueued:  d.enqueued.Load(),
		Applied:   d.applied.Load(),
		Dropped:   d.dropped.Load(),
		Discarded: d.discarded.Load(),
		Panics:    d.panics.Load(),
	}
}

// Lifecycle returns the current initialization state, queue phase and stats.
func (d *Dispatcher) Lifecycle() Lifecycle {
	d.mu.Lock()
	initState, phase := d.initState, d.phase
	d.mu.Unlock()
	return Lifecycle{Init: initState, Phase: phase, Stats: d.Stats()}
}

func (d *Dispatcher) setPhase(p Phase) {
	d.mu.Lock()
	d.phase = p
	d.mu.Unlock()
	d.recorder.RecordTransition(p.String())
}

func (d *Dispatcher) currentPhase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer d.recorder.SetQueueDepth(0)

	for {
		select {
		case <-d.wake:
		case res := <-d.initDone:
			d.finishInit(res)
		}

		if d.process() {
			return
		}
	}
}

// process works through the queue as far as the current phase allows. It
// reports whether the worker should exit.
func (d *Dispatcher) process() bool {
	for {
		switch d.currentPhase() {
		case PhaseBuffering:
			t, ok := d.takeControl()
			if !ok {
				return false
			}
			if d.handleControl(t) {
				return true
			}

		case PhaseLive, PhaseFailed:
			t, ok := d.takeNext()
			if !ok {
				return false
			}
			if d.handleNext(t) {
				return true
			}

		default:
			return true
		}
	}
}

// takeControl removes the first control task from the queue, leaving data
// tasks where they are.
func (d *Dispatcher) takeControl() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, t := range d.queue {
		if t.Kind.IsControl() {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return t, true
		}
	}
	return Task{}, false
}

func (d *Dispatcher) takeNext() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) == 0 {
		return Task{}, false
	}
	t := d.queue[0]
	d.queue[0] = Task{}
	d.queue = d.queue[1:]
	if !t.Kind.IsControl() {
		d.dataQueued--
	}
	return t, true
}

// takeAll empties the queue.
func (d *Dispatcher) takeAll() []Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	tasks := d.queue
	d.queue = nil
	d.dataQueued = 0
	return tasks
}

func (d *Dispatcher) takeOverflow() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.overflow
	d.overflow = 0
	return n
}

func (d *Dispatcher) handleControl(t Task) bool {
	switch t.Kind {
	case KindInitialize:
		d.startInit(t.Config)
		return false
	case KindShutdown:
		d.shutdown()
		return true
	}
	return false
}

func (d *Dispatcher) handleNext(t Task) bool {
	if t.Kind == KindShutdown {
		d.shutdown()
		return true
	}
	if t.Kind == KindInitialize {
		// Rejected at enqueue time; unreachable.
		return false
	}

	if d.state == nil {
		d.discard(t)
	} else {
		d.apply(context.Background(), t)
	}
	d.recorder.SetQueueDepth(d.Stats().Queued)
	return false
}

func (d *Dispatcher) discard(t Task) {
	d.discarded.Add(1)
	d.recorder.RecordDiscarded(string(t.Kind))
}

// apply runs one data task against client state. A panic is recovered and
// counted so that no task can take down the host.
func (d *Dispatcher) apply(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.recorder.RecordPanic()
			d.logger.Error("task panicked", "kind", t.Kind, "seq", t.Seq, "panic", r)
		}
	}()

	if n := d.takeOverflow(); n > 0 {
		d.state.RecordOverflow(ctx, n)
	}

	switch t.Kind {
	case KindMetric:
		d.state.Apply(ctx, t.Event)
	case KindPing:
		if _, err := d.state.SubmitPing(ctx, t.Ping); err != nil {
			d.logger.Error("failed to submit ping", "ping", t.Ping.Ping.Name, "error", err)
		}
	case KindUploadEnabled:
		d.state.SetUploadEnabled(ctx, t.Enabled)
	}

	d.applied.Add(1)
	d.recorder.RecordApplied(string(t.Kind))
}
