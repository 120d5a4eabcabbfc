package dispatcher

import (
	"context"
	"time"
)

// closeGrace bounds the close of state handed over after the shutdown
// deadline already passed.
const closeGrace = 5 * time.Second

// Shutdown enqueues a Shutdown task. Calling it more than once is a no-op.
func (d *Dispatcher) Shutdown() {
	d.Enqueue(ShutdownTask())
}

// shutdown runs on the worker. Everything enqueued before the Shutdown task
// is still in the queue; anything after it was dropped by Enqueue.
func (d *Dispatcher) shutdown() {
	d.setPhase(PhaseDraining)

	d.mu.Lock()
	timeout := d.shutdownTimeout
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if d.initDone != nil {
		d.awaitInit(ctx)
	}

	d.flush(ctx)

	if d.state != nil {
		if err := d.state.Close(ctx); err != nil {
			d.logger.Error("failed to close client state", "error", err)
		}
		d.state = nil
	}

	d.setPhase(PhaseClosed)
	d.logger.Info("telemetry dispatcher closed", "stats", d.Stats())
}

// awaitInit waits for in-flight initialization until ctx is done. If the
// deadline wins, initialization counts as failed and a reaper closes the
// state once the builder hands it over.
func (d *Dispatcher) awaitInit(ctx context.Context) {
	select {
	case res := <-d.initDone:
		d.finishInit(res)
	case <-ctx.Done():
		d.logger.Warn("initialization still running at shutdown deadline")
		d.recorder.RecordInit(time.Since(d.initAt).Seconds(), true)
		d.setInitState(Failed)
		go d.reap(d.initDone)
		d.initDone = nil
	}
}

func (d *Dispatcher) reap(ch <-chan initResult) {
	res := <-ch
	if res.state == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	if err := res.state.Close(ctx); err != nil {
		d.logger.Error("failed to close late client state", "error", err)
		return
	}
	d.logger.Debug("late client state closed")
}

// flush applies the remaining queued tasks until ctx is done. Tasks that
// cannot be applied are discarded or dropped.
func (d *Dispatcher) flush(ctx context.Context) {
	tasks := d.takeAll()
	defer d.recorder.SetQueueDepth(0)

	for _, t := range tasks {
		if t.Kind.IsControl() {
			continue
		}

		switch {
		case ctx.Err() != nil:
			d.drop(t, "deadline")
		case d.state != nil:
			d.apply(ctx, t)
		case d.currentInitState() == Failed:
			d.discard(t)
		default:
			d.drop(t, "uninitialized")
		}
	}
}

func (d *Dispatcher) currentInitState() InitState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initState
}
