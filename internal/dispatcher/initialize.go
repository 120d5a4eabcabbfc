package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sipico/telemetry/internal/config"
	"github.com/sipico/telemetry/internal/core"
	"github.com/sipico/telemetry/internal/model"
)

// InitState is the initialization side of the lifecycle.
type InitState int32

const (
	Uninitialized InitState = iota
	Initializing
	Ready
	Failed
)

func (s InitState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("init(%d)", int32(s))
	}
}

// ClientState is what the worker applies tasks against. It is only ever used
// from the worker goroutine.
type ClientState interface {
	Apply(ctx context.Context, ev model.MetricEvent)
	SubmitPing(ctx context.Context, req model.PingRequest) (bool, error)
	SetUploadEnabled(ctx context.Context, enabled bool)
	RecordOverflow(ctx context.Context, dropped int64)
	Close(ctx context.Context) error
}

// BuildFunc constructs client state. It runs on its own goroutine.
type BuildFunc func(ctx context.Context, cfg *config.Config) (ClientState, error)

// CoreBuilder builds core.State with opts.
func CoreBuilder(opts core.Options) BuildFunc {
	return func(ctx context.Context, cfg *config.Config) (ClientState, error) {
		s, err := core.Build(ctx, cfg, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

var errNoBuilder = errors.New("no client state builder configured")

func missingBuilder(context.Context, *config.Config) (ClientState, error) {
	return nil, errNoBuilder
}

type initResult struct {
	state ClientState
	err   error
}

func (d *Dispatcher) setInitState(s InitState) {
	d.mu.Lock()
	d.initState = s
	d.mu.Unlock()
	d.recorder.RecordTransition(s.String())
}

// startInit runs the builder on its own goroutine so the worker can still
// act on a Shutdown while initialization is in flight. The result channel
// is buffered so the builder never blocks on delivery.
func (d *Dispatcher) startInit(cfg *config.Config) {
	d.setInitState(Initializing)
	d.initAt = time.Now()

	ch := make(chan initResult, 1)
	d.initDone = ch

	go func() {
		var res initResult
		defer func() {
			if r := recover(); r != nil {
				d.panics.Add(1)
				d.recorder.RecordPanic()
				res = initResult{err: fmt.Errorf("initialization panicked: %v", r)}
			}
			ch <- res
		}()

		res.state, res.err = d.build(context.Background(), cfg)
		if res.err == nil && res.state == nil {
			res.err = errors.New("builder returned no state")
		}
	}()
}

// finishInit installs the result of a completed initialization. On success
// buffered data tasks become eligible in their original order.
func (d *Dispatcher) finishInit(res initResult) {
	d.initDone = nil
	elapsed := time.Since(d.initAt).Seconds()

	if res.err != nil {
		d.logger.Error("telemetry initialization failed", "error", res.err)
		d.recorder.RecordInit(elapsed, true)
		d.setInitState(Failed)
		d.setPhase(PhaseFailed)
		return
	}

	d.state = res.state
	d.recorder.RecordInit(elapsed, false)
	d.setInitState(Ready)
	d.setPhase(PhaseLive)

	if n := d.takeOverflow(); n > 0 {
		d.logger.Warn("tasks dropped before initialization", "count", n)
		d.state.RecordOverflow(context.Background(), n)
	}
}
