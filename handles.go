package telemetry

import (
	"time"

	"github.com/sipico/telemetry/internal/dispatcher"
	"github.com/sipico/telemetry/internal/model"
)

type handle struct {
	meta model.CommonMetricData
	typ  model.MetricType
	sink taskSink
}

func (h handle) record(op model.Op, fill func(*model.MetricEvent)) {
	if h.meta.Disabled {
		return
	}
	ev := model.MetricEvent{Meta: h.meta, Type: h.typ, Op: op, At: time.Now()}
	if fill != nil {
		fill(&ev)
	}
	h.sink.Enqueue(dispatcher.MetricTask(ev))
}

// Identity returns the metric's "category.name".
func (h handle) Identity() string {
	return h.meta.Identity()
}

// TimespanMetric measures one span of time per ping. Start and Stop read
// the clock on the calling goroutine, so queueing delay does not affect the
// recorded duration.
type TimespanMetric struct {
	handle
	unit model.TimeUnit
}

// Start begins the span. Starting an already running span is an error
// recorded against the metric.
func (m *TimespanMetric) Start() {
	m.record(model.OpStart, m.withUnit)
}

// Stop ends the span and stores its duration. Stopping a span that was
// never started is an error recorded against the metric.
func (m *TimespanMetric) Stop() {
	m.record(model.OpStop, m.withUnit)
}

// Cancel abandons a running span without storing anything.
func (m *TimespanMetric) Cancel() {
	m.record(model.OpCancel, m.withUnit)
}

// SetRawNanos stores an externally measured duration.
func (m *TimespanMetric) SetRawNanos(nanos int64) {
	m.record(model.OpSetRaw, func(ev *model.MetricEvent) {
		m.withUnit(ev)
		ev.Int = nanos
	})
}

func (m *TimespanMetric) withUnit(ev *model.MetricEvent) {
	ev.Unit = m.unit
}

// CounterMetric is a monotonically increasing count.
type CounterMetric struct {
	handle
}

// Add increments the counter by n. Non-positive n is an error.
func (m *CounterMetric) Add(n int64) {
	m.record(model.OpAdd, func(ev *model.MetricEvent) {
		ev.Int = n
	})
}

// BooleanMetric holds a flag.
type BooleanMetric struct {
	handle
}

// Set stores v.
func (m *BooleanMetric) Set(v bool) {
	m.record(model.OpSet, func(ev *model.MetricEvent) {
		ev.Bool = v
	})
}

// StringMetric holds a short string.
type StringMetric struct {
	handle
}

// Set stores v, truncated to 100 bytes.
func (m *StringMetric) Set(v string) {
	m.record(model.OpSet, func(ev *model.MetricEvent) {
		ev.String = v
	})
}

// PingType is a custom ping.
type PingType struct {
	desc model.PingDescriptor
	sink taskSink
}

// Name returns the ping's name.
func (p *PingType) Name() string {
	return p.desc.Name
}

// Submit collects the ping's metrics and queues the ping for upload. An
// empty reason means none.
func (p *PingType) Submit(reason string) {
	p.sink.Enqueue(dispatcher.PingTask(model.PingRequest{
		Ping:   p.desc,
		Reason: reason,
		At:     time.Now(),
	}))
}
