package telemetry

import (
	"sync"

	"github.com/sipico/telemetry/internal/dispatcher"
	"github.com/sipico/telemetry/internal/model"
)

type taskSink interface {
	Enqueue(t dispatcher.Task)
}

type handleKey struct {
	typ      model.MetricType
	identity string
}

// Registry hands out metric and ping handles. The first request for an
// identity creates the handle; later requests return the same one, so the
// descriptor registered first wins.
type Registry struct {
	sink taskSink

	mu      sync.Mutex
	handles sync.Map // handleKey -> handle
	pings   sync.Map // ping name -> *PingType
}

func newRegistry(sink taskSink) *Registry {
	return &Registry{sink: sink}
}

func (r *Registry) getOrCreate(key handleKey, create func() any) any {
	if v, ok := r.handles.Load(key); ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.handles.Load(key); ok {
		return v
	}
	v := create()
	r.handles.Store(key, v)
	return v
}

// Timespan returns the timespan metric described by meta.
func (r *Registry) Timespan(meta model.CommonMetricData, unit model.TimeUnit) *TimespanMetric {
	key := handleKey{typ: model.Timespan, identity: meta.Identity()}
	return r.getOrCreate(key, func() any {
		return &TimespanMetric{handle: r.newHandle(meta, model.Timespan), unit: unit}
	}).(*TimespanMetric)
}

// Counter returns the counter metric described by meta.
func (r *Registry) Counter(meta model.CommonMetricData) *CounterMetric {
	key := handleKey{typ: model.Counter, identity: meta.Identity()}
	return r.getOrCreate(key, func() any {
		return &CounterMetric{handle: r.newHandle(meta, model.Counter)}
	}).(*CounterMetric)
}

// Boolean returns the boolean metric described by meta.
func (r *Registry) Boolean(meta model.CommonMetricData) *BooleanMetric {
	key := handleKey{typ: model.Boolean, identity: meta.Identity()}
	return r.getOrCreate(key, func() any {
		return &BooleanMetric{handle: r.newHandle(meta, model.Boolean)}
	}).(*BooleanMetric)
}

// String returns the string metric described by meta.
func (r *Registry) String(meta model.CommonMetricData) *StringMetric {
	key := handleKey{typ: model.String, identity: meta.Identity()}
	return r.getOrCreate(key, func() any {
		return &StringMetric{handle: r.newHandle(meta, model.String)}
	}).(*StringMetric)
}

// Ping returns the ping described by desc.
func (r *Registry) Ping(desc model.PingDescriptor) *PingType {
	if v, ok := r.pings.Load(desc.Name); ok {
		return v.(*PingType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.pings.Load(desc.Name); ok {
		return v.(*PingType)
	}
	desc.ReasonCodes = append([]string(nil), desc.ReasonCodes...)
	p := &PingType{desc: desc, sink: r.sink}
	r.pings.Store(desc.Name, p)
	return p
}

func (r *Registry) newHandle(meta model.CommonMetricData, typ model.MetricType) handle {
	return handle{meta: meta.Clone(), typ: typ, sink: r.sink}
}

// NewTimespanMetric returns a timespan handle from the process-wide client.
func NewTimespanMetric(meta model.CommonMetricData, unit model.TimeUnit) *TimespanMetric {
	return Default().Registry().Timespan(meta, unit)
}

// NewCounterMetric returns a counter handle from the process-wide client.
func NewCounterMetric(meta model.CommonMetricData) *CounterMetric {
	return Default().Registry().Counter(meta)
}

// NewBooleanMetric returns a boolean handle from the process-wide client.
func NewBooleanMetric(meta model.CommonMetricData) *BooleanMetric {
	return Default().Registry().Boolean(meta)
}

// NewStringMetric returns a string handle from the process-wide client.
func NewStringMetric(meta model.CommonMetricData) *StringMetric {
	return Default().Registry().String(meta)
}

// NewPingType returns a ping handle from the process-wide client.
func NewPingType(desc model.PingDescriptor) *PingType {
	return Default().Registry().Ping(desc)
}
