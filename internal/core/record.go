package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/sipico/telemetry/internal/model"
	"github.com/sipico/telemetry/internal/storage"
)

// MaxStringLength is the longest string metric value stored, in bytes.
const MaxStringLength = 100

// OverflowMetric counts data tasks dropped by the dispatch queue before they
// could be applied.
var OverflowMetric = model.CommonMetricData{
	Name:        "preinit_tasks_overflow",
	Category:    "glean.error",
	SendInPings: []string{"metrics"},
	Lifetime:    model.LifetimePing,
}

type timespanValue struct {
	Value    int64  `json:"value"`
	TimeUnit string `json:"time_unit"`
}

// Apply records one metric event. Misuse is reported as an error metric,
// never returned.
func (s *State) Apply(ctx context.Context, ev model.MetricEvent) {
	if ev.Meta.Disabled || !s.uploadEnabled {
		return
	}
	if len(ev.Meta.SendInPings) == 0 {
		s.logger.Debug("metric has no destination pings", "metric", ev.Meta.Identity())
		return
	}
	if s.typeConflict(ev) {
		s.RecordError(ctx, ev.Meta, model.ErrorInvalidState)
		return
	}

	switch ev.Type {
	case model.Timespan:
		s.applyTimespan(ctx, ev)
	case model.Counter:
		s.applyCounter(ctx, ev)
	case model.Boolean:
		s.setAll(ctx, ev.Meta, ev.Type, ev.Bool)
	case model.String:
		s.applyString(ctx, ev)
	default:
		s.logger.Warn("unsupported metric type", "metric", ev.Meta.Identity(), "type", ev.Type)
	}
}

// typeConflict reports whether ev's identity was already recorded as a
// different metric type. Identities share storage rows regardless of type.
func (s *State) typeConflict(ev model.MetricEvent) bool {
	id := ev.Meta.Identity()
	typ, seen := s.metricTypes[id]
	if !seen {
		s.metricTypes[id] = ev.Type
		return false
	}
	if typ == ev.Type {
		return false
	}
	s.logger.Warn("metric identity reused with a different type",
		"metric", id, "type", ev.Type, "registered_type", typ)
	return true
}

func (s *State) applyTimespan(ctx context.Context, ev model.MetricEvent) {
	id := ev.Meta.Identity()

	switch ev.Op {
	case model.OpStart:
		if _, running := s.timespans[id]; running {
			s.RecordError(ctx, ev.Meta, model.ErrorInvalidState)
			return
		}
		s.timespans[id] = ev.At

	case model.OpStop:
		start, running := s.timespans[id]
		if !running {
			s.RecordError(ctx, ev.Meta, model.ErrorInvalidState)
			return
		}
		delete(s.timespans, id)
		s.storeTimespan(ctx, ev, ev.Unit.Convert(ev.At.Sub(start)))

	case model.OpCancel:
		delete(s.timespans, id)

	case model.OpSetRaw:
		if _, running := s.timespans[id]; running {
			s.RecordError(ctx, ev.Meta, model.ErrorInvalidState)
			return
		}
		if ev.Int < 0 {
			s.RecordError(ctx, ev.Meta, model.ErrorInvalidValue)
			return
		}
		s.storeTimespan(ctx, ev, ev.Unit.Convert(time.Duration(ev.Int)))

	default:
		s.logger.Warn("unsupported timespan operation", "metric", id, "op", ev.Op)
	}
}

// storeTimespan keeps the first recorded value; a second one is an error.
func (s *State) storeTimespan(ctx context.Context, ev model.MetricEvent, value int64) {
	if value < 0 {
		s.RecordError(ctx, ev.Meta, model.ErrorInvalidValue)
		return
	}

	existing, err := s.store.Get(ctx, s.key(ev.Meta, ev.Type, ev.Meta.SendInPings[0], ""))
	switch {
	case err == nil && existing != nil:
		s.RecordError(ctx, ev.Meta, model.ErrorInvalidState)
		return
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		s.logger.Error("failed to read timespan", "metric", ev.Meta.Identity(), "error", err)
		return
	}

	s.setAll(ctx, ev.Meta, ev.Type, timespanValue{Value: value, TimeUnit: ev.Unit.String()})
}

func (s *State) applyCounter(ctx context.Context, ev model.MetricEvent) {
	if ev.Int <= 0 {
		s.RecordError(ctx, ev.Meta, model.ErrorInvalidValue)
		return
	}
	for _, ping := range ev.Meta.SendInPings {
		if _, err := s.store.AddInt(ctx, s.key(ev.Meta, ev.Type, ping, ""), ev.Int); err != nil {
			s.logger.Error("failed to add to counter", "metric", ev.Meta.Identity(), "ping", ping, "error", err)
		}
	}
}

func (s *State) applyString(ctx context.Context, ev model.MetricEvent) {
	v := ev.String
	if len(v) > MaxStringLength {
		v = truncateUTF8(v, MaxStringLength)
		s.RecordError(ctx, ev.Meta, model.ErrorInvalidOverflow)
	}
	s.setAll(ctx, ev.Meta, ev.Type, v)
}

func (s *State) setAll(ctx context.Context, meta model.CommonMetricData, typ model.MetricType, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode metric value", "metric", meta.Identity(), "error", err)
		return
	}
	for _, ping := range meta.SendInPings {
		if err := s.store.Set(ctx, s.key(meta, typ, ping, ""), raw); err != nil {
			s.logger.Error("failed to store metric", "metric", meta.Identity(), "ping", ping, "error", err)
		}
	}
}

func (s *State) key(meta model.CommonMetricData, typ model.MetricType, ping, label string) storage.Key {
	return storage.Key{
		Ping:     ping,
		Identity: meta.Identity(),
		Label:    label,
		Type:     string(typ),
		Lifetime: meta.Lifetime.String(),
	}
}

// RecordError counts one recording error against meta, both in the
// Prometheus recorder and in the glean.error.<type> labeled counter sent in
// the metric's pings.
func (s *State) RecordError(ctx context.Context, meta model.CommonMetricData, errType model.ErrorType) {
	s.recorder.RecordError(meta.Identity(), string(errType))
	s.logger.Debug("metric recording error", "metric", meta.Identity(), "error_type", errType)

	if !s.uploadEnabled {
		return
	}

	errMeta := model.ErrorMetric(errType, meta.SendInPings)
	for _, ping := range errMeta.SendInPings {
		k := s.key(errMeta, model.LabeledCounter, ping, meta.Identity())
		if _, err := s.store.AddInt(ctx, k, 1); err != nil {
			s.logger.Error("failed to record error metric", "metric", meta.Identity(), "error", err)
		}
	}
}

// RecordOverflow stores the number of data tasks the dispatch queue dropped.
func (s *State) RecordOverflow(ctx context.Context, dropped int64) {
	if dropped <= 0 || !s.uploadEnabled {
		return
	}
	for _, ping := range OverflowMetric.SendInPings {
		if _, err := s.store.AddInt(ctx, s.key(OverflowMetric, model.Counter, ping, ""), dropped); err != nil {
			s.logger.Error("failed to record overflow", "error", err)
		}
	}
}

// RunningTimespans returns the number of started, unstopped timespans.
func (s *State) RunningTimespans() int {
	return len(s.timespans)
}

func truncateUTF8(v string, n int) string {
	if len(v) <= n {
		return v
	}
	for n > 0 && !utf8.RuneStart(v[n]) {
		n--
	}
	return v[:n]
}
