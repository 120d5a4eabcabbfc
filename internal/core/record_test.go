package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sipico/telemetry/internal/model"
	"github.com/sipico/telemetry/internal/storage"
)

var spanMeta = model.CommonMetricData{
	Name:        "initialization",
	Category:    "sample",
	SendInPings: []string{"validation", "metrics"},
	Lifetime:    model.LifetimePing,
}

func timespanEvent(op model.Op, at time.Time) model.MetricEvent {
	return model.MetricEvent{Meta: spanMeta, Type: model.Timespan, Op: op, At: at, Unit: model.Nanosecond}
}

func storedValue(t *testing.T, s *State, ping, identity, label, typ string) (json.RawMessage, bool) {
	t.Helper()
	v, err := s.Storage().Get(context.Background(), storage.Key{
		Ping: ping, Identity: identity, Label: label, Type: typ, Lifetime: "ping",
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return v, true
}

func errorCount(t *testing.T, s *State, ping string, errType model.ErrorType, identity string) int64 {
	t.Helper()
	raw, ok := storedValue(t, s, ping, "glean.error."+string(errType), identity, string(model.LabeledCounter))
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		t.Fatalf("decode error count: %v", err)
	}
	return n
}

func TestTimespanStartStop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := time.Now()

	f.state.Apply(ctx, timespanEvent(model.OpStart, now))
	if f.state.RunningTimespans() != 1 {
		t.Fatal("timespan not running after start")
	}
	f.state.Apply(ctx, timespanEvent(model.OpStop, now.Add(1500*time.Nanosecond)))

	for _, ping := range spanMeta.SendInPings {
		raw, ok := storedValue(t, f.state, ping, "sample.initialization", "", "timespan")
		if !ok {
			t.Fatalf("no timespan stored in %s", ping)
		}
		var v timespanValue
		if err := json.Unmarshal(raw, &v); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if v.Value != 1500 || v.TimeUnit != "nanosecond" {
			t.Errorf("%s: got %+v, want 1500 nanosecond", ping, v)
		}
	}
	if f.state.RunningTimespans() != 0 {
		t.Error("timespan still running after stop")
	}
}

func TestTimespanStopWithoutStartCountsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.state.Apply(ctx, timespanEvent(model.OpStop, time.Now()))

	if got := f.recorder.ErrorCount("sample.initialization", "invalid_state"); got != 1 {
		t.Errorf("recorder invalid_state = %v, want 1", got)
	}
	for _, ping := range spanMeta.SendInPings {
		if got := errorCount(t, f.state, ping, model.ErrorInvalidState, "sample.initialization"); got != 1 {
			t.Errorf("%s: stored invalid_state = %d, want 1", ping, got)
		}
	}
	if _, ok := storedValue(t, f.state, "validation", "sample.initialization", "", "timespan"); ok {
		t.Error("unmatched stop must not store a value")
	}
}

func TestTimespanMisuse(t *testing.T) {
	tests := []struct {
		name string
		ops  []model.Op
		errs float64
	}{
		{"double start", []model.Op{model.OpStart, model.OpStart}, 1},
		{"second value", []model.Op{model.OpStart, model.OpStop, model.OpStart, model.OpStop}, 1},
		{"cancel then stop", []model.Op{model.OpStart, model.OpCancel, model.OpStop}, 1},
		{"set raw while running", []model.Op{model.OpStart, model.OpSetRaw}, 1},
		{"clean run", []model.Op{model.OpStart, model.OpStop}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			at := time.Now()
			for _, op := range tt.ops {
				at = at.Add(time.Millisecond)
				ev := timespanEvent(op, at)
				ev.Int = 10
				f.state.Apply(ctx, ev)
			}
			if got := f.recorder.ErrorCount("sample.initialization", "invalid_state"); got != tt.errs {
				t.Errorf("invalid_state = %v, want %v", got, tt.errs)
			}
		})
	}
}

func TestTimespanSetRaw(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ev := timespanEvent(model.OpSetRaw, time.Now())
	ev.Unit = model.Millisecond
	ev.Int = int64(3 * time.Second)
	f.state.Apply(ctx, ev)

	raw, ok := storedValue(t, f.state, "metrics", "sample.initialization", "", "timespan")
	if !ok {
		t.Fatal("raw timespan not stored")
	}
	var v timespanValue
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Value != 3000 || v.TimeUnit != "millisecond" {
		t.Errorf("got %+v, want 3000 millisecond", v)
	}

	neg := timespanEvent(model.OpSetRaw, time.Now())
	neg.Meta.Name = "other"
	neg.Int = -1
	f.state.Apply(ctx, neg)
	if got := f.recorder.ErrorCount("sample.other", "invalid_value"); got != 1 {
		t.Errorf("negative raw value errors = %v, want 1", got)
	}
}

func TestCounterAdd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	meta := model.CommonMetricData{Name: "clicks", Category: "ui", SendInPings: []string{"metrics"}}

	for _, n := range []int64{2, 3, 0, -4} {
		f.state.Apply(ctx, model.MetricEvent{Meta: meta, Type: model.Counter, Op: model.OpAdd, Int: n})
	}

	raw, ok := storedValue(t, f.state, "metrics", "ui.clicks", "", "counter")
	if !ok || string(raw) != "5" {
		t.Errorf("counter = %s (stored %v), want 5", raw, ok)
	}
	if got := f.recorder.ErrorCount("ui.clicks", "invalid_value"); got != 2 {
		t.Errorf("invalid_value = %v, want 2", got)
	}
}

func TestIdentityReusedWithDifferentType(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := time.Now()

	f.state.Apply(ctx, timespanEvent(model.OpStart, now))
	f.state.Apply(ctx, timespanEvent(model.OpStop, now.Add(time.Millisecond)))
	f.state.Apply(ctx, model.MetricEvent{Meta: spanMeta, Type: model.Counter, Op: model.OpAdd, Int: 1})

	raw, ok := storedValue(t, f.state, "metrics", "sample.initialization", "", "timespan")
	if !ok {
		t.Fatal("timespan value missing")
	}
	var v timespanValue
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("stored timespan was overwritten: %s", raw)
	}
	if v.Value != int64(time.Millisecond) {
		t.Errorf("timespan = %d, want %d", v.Value, int64(time.Millisecond))
	}
	if got := errorCount(t, f.state, "metrics", model.ErrorInvalidState, "sample.initialization"); got != 1 {
		t.Errorf("invalid_state = %d, want 1", got)
	}
}

func TestBooleanAndString(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	flag := model.CommonMetricData{Name: "enabled", Category: "feature", SendInPings: []string{"metrics"}}
	f.state.Apply(ctx, model.MetricEvent{Meta: flag, Type: model.Boolean, Op: model.OpSet, Bool: true})
	if raw, _ := storedValue(t, f.state, "metrics", "feature.enabled", "", "boolean"); string(raw) != "true" {
		t.Errorf("boolean = %s, want true", raw)
	}

	name := model.CommonMetricData{Name: "theme", Category: "ui", SendInPings: []string{"metrics"}}
	f.state.Apply(ctx, model.MetricEvent{Meta: name, Type: model.String, Op: model.OpSet, String: "dark"})
	if raw, _ := storedValue(t, f.state, "metrics", "ui.theme", "", "string"); string(raw) != `"dark"` {
		t.Errorf("string = %s, want \"dark\"", raw)
	}

	f.state.Apply(ctx, model.MetricEvent{Meta: name, Type: model.String, Op: model.OpSet, String: strings.Repeat("é", 80)})
	raw, _ := storedValue(t, f.state, "metrics", "ui.theme", "", "string")
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != MaxStringLength {
		t.Errorf("truncated length = %d, want %d", len(got), MaxStringLength)
	}
	if f.recorder.ErrorCount("ui.theme", "invalid_overflow") != 1 {
		t.Error("expected one invalid_overflow error")
	}
}

func TestDisabledMetricIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	meta := model.CommonMetricData{Name: "off", Category: "x", SendInPings: []string{"metrics"}, Disabled: true}

	f.state.Apply(context.Background(), model.MetricEvent{Meta: meta, Type: model.Counter, Op: model.OpAdd, Int: 1})

	if _, ok := storedValue(t, f.state, "metrics", "x.off", "", "counter"); ok {
		t.Error("disabled metric stored a value")
	}
}

func TestRecordOverflow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.state.RecordOverflow(ctx, 7)
	f.state.RecordOverflow(ctx, 0)

	raw, ok := storedValue(t, f.state, "metrics", "glean.error.preinit_tasks_overflow", "", "counter")
	if !ok || string(raw) != "7" {
		t.Errorf("overflow = %s (stored %v), want 7", raw, ok)
	}
}

func TestTruncateUTF8(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "h"},
		{"héllo", 3, "hé"},
	}
	for _, tt := range tests {
		if got := truncateUTF8(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateUTF8(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
