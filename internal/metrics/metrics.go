// Package metrics provides the Prometheus self-diagnostics of the telemetry
// client: recording errors, queue accounting and upload results.
package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const (
	namespace = "telemetry"
	subsystem = "client"
)

// Recorder holds the self-diagnostic collectors of one client.
// All methods are safe on a nil *Recorder.
type Recorder struct {
	errorsTotal      *prometheus.CounterVec
	tasksEnqueued    *prometheus.CounterVec
	tasksApplied     *prometheus.CounterVec
	tasksDropped     *prometheus.CounterVec
	tasksDiscarded   *prometheus.CounterVec
	taskPanics       prometheus.Counter
	queueDepth       prometheus.Gauge
	initDuration     prometheus.Histogram
	initFailures     prometheus.Counter
	pingsSubmitted   *prometheus.CounterVec
	pingsUploaded    *prometheus.CounterVec
	uploadDuration   *prometheus.HistogramVec
	lifecycleChanges *prometheus.CounterVec
}

// New creates a Recorder and registers its collectors with reg.
// Collectors already registered by another Recorder on the same registry are
// shared rather than rejected.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{}
	var err error

	// Recording errors by metric identity and error type
	if r.errorsTotal, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Total number of metric recording and lifecycle misuse errors",
	}, []string{"metric", "error_type"}); err != nil {
		return nil, err
	}

	if r.tasksEnqueued, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "tasks_enqueued_total",
		Help: "Total number of tasks accepted by the dispatch queue",
	}, []string{"kind"}); err != nil {
		return nil, err
	}

	if r.tasksApplied, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "tasks_applied_total",
		Help: "Total number of tasks applied against client state",
	}, []string{"kind"}); err != nil {
		return nil, err
	}

	// Dropped tasks: queue overflow or enqueued after shutdown
	if r.tasksDropped, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "tasks_dropped_total",
		Help: "Total number of tasks dropped before being applied",
	}, []string{"reason"}); err != nil {
		return nil, err
	}

	// Discarded tasks: drained as no-ops because initialization failed
	if r.tasksDiscarded, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "tasks_discarded_total",
		Help: "Total number of tasks drained as no-ops after failed initialization",
	}, []string{"kind"}); err != nil {
		return nil, err
	}

	if r.taskPanics, err = registerCounter(reg, prometheus.CounterOpts{
		Name: "task_panics_total",
		Help: "Total number of panics recovered while applying tasks",
	}); err != nil {
		return nil, err
	}

	if r.queueDepth, err = registerGauge(reg, prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Number of tasks currently waiting in the dispatch queue",
	}); err != nil {
		return nil, err
	}

	if r.initDuration, err = registerHistogram(reg, prometheus.HistogramOpts{
		Name:    "init_duration_seconds",
		Help:    "Time spent building client state during initialization",
		Buckets: prometheus.DefBuckets,
	}); err != nil {
		return nil, err
	}

	if r.initFailures, err = registerCounter(reg, prometheus.CounterOpts{
		Name: "init_failures_total",
		Help: "Total number of failed initializations",
	}); err != nil {
		return nil, err
	}

	if r.pingsSubmitted, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "pings_submitted_total",
		Help: "Total number of pings assembled and queued for upload",
	}, []string{"ping"}); err != nil {
		return nil, err
	}

	if r.pingsUploaded, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "pings_uploaded_total",
		Help: "Total number of ping upload attempts by result",
	}, []string{"ping", "result"}); err != nil {
		return nil, err
	}

	if r.uploadDuration, err = registerHistogramVec(reg, prometheus.HistogramOpts{
		Name:    "upload_duration_seconds",
		Help:    "Ping upload request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"}); err != nil {
		return nil, err
	}

	if r.lifecycleChanges, err = registerCounterVec(reg, prometheus.CounterOpts{
		Name: "lifecycle_transitions_total",
		Help: "Total number of lifecycle state transitions by target state",
	}, []string{"state"}); err != nil {
		return nil, err
	}

	return r, nil
}

// RecordError counts a recording or misuse error against a metric identity.
func (r *Recorder) RecordError(metric, errorType string) {
	if r == nil {
		return
	}
	r.errorsTotal.WithLabelValues(metric, errorType).Inc()
}

// RecordEnqueued counts a task accepted by the queue.
func (r *Recorder) RecordEnqueued(kind string) {
	if r == nil {
		return
	}
	r.tasksEnqueued.WithLabelValues(kind).Inc()
}

// RecordApplied counts a task applied against client state.
func (r *Recorder) RecordApplied(kind string) {
	if r == nil {
		return
	}
	r.tasksApplied.WithLabelValues(kind).Inc()
}

// RecordDropped counts a task dropped without being applied.
// Common reasons: "overflow", "shutdown", "closed"
func (r *Recorder) RecordDropped(reason string) {
	if r == nil {
		return
	}
	r.tasksDropped.WithLabelValues(reason).Inc()
}

// RecordDiscarded counts a task drained as a no-op after failed initialization.
func (r *Recorder) RecordDiscarded(kind string) {
	if r == nil {
		return
	}
	r.tasksDiscarded.WithLabelValues(kind).Inc()
}

// RecordPanic counts a recovered task panic.
func (r *Recorder) RecordPanic() {
	if r == nil {
		return
	}
	r.taskPanics.Inc()
}

// SetQueueDepth reports the current queue length.
func (r *Recorder) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

// RecordInit records the outcome of an initialization attempt.
func (r *Recorder) RecordInit(durationSeconds float64, failed bool) {
	if r == nil {
		return
	}
	r.initDuration.Observe(durationSeconds)
	if failed {
		r.initFailures.Inc()
	}
}

// RecordPingSubmitted counts a ping assembled for upload.
func (r *Recorder) RecordPingSubmitted(ping string) {
	if r == nil {
		return
	}
	r.pingsSubmitted.WithLabelValues(ping).Inc()
}

// RecordPingUpload counts an upload attempt.
// Results: "success", "recoverable", "unrecoverable", "abandoned"
func (r *Recorder) RecordPingUpload(ping, result string) {
	if r == nil {
		return
	}
	r.pingsUploaded.WithLabelValues(ping, result).Inc()
}

// RecordUploadDuration records the latency of one upload request.
func (r *Recorder) RecordUploadDuration(status string, durationSeconds float64) {
	if r == nil {
		return
	}
	r.uploadDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordTransition counts a lifecycle transition into state.
func (r *Recorder) RecordTransition(state string) {
	if r == nil {
		return
	}
	r.lifecycleChanges.WithLabelValues(state).Inc()
}

// Handler returns an HTTP handler for Prometheus metrics in text format
// gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// GetMetricsText returns the Prometheus text-format output from a registry.
// This is useful for testing and debugging.
func GetMetricsText(reg prometheus.Gatherer) (string, error) {
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	body, err := io.ReadAll(w.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read metrics output: %w", err)
	}

	return string(body), nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	opts.Namespace, opts.Subsystem = namespace, subsystem
	vec := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to register %s: %w", opts.Name, err)
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, opts prometheus.CounterOpts) (prometheus.Counter, error) {
	opts.Namespace, opts.Subsystem = namespace, subsystem
	c := prometheus.NewCounter(opts)
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to register %s: %w", opts.Name, err)
	}
	return c, nil
}

func registerGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) (prometheus.Gauge, error) {
	opts.Namespace, opts.Subsystem = namespace, subsystem
	g := prometheus.NewGauge(opts)
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to register %s: %w", opts.Name, err)
	}
	return g, nil
}

func registerHistogram(reg prometheus.Registerer, opts prometheus.HistogramOpts) (prometheus.Histogram, error) {
	opts.Namespace, opts.Subsystem = namespace, subsystem
	h := prometheus.NewHistogram(opts)
	if err := reg.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to register %s: %w", opts.Name, err)
	}
	return h, nil
}

func registerHistogramVec(reg prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) (*prometheus.HistogramVec, error) {
	opts.Namespace, opts.Subsystem = namespace, subsystem
	vec := prometheus.NewHistogramVec(opts, labels)
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to register %s: %w", opts.Name, err)
	}
	return vec, nil
}

// ErrorCount returns the number of errors recorded for metric and errorType.
func (r *Recorder) ErrorCount(metric, errorType string) float64 {
	if r == nil {
		return 0
	}
	return counterValue(r.errorsTotal.WithLabelValues(metric, errorType))
}

// DroppedCount returns the number of tasks dropped for reason.
func (r *Recorder) DroppedCount(reason string) float64 {
	if r == nil {
		return 0
	}
	return counterValue(r.tasksDropped.WithLabelValues(reason))
}

// DiscardedCount returns the number of tasks of kind drained after failed init.
func (r *Recorder) DiscardedCount(kind string) float64 {
	if r == nil {
		return 0
	}
	return counterValue(r.tasksDiscarded.WithLabelValues(kind))
}

// AppliedCount returns the number of tasks of kind applied against state.
func (r *Recorder) AppliedCount(kind string) float64 {
	if r == nil {
		return 0
	}
	return counterValue(r.tasksApplied.WithLabelValues(kind))
}

// UploadCount returns the number of upload attempts of ping with result.
func (r *Recorder) UploadCount(ping, result string) float64 {
	if r == nil {
		return 0
	}
	return counterValue(r.pingsUploaded.WithLabelValues(ping, result))
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
