package upload

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sipico/telemetry/internal/metrics"
	"github.com/sipico/telemetry/internal/storage"
	"github.com/sipico/telemetry/internal/testutil/mockingest"
)

func newUploaderFixture(t *testing.T, maxAttempts int) (*Uploader, *storage.SQLiteStorage, *mockingest.Server, *metrics.Recorder) {
	t.Helper()

	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	server := mockingest.New()
	t.Cleanup(server.Close)

	rec, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}

	u := NewUploader(NewClient(server.URL()), store, Options{
		MaxAttempts: maxAttempts,
		Timeout:     time.Second,
		Backoff:     []time.Duration{5 * time.Millisecond},
		Recorder:    rec,
	})
	return u, store, server, rec
}

func enqueue(t *testing.T, store *storage.SQLiteStorage, docID string) {
	t.Helper()
	err := store.EnqueuePing(context.Background(), &storage.PendingPing{
		DocumentID: docID,
		Ping:       "metrics",
		Path:       "/submit/app/metrics/1/" + docID,
		Body:       []byte(`{"ping_info":{"seq":0}}`),
	})
	if err != nil {
		t.Fatalf("EnqueuePing: %v", err)
	}
}

func pendingCount(t *testing.T, store *storage.SQLiteStorage) int {
	t.Helper()
	pings, err := store.ListPendingPings(context.Background())
	if err != nil {
		t.Fatalf("ListPendingPings: %v", err)
	}
	return len(pings)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func stopUploader(t *testing.T, u *Uploader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := u.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestUploaderDeliversInOrder(t *testing.T) {
	u, store, server, rec := newUploaderFixture(t, 3)
	enqueue(t, store, "doc-1")
	enqueue(t, store, "doc-2")

	u.Start()
	u.Trigger()

	pings := server.WaitForPings(2, 3*time.Second)
	stopUploader(t, u)

	if len(pings) != 2 {
		t.Fatalf("expected 2 pings, got %d", len(pings))
	}
	if pings[0].DocumentID != "doc-1" || pings[1].DocumentID != "doc-2" {
		t.Errorf("unexpected order: %s, %s", pings[0].DocumentID, pings[1].DocumentID)
	}
	if n := pendingCount(t, store); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
	if got := rec.UploadCount("metrics", "success"); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
}

func TestUploaderRetriesRecoverable(t *testing.T) {
	u, store, server, rec := newUploaderFixture(t, 5)
	server.SetNextError(http.StatusServiceUnavailable, "down", 2)
	enqueue(t, store, "doc-1")

	u.Start()
	u.Trigger()

	pings := server.WaitForPings(1, 3*time.Second)
	stopUploader(t, u)

	if len(pings) != 1 {
		t.Fatalf("expected ping after retries, got %d", len(pings))
	}
	if got := server.Requests(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	if got := rec.UploadCount("metrics", "recoverable"); got != 2 {
		t.Errorf("recoverable count = %v, want 2", got)
	}
}

func TestUploaderDropsUnrecoverable(t *testing.T) {
	u, store, server, rec := newUploaderFixture(t, 3)
	server.SetNextError(http.StatusBadRequest, "bad", 1)
	enqueue(t, store, "doc-1")

	u.Start()
	u.Trigger()

	waitFor(t, func() bool { return rec.UploadCount("metrics", "unrecoverable") == 1 })
	stopUploader(t, u)

	if n := pendingCount(t, store); n != 0 {
		t.Errorf("rejected ping should be deleted, %d pending", n)
	}
	if len(server.Pings()) != 0 {
		t.Error("rejected ping should not be stored by the server")
	}
}

func TestUploaderAbandonsAfterMaxAttempts(t *testing.T) {
	u, store, server, rec := newUploaderFixture(t, 2)
	server.SetNextError(http.StatusInternalServerError, "boom", 10)
	enqueue(t, store, "doc-1")

	u.Start()
	u.Trigger()

	waitFor(t, func() bool { return rec.UploadCount("metrics", "abandoned") == 1 })
	stopUploader(t, u)

	if n := pendingCount(t, store); n != 0 {
		t.Errorf("abandoned ping should be deleted, %d pending", n)
	}
	if got := server.Requests(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestUploaderStopRunsFinalPass(t *testing.T) {
	u, store, server, _ := newUploaderFixture(t, 3)
	u.Start()
	enqueue(t, store, "doc-final")

	stopUploader(t, u)

	if len(server.PingsNamed("metrics")) != 1 {
		t.Error("final pass should upload queued pings")
	}
	select {
	case <-u.Done():
	default:
		t.Error("Done should be closed after Stop")
	}
}

func TestUploaderStopWithoutStart(t *testing.T) {
	u, _, _, _ := newUploaderFixture(t, 3)
	stopUploader(t, u)
	stopUploader(t, u)
}

func TestUploaderStopHonorsDeadline(t *testing.T) {
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer store.Close()

	release := make(chan struct{})
	blocking := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		select {
		case <-release:
		case <-req.Context().Done():
		}
		return nil, req.Context().Err()
	})
	defer close(release)

	u := NewUploader(NewClient("http://ingest.test", WithHTTPClient(&http.Client{Transport: blocking})), store, Options{Timeout: time.Minute})
	enqueue(t, store, "doc-slow")
	u.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := u.Stop(ctx); err == nil {
		t.Error("expected deadline error while final pass is blocked")
	}
}

func TestUploaderStopAbortsInFlightUpload(t *testing.T) {
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer store.Close()

	inFlight := make(chan struct{}, 1)
	aborted := make(chan struct{}, 1)
	blocking := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		select {
		case inFlight <- struct{}{}:
		default:
		}
		<-req.Context().Done()
		select {
		case aborted <- struct{}{}:
		default:
		}
		return nil, req.Context().Err()
	})

	u := NewUploader(NewClient("http://ingest.test", WithHTTPClient(&http.Client{Transport: blocking})), store, Options{Timeout: time.Minute})
	enqueue(t, store, "doc-slow")
	u.Start()
	u.Trigger()

	select {
	case <-inFlight:
	case <-time.After(3 * time.Second):
		t.Fatal("upload never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := u.Stop(ctx); err == nil {
		t.Fatal("expected deadline error while an upload is in flight")
	}

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("in-flight request was not cancelled")
	}
	select {
	case <-u.Done():
	case <-time.After(time.Second):
		t.Fatal("upload goroutine still running after Stop gave up")
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 3 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(DefaultBackoff, tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
	if got := Backoff(nil, 1); got != 0 {
		t.Errorf("empty schedule = %v, want 0", got)
	}
}
