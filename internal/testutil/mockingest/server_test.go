package mockingest

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func gzipJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(raw) //nolint:errcheck
	zw.Close()    //nolint:errcheck
	return buf.Bytes()
}

func submit(t *testing.T, s *Server, path string, body []byte, gz bool) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL()+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if gz {
		req.Header.Set("Content-Encoding", "gzip")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestNew(t *testing.T) {
	s := New()
	defer s.Close()

	if s.URL() == "" {
		t.Fatal("expected non-empty URL")
	}

	resp, err := http.Get(s.URL() + "/health")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSubmitGzip(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()

	payload := map[string]any{
		"ping_info":   map[string]any{"seq": 0},
		"client_info": map[string]any{"client_id": "abc"},
		"metrics":     map[string]any{"counter": map[string]any{"a.b": 1}},
	}

	status := submit(t, s, "/submit/my-app/metrics/1/doc-1", gzipJSON(t, payload), true)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	pings := s.Pings()
	if len(pings) != 1 {
		t.Fatalf("expected 1 ping, got %d", len(pings))
	}
	p := pings[0]
	if p.AppID != "my-app" || p.Name != "metrics" || p.Version != "1" || p.DocumentID != "doc-1" {
		t.Errorf("unexpected path params: %+v", p)
	}
	if p.ClientInfo()["client_id"] != "abc" {
		t.Errorf("client_info not decoded: %v", p.ClientInfo())
	}
	if p.PingInfo()["seq"] != float64(0) {
		t.Errorf("ping_info not decoded: %v", p.PingInfo())
	}
	if p.Metrics() == nil {
		t.Error("metrics not decoded")
	}
}

func TestSubmitPlainAndInvalid(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()

	if status := submit(t, s, "/submit/app/p/1/d1", []byte(`{"ping_info":{}}`), false); status != http.StatusOK {
		t.Errorf("plain JSON: expected 200, got %d", status)
	}
	if status := submit(t, s, "/submit/app/p/1/d2", []byte(`not json`), false); status != http.StatusBadRequest {
		t.Errorf("invalid JSON: expected 400, got %d", status)
	}
	if status := submit(t, s, "/submit/app/p/1/d3", []byte(`{}`), true); status != http.StatusBadRequest {
		t.Errorf("bad gzip: expected 400, got %d", status)
	}
	if got := len(s.Pings()); got != 1 {
		t.Errorf("expected 1 accepted ping, got %d", got)
	}
	if got := s.Requests(); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
}

func TestSubmitDeduplicatesDocumentID(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()

	body := gzipJSON(t, map[string]any{"ping_info": map[string]any{}})
	for i := 0; i < 3; i++ {
		if status := submit(t, s, "/submit/app/p/1/same", body, true); status != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i, status)
		}
	}
	if got := len(s.Pings()); got != 1 {
		t.Errorf("expected 1 stored ping, got %d", got)
	}
}

func TestSetNextError(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()

	s.SetNextError(http.StatusServiceUnavailable, "Service Unavailable", 2)
	body := gzipJSON(t, map[string]any{})

	for i := 0; i < 2; i++ {
		if status := submit(t, s, "/submit/app/p/1/d", body, true); status != http.StatusServiceUnavailable {
			t.Errorf("attempt %d: expected 503, got %d", i, status)
		}
	}
	if status := submit(t, s, "/submit/app/p/1/d", body, true); status != http.StatusOK {
		t.Errorf("expected 200 after injected errors, got %d", status)
	}
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()

	resp, err := http.Post(s.URL()+"/admin/errors", "application/json", strings.NewReader(`{"status":400,"count":1}`))
	if err != nil {
		t.Fatalf("inject error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	body := gzipJSON(t, map[string]any{"ping_info": map[string]any{}})
	if status := submit(t, s, "/submit/app/p/1/d1", body, true); status != http.StatusBadRequest {
		t.Errorf("expected injected 400, got %d", status)
	}
	submit(t, s, "/submit/app/p/1/d1", body, true)

	resp, err = http.Get(s.URL() + "/admin/pings")
	if err != nil {
		t.Fatalf("list pings: %v", err)
	}
	var summaries []PingSummary
	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(summaries) != 1 || summaries[0].DocumentID != "d1" {
		t.Errorf("unexpected summaries: %+v", summaries)
	}

	req, _ := http.NewRequest(http.MethodDelete, s.URL()+"/admin/reset", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	resp.Body.Close()
	if len(s.Pings()) != 0 {
		t.Error("expected no pings after reset")
	}
}

func TestAdminErrorsRejectsBadStatus(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()

	resp, err := http.Post(s.URL()+"/admin/errors", "application/json", strings.NewReader(`{"status":200}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestWaitForPings(t *testing.T) {
	t.Parallel()
	s := New()
	defer s.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		resp, err := http.Post(s.URL()+"/submit/app/p/1/late", "application/json", strings.NewReader(`{}`))
		if err == nil {
			resp.Body.Close()
		}
	}()

	pings := s.WaitForPings(1, 2*time.Second)
	if len(pings) != 1 {
		t.Fatalf("expected 1 ping, got %d", len(pings))
	}

	if got := s.WaitForPings(5, 10*time.Millisecond); len(got) != 1 {
		t.Errorf("timeout should return current pings, got %d", len(got))
	}
}
