// Package mockingest provides a mock telemetry ingestion server for testing.
package mockingest

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sipico/telemetry/internal/middleware"
)

// Ping is one accepted submission.
type Ping struct {
	AppID      string
	Name       string
	Version    string
	DocumentID string
	Headers    http.Header
	Body       []byte
	Payload    map[string]any
	ReceivedAt time.Time
}

// ClientInfo returns the payload's client_info object, or nil.
func (p Ping) ClientInfo() map[string]any {
	m, _ := p.Payload["client_info"].(map[string]any)
	return m
}

// PingInfo returns the payload's ping_info object, or nil.
func (p Ping) PingInfo() map[string]any {
	m, _ := p.Payload["ping_info"].(map[string]any)
	return m
}

// Metrics returns the payload's metrics object, or nil.
func (p Ping) Metrics() map[string]any {
	m, _ := p.Payload["metrics"].(map[string]any)
	return m
}

type injectedError struct {
	status  int
	message string
}

type serverState struct {
	mu       sync.RWMutex
	pings    []Ping
	seen     map[string]bool
	requests int
	failures []injectedError
	notify   chan struct{}
}

// Server is a mock ingestion server for testing.
type Server struct {
	*httptest.Server
	state  *serverState
	router chi.Router
}

// New creates and starts a mock ingestion server. Request and response
// logging is enabled when a logger is given.
func New(logger ...*slog.Logger) *Server {
	s := &Server{
		state: &serverState{
			seen:   make(map[string]bool),
			notify: make(chan struct{}),
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if len(logger) > 0 && logger[0] != nil {
		r.Use(middleware.HTTPLogging(logger[0], "client_id"))
	}

	r.With(middleware.MaxBodySize(middleware.MaxPingSize)).
		Post("/submit/{appID}/{ping}/{version}/{documentID}", s.handleSubmit)

	r.Get("/admin/pings", s.handleAdminPings)
	r.Post("/admin/errors", s.handleAdminErrors)
	r.Delete("/admin/reset", s.handleAdminReset)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router = r
	s.Server = httptest.NewServer(r)
	return s
}

// URL returns the base URL of the server.
func (s *Server) URL() string {
	return s.Server.URL
}

// Handler returns the router for serving outside httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetNextError makes the next count submissions fail with status.
func (s *Server) SetNextError(status int, message string, count int) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	for i := 0; i < count; i++ {
		s.state.failures = append(s.state.failures, injectedError{status: status, message: message})
	}
}

// Pings returns a copy of every accepted submission in arrival order.
func (s *Server) Pings() []Ping {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	out := make([]Ping, len(s.state.pings))
	copy(out, s.state.pings)
	return out
}

// PingsNamed returns accepted submissions of one ping type.
func (s *Server) PingsNamed(name string) []Ping {
	var out []Ping
	for _, p := range s.Pings() {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

// Requests returns the number of submission requests seen, including failed ones.
func (s *Server) Requests() int {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	return s.state.requests
}

// WaitForPings blocks until at least n pings were accepted or timeout
// elapses, and returns what was received.
func (s *Server) WaitForPings(n int, timeout time.Duration) []Ping {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.state.mu.RLock()
		count := len(s.state.pings)
		notify := s.state.notify
		s.state.mu.RUnlock()

		if count >= n {
			return s.Pings()
		}

		select {
		case <-notify:
		case <-deadline.C:
			return s.Pings()
		}
	}
}

// Reset clears received pings and pending injected errors.
func (s *Server) Reset() {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.pings = nil
	s.state.seen = make(map[string]bool)
	s.state.requests = 0
	s.state.failures = nil
}
