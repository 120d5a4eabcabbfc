package mockingest

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// ErrorResponse is the JSON body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleSubmit handles POST /submit/{appID}/{ping}/{version}/{documentID}
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.state.mu.Lock()
	s.state.requests++
	var injected *injectedError
	if len(s.state.failures) > 0 {
		injected = &s.state.failures[0]
		s.state.failures = s.state.failures[1:]
	}
	s.state.mu.Unlock()

	if injected != nil {
		writeError(w, injected.status, "injected", injected.message)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "ping body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "read_failed", err.Error())
		return
	}

	body := raw
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_gzip", err.Error())
			return
		}
		body, err = io.ReadAll(zr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_gzip", err.Error())
			return
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}

	ping := Ping{
		AppID:      chi.URLParam(r, "appID"),
		Name:       chi.URLParam(r, "ping"),
		Version:    chi.URLParam(r, "version"),
		DocumentID: chi.URLParam(r, "documentID"),
		Headers:    r.Header.Clone(),
		Body:       body,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	s.state.mu.Lock()
	// Resubmissions of a document are acknowledged but stored once.
	if !s.state.seen[ping.DocumentID] {
		s.state.seen[ping.DocumentID] = true
		s.state.pings = append(s.state.pings, ping)
		close(s.state.notify)
		s.state.notify = make(chan struct{})
	}
	s.state.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// PingSummary is the admin view of an accepted ping.
type PingSummary struct {
	AppID      string         `json:"app_id"`
	Name       string         `json:"ping"`
	DocumentID string         `json:"document_id"`
	Payload    map[string]any `json:"payload"`
}

// handleAdminPings handles GET /admin/pings
func (s *Server) handleAdminPings(w http.ResponseWriter, _ *http.Request) {
	pings := s.Pings()
	out := make([]PingSummary, 0, len(pings))
	for _, p := range pings {
		out = append(out, PingSummary{
			AppID:      p.AppID,
			Name:       p.Name,
			DocumentID: p.DocumentID,
			Payload:    p.Payload,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// InjectErrorRequest is the request body for POST /admin/errors
type InjectErrorRequest struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// handleAdminErrors handles POST /admin/errors
func (s *Server) handleAdminErrors(w http.ResponseWriter, r *http.Request) {
	var req InjectErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}
	if req.Status < 400 || req.Status > 599 {
		writeError(w, http.StatusBadRequest, "invalid_status", "status must be 4xx or 5xx")
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	s.SetNextError(req.Status, req.Message, req.Count)
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminReset handles DELETE /admin/reset
func (s *Server) handleAdminReset(w http.ResponseWriter, _ *http.Request) {
	s.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	//nolint:errcheck
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, key, message string) {
	writeJSON(w, status, ErrorResponse{Error: key, Message: message})
}
