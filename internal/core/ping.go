package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/sipico/telemetry/internal/logging"
	"github.com/sipico/telemetry/internal/model"
	"github.com/sipico/telemetry/internal/storage"
)

// SDKVersion is reported as telemetry_sdk_build in client_info.
const SDKVersion = "0.1.0"

// DeletionRequestPing is sent when upload gets disabled.
const DeletionRequestPing = "deletion-request"

// PingSchemaVersion is the document version in upload paths.
const PingSchemaVersion = 1

const (
	dateLayout     = "2006-01-02-07:00"
	datetimeLayout = "2006-01-02T15:04:05.000-07:00"
)

// PingInfo is the ping_info section of a payload.
type PingInfo struct {
	Seq       int64  `json:"seq"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Reason    string `json:"reason,omitempty"`
}

// ClientInfo is the client_info section of a payload.
type ClientInfo struct {
	ClientID          string `json:"client_id,omitempty"`
	AppBuild          string `json:"app_build"`
	AppDisplayVersion string `json:"app_display_version"`
	AppChannel        string `json:"app_channel,omitempty"`
	TelemetrySDKBuild string `json:"telemetry_sdk_build"`
	OS                string `json:"os"`
	OSVersion         string `json:"os_version"`
	Architecture      string `json:"architecture"`
	FirstRunDate      string `json:"first_run_date"`
}

// Payload is the JSON document uploaded for one ping.
type Payload struct {
	PingInfo   PingInfo                              `json:"ping_info"`
	ClientInfo ClientInfo                            `json:"client_info"`
	Metrics    map[string]map[string]json.RawMessage `json:"metrics,omitempty"`
}

// SubmitPing assembles the named ping from stored metrics and queues it for
// upload. It reports whether a ping was queued: an empty ping without
// SendIfEmpty is skipped, and nothing is sent while upload is disabled.
func (s *State) SubmitPing(ctx context.Context, req model.PingRequest) (bool, error) {
	ping := req.Ping
	if !s.uploadEnabled {
		s.logger.Info("upload disabled, not submitting ping", "ping", ping.Name)
		return false, nil
	}
	if !ping.AllowsReason(req.Reason) {
		s.logger.Warn("ping submitted with undeclared reason", "ping", ping.Name, "reason", req.Reason)
	}

	rows, err := s.store.Snapshot(ctx, ping.Name)
	if err != nil {
		return false, fmt.Errorf("failed to snapshot ping %s: %w", ping.Name, err)
	}
	if len(rows) == 0 && !ping.SendIfEmpty {
		s.logger.Debug("ping is empty, skipping", "ping", ping.Name)
		return false, nil
	}

	clientID := ""
	if ping.IncludeClientID {
		clientID = s.clientID
	}
	if err := s.enqueue(ctx, ping.Name, req.Reason, clientID, rows); err != nil {
		return false, err
	}

	if err := s.store.ClearPing(ctx, ping.Name); err != nil {
		s.logger.Error("failed to clear ping-lifetime metrics", "ping", ping.Name, "error", err)
	}

	s.recorder.RecordPingSubmitted(ping.Name)
	s.uploader.Trigger()
	return true, nil
}

func (s *State) submitDeletionRequest(ctx context.Context, clientID string) error {
	if err := s.enqueue(ctx, DeletionRequestPing, "", clientID, nil); err != nil {
		return err
	}
	s.recorder.RecordPingSubmitted(DeletionRequestPing)
	s.uploader.Trigger()
	return nil
}

// enqueue builds the payload, advances the ping's sequence number and
// stores the document for the uploader.
func (s *State) enqueue(ctx context.Context, name, reason, clientID string, rows []*storage.Metric) error {
	seq, err := s.store.NextSequence(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to advance sequence for %s: %w", name, err)
	}

	now := time.Now()
	start := s.pingStart(ctx, name)
	if err := s.store.SetState(ctx, statePingStartPref+name, now.Format(time.RFC3339Nano)); err != nil {
		s.logger.Error("failed to store ping start time", "ping", name, "error", err)
	}

	payload := Payload{
		PingInfo: PingInfo{
			Seq:       seq,
			StartTime: start.Format(datetimeLayout),
			EndTime:   now.Format(datetimeLayout),
			Reason:    reason,
		},
		ClientInfo: s.clientInfo(clientID),
	}
	metrics, err := metricsSection(rows)
	if err != nil {
		return fmt.Errorf("failed to build metrics for %s: %w", name, err)
	}
	payload.Metrics = metrics

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode ping %s: %w", name, err)
	}

	if s.cfg.LogPings {
		s.logger.Info("ping assembled", "ping", name, "payload", string(logging.RedactJSONFields(body, "client_id")))
	}

	docID := uuid.New().String()
	pending := &storage.PendingPing{
		DocumentID: docID,
		Ping:       name,
		Path:       fmt.Sprintf("/submit/%s/%s/%d/%s", s.cfg.SanitizedApplicationID(), name, PingSchemaVersion, docID),
		Body:       body,
	}
	if err := s.store.EnqueuePing(ctx, pending); err != nil {
		return fmt.Errorf("failed to queue ping %s: %w", name, err)
	}

	s.logger.Debug("ping queued", "ping", name, "document_id", docID, "seq", seq)
	return nil
}

func (s *State) pingStart(ctx context.Context, name string) time.Time {
	v, err := s.store.GetState(ctx, statePingStartPref+name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("failed to load ping start time", "ping", name, "error", err)
		}
		return s.startedAt
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return s.startedAt
	}
	return t
}

func (s *State) clientInfo(clientID string) ClientInfo {
	build := s.cfg.AppBuild
	if build == "" {
		build = "Unknown"
	}
	display := s.cfg.AppDisplayVersion
	if display == "" {
		display = "Unknown"
	}

	return ClientInfo{
		ClientID:          clientID,
		AppBuild:          build,
		AppDisplayVersion: display,
		AppChannel:        s.cfg.ChannelName,
		TelemetrySDKBuild: SDKVersion,
		OS:                runtime.GOOS,
		OSVersion:         "Unknown",
		Architecture:      runtime.GOARCH,
		FirstRunDate:      s.firstRunDate,
	}
}

// metricsSection groups stored rows as {type: {identity: value}}. Labeled
// rows nest one level deeper: {type: {identity: {label: value}}}.
func metricsSection(rows []*storage.Metric) (map[string]map[string]json.RawMessage, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	out := make(map[string]map[string]json.RawMessage)
	labeled := make(map[string]map[string]map[string]json.RawMessage)

	for _, m := range rows {
		if m.Label != "" {
			byID, ok := labeled[m.Type]
			if !ok {
				byID = make(map[string]map[string]json.RawMessage)
				labeled[m.Type] = byID
			}
			if byID[m.Identity] == nil {
				byID[m.Identity] = make(map[string]json.RawMessage)
			}
			byID[m.Identity][m.Label] = m.Value
			continue
		}

		if out[m.Type] == nil {
			out[m.Type] = make(map[string]json.RawMessage)
		}
		out[m.Type][m.Identity] = m.Value
	}

	for typ, byID := range labeled {
		if out[typ] == nil {
			out[typ] = make(map[string]json.RawMessage)
		}
		for id, byLabel := range byID {
			raw, err := json.Marshal(byLabel)
			if err != nil {
				return nil, err
			}
			out[typ][id] = raw
		}
	}

	return out, nil
}
