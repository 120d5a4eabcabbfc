package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// Transport wraps an http.RoundTripper and records the latency of every
// upload request by response status code. Transport errors are recorded
// with status "error".
type Transport struct {
	Base     http.RoundTripper
	Recorder *Recorder
}

// RoundTrip implements http.RoundTripper interface
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base().RoundTrip(req)
	duration := time.Since(start).Seconds()

	if err != nil {
		t.Recorder.RecordUploadDuration("error", duration)
		return nil, err
	}

	t.Recorder.RecordUploadDuration(strconv.Itoa(resp.StatusCode), duration)
	return resp, nil
}

// base returns the underlying transport or DefaultTransport if nil
func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
