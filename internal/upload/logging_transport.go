package upload

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sipico/telemetry/internal/logging"
)

// LoggingTransport wraps an http.RoundTripper and logs every upload exchange
// at debug level. Sensitive headers are masked and compressed bodies are
// logged by size only.
type LoggingTransport struct {
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// RoundTrip implements http.RoundTripper interface
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	var reqBodyBytes []byte
	if req.Body != nil {
		var err error
		reqBodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		// Restore body for transport
		req.Body = io.NopCloser(bytes.NewReader(reqBodyBytes))
	}

	t.logger().Debug("upload request",
		"method", req.Method,
		"url", req.URL.String(),
		"headers", logging.MaskHeaders(req.Header),
		"body", logging.FormatBinaryData(reqBodyBytes),
	)

	resp, err := t.transport().RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		t.logger().Warn("upload request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	t.logger().Debug("upload response",
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"headers", logging.MaskHeaders(resp.Header),
	)

	return resp, nil
}

// transport returns the underlying transport or DefaultTransport if nil
func (t *LoggingTransport) transport() http.RoundTripper {
	if t.Transport != nil {
		return t.Transport
	}
	return http.DefaultTransport
}

func (t *LoggingTransport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
