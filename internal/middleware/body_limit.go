package middleware

import "net/http"

// MaxPingSize is the largest compressed ping body the ingestion server accepts.
const MaxPingSize = 1 << 20

// MaxBodySize caps the request body at maxBytes. Reads past the limit fail
// and the handler is expected to answer 413.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
