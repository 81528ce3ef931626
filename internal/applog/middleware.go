package applog

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type requestIDCtxKey struct{}

// WithRequestID stamps every request with a uuid-based request id, stored in
// the context and echoed on the X-Request-ID response header. Generalizes
// a prior timestamp+counter request-id scheme to a collision-proof id.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDCtxKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID retrieves the id stashed by WithRequestID, or "" if absent.
func RequestID(r *http.Request) string {
	if v, ok := r.Context().Value(requestIDCtxKey{}).(string); ok {
		return v
	}
	return ""
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *loggingResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WithRequestLogging logs method/path/status/elapsed for every request that
// passes through it, mirroring a prior WithRequestLogging middleware.
func WithRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)
		LogProxyRequest(RequestID(r), r.Method, r.URL.Path, "", "", lrw.status, float64(time.Since(start).Microseconds())/1000.0)
	})
}
