package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/SwapGraph-Network/clearing_engine/pkg/logger"
)

type correlationKey struct{}

// CorrelationID returns the request's correlation id, or empty.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// CorrelationMiddleware assigns every request a correlation id, echoes it in
// the response header, and logs the request line.
type CorrelationMiddleware struct {
	log *logger.Logger
}

// NewCorrelationMiddleware creates a new correlation middleware.
func NewCorrelationMiddleware(log *logger.Logger) *CorrelationMiddleware {
	if log == nil {
		log = logger.NewDefault("http")
	}
	return &CorrelationMiddleware{log: log}
}

// Handler returns the correlation middleware handler.
func (m *CorrelationMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-correlation-id")
		if id == "" {
			id = "req_" + uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), correlationKey{}, id)
		w.Header().Set("x-correlation-id", id)

		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))

		m.log.WithFields(map[string]any{
			"correlation_id": id,
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         rw.status,
			"duration_ms":    time.Since(start).Milliseconds(),
		}).Info("request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
