package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowd/observability/metrics"
)

// Instrument records per-route request metrics and an access log line. Mount
// it with chi so the matched route pattern is available once the handler
// returns.
func Instrument(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			elapsed := time.Since(start)
			metrics.Gateway().ObserveRequest(route, r.Method, recorder.status, elapsed.Seconds())
			logger.Info("request",
				"component", "gateway",
				"route", route,
				"method", r.Method,
				"status", recorder.status,
				"duration", elapsed.String(),
				"source", ClientAddress(r),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
