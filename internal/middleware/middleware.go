package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"spotwatch/internal/logger"
	"spotwatch/internal/metrics"
)

// knownRoutes bounds the endpoint label; anything else is reported as "other".
var knownRoutes = map[string]bool{
	"/evaluate": true,
	"/rules":    true,
	"/health":   true,
	"/stats":    true,
	"/metrics":  true,
}

// statusRecorder wraps http.ResponseWriter to capture status and size
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *statusRecorder) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func endpoint(r *http.Request) string {
	if knownRoutes[r.URL.Path] {
		return r.URL.Path
	}
	return "other"
}

// Logging logs each request and records HTTP metrics. The host's
// X-Request-ID is kept when present so its logs and ours line up; otherwise
// a UUID is assigned and echoed back.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set("X-Request-ID", requestID)
		}
		w.Header().Set("X-Request-ID", requestID)

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		log := logger.WithRequestID(requestID).With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("rule", r.URL.Query().Get("rule")).
			Str("remote_addr", r.RemoteAddr).
			Logger()

		log.Debug().
			Int64("content_length", r.ContentLength).
			Msg("request received")

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		ev := log.Info()
		if rw.status >= http.StatusInternalServerError {
			ev = log.Error()
		} else if rw.status >= http.StatusBadRequest {
			ev = log.Warn()
		}
		ev.Int("status", rw.status).
			Int("response_size", rw.size).
			Dur("duration_ms", duration).
			Msg("request completed")

		route := endpoint(r)
		status := strconv.Itoa(rw.status)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(duration.Seconds())
		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(r.Method, route).Observe(float64(r.ContentLength))
		}
		if rw.size > 0 {
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.size))
		}
	})
}

// Recovery turns a handler panic into a 500 and logs the stack.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Logger.Error().
					Str("request_id", r.Header.Get("X-Request-ID")).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", err).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				metrics.PanicsRecovered.WithLabelValues("http_handler").Inc()
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Chain applies middlewares in order
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
