package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/handlers"
)

// withMiddleware wraps the router with the full middleware chain
func (s *Server) withMiddleware(handler http.Handler) http.Handler {
	// Apply middleware in reverse order (last applied = first executed)
	handler = s.payloadLimitMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.securityHeadersMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	return handler
}

// withConditionalMiddleware applies the full chain but keeps WebSocket
// upgrades out of the request logging and body limiting, which interfere
// with hijacked connections.
func (s *Server) withConditionalMiddleware(handler http.Handler) http.Handler {
	full := s.withMiddleware(handler)
	ws := s.recoveryMiddleware(s.securityHeadersMiddleware(handler))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			ws.ServeHTTP(w, r)
			return
		}
		full.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs every request with a correlation id and records it
// in the metrics service under a normalized route label.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		correlationID := r.Header.Get("X-Request-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", correlationID)

		logEvent := s.app.Logger.Debug().
			Str("correlation_id", correlationID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr)
		if r.URL.RawQuery != "" {
			logEvent.Str("query", r.URL.RawQuery)
		}
		logEvent.Msg("HTTP request")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		completed := s.app.Logger.Info()
		if rw.statusCode >= 400 {
			completed = s.app.Logger.Warn()
		}
		completed.
			Str("correlation_id", correlationID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Dur("duration", duration).
			Msg("HTTP response")

		s.app.MetricsService.ObserveHTTPRequest(r.Method, routePattern(r.URL.Path), rw.statusCode, duration)
	})
}

// securityHeadersMiddleware stamps the security headers onto every response.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}

// corsMiddleware applies the configured origin policy and answers preflight
// requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool)
	for _, origin := range s.app.Config.Server.CORSOrigins {
		if origin == "*" {
			allowAll = true
			continue
		}
		allowed[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// payloadLimitMiddleware caps request body size. Reads past the cap fail
// inside the handler's JSON decode.
func (s *Server) payloadLimitMiddleware(next http.Handler) http.Handler {
	maxBytes := s.app.Config.Server.MaxPayloadBytes
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from handler panics and answers with the
// uniform JSON error body.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.app.Logger.Error().
					Str("error", fmt.Sprintf("%v", err)).
					Str("path", r.URL.Path).
					Msg("Panic recovered")

				handlers.WriteError(w, common.NewError(common.KindInternal, "internal error"))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// exactRoutes are the fixed paths the router serves; anything else outside
// the id-bearing prefixes collapses into one metrics label.
var exactRoutes = map[string]bool{
	"/process":            true,
	"/jobs":               true,
	"/health":             true,
	"/health/detailed":    true,
	"/health/ready":       true,
	"/health/live":        true,
	"/metrics":            true,
	"/metrics/prometheus": true,
	"/metrics/history":    true,
	"/ws":                 true,
}

// routePattern normalizes a request path to a bounded set of metric labels,
// so job ids never explode label cardinality.
func routePattern(path string) string {
	switch {
	case strings.HasPrefix(path, "/status/"):
		return "/status/{id}"
	case strings.HasPrefix(path, "/video/"):
		return "/video/{id}"
	case strings.HasPrefix(path, "/stream/"):
		return "/stream/{id}"
	case strings.HasPrefix(path, "/jobs/"):
		return "/jobs/{id}"
	case exactRoutes[path]:
		return path
	default:
		return "other"
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack implements http.Hijacker interface for WebSocket support
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("responseWriter does not implement http.Hijacker")
}
