package api

import (
	"bufio"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crewroute/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade pass through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, time.Since(start))
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := routeLabel(r.URL.Path)
		code := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}

// fixed path words; any other segment after the resource name is an ID.
var routeWords = map[string]bool{"complete": true, "reschedule": true, "import": true, "ws": true}

// routeLabel collapses IDs so the path label stays low-cardinality: /v1/jobs/42/complete -> /v1/jobs/:id/complete.
func routeLabel(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case segs[0] != "v1":
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return path
		}
		return "other"
	case len(segs) < 3, segs[1] == "routing", segs[1] == "admin", segs[1] == "events":
		return path
	}
	for i := 2; i < len(segs); i++ {
		if !routeWords[segs[i]] {
			segs[i] = ":id"
		}
	}
	return "/" + strings.Join(segs, "/")
}
