// Package metrics exposes the server's Prometheus collectors and the
// helpers the other packages record through.
package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docvault"

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func histogram(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		Buckets: prometheus.DefBuckets,
	}, labels)
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

var (
	httpRequests = counter("http", "requests_total", "HTTP requests by method, route and status.", "method", "path", "status")
	httpDuration = histogram("http", "request_duration_seconds", "HTTP request latency.", "method", "path")

	// direction is "upload" or "download".
	contentBytes     = counter("content", "bytes_total", "File content bytes transferred.", "direction")
	contentTransfers = counter("content", "transfers_total", "File content transfers by outcome.", "direction", "status")

	treeOps      = counter("tree", "operations_total", "Tree operations by operation and result.", "operation", "result")
	treeDuration = histogram("tree", "operation_duration_seconds", "Tree operation latency.", "operation")
	treeItems    = counter("tree", "items_total", "Items handled by batch tree operations, by outcome.", "operation", "outcome")
	treeDrift    = counter("tree", "physical_inconsistencies_total", "Mismatches found between records and the physical mirror.", "kind")

	authAttempts  = counter("auth", "attempts_total", "Authentication attempts by result.", "result")
	registrations = counter("auth", "registrations_total", "Accounts registered.")

	dbDuration    = histogram("db", "query_duration_seconds", "Metadata store query latency.", "query")
	dbConnections = gauge("db", "connections_open", "Open database connections.")

	sseActive = gauge("sse", "connections_active", "Connected event stream subscribers.")
	sseEvents = counter("sse", "events_total", "Change events published by type.", "type")

	rateLimited = counter("quota", "rate_limit_hits_total", "Requests rejected with 429.")

	storageDuration = histogram("storage", "operation_duration_seconds", "Physical storage operation latency.", "backend", "operation")
	storageOps      = counter("storage", "operations_total", "Physical storage operations by outcome.", "backend", "operation", "status")
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records one served request.
func RecordHTTPRequest(method, path string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordContentDownload records a download of n bytes.
func RecordContentDownload(n int64, ok bool) {
	contentBytes.WithLabelValues("download").Add(float64(n))
	contentTransfers.WithLabelValues("download", outcome(ok)).Inc()
}

// RecordContentUpload records an upload or content replacement of n bytes.
func RecordContentUpload(n int64, ok bool) {
	contentBytes.WithLabelValues("upload").Add(float64(n))
	contentTransfers.WithLabelValues("upload", outcome(ok)).Inc()
}

// RecordTreeOperation records one engine operation and its outcome.
func RecordTreeOperation(op string, d time.Duration, err error) {
	treeOps.WithLabelValues(op, outcome(err == nil)).Inc()
	treeDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordTreeItems records how many items of a batch operation ended with outcome.
func RecordTreeItems(op, outcome string, n int) {
	if n > 0 {
		treeItems.WithLabelValues(op, outcome).Add(float64(n))
	}
}

// RecordPhysicalInconsistency records a physical mirror mismatch.
func RecordPhysicalInconsistency(kind string) {
	treeDrift.WithLabelValues(kind).Inc()
}

func RecordAuthAttempt(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	authAttempts.WithLabelValues(result).Inc()
}

func RecordRegistration() { registrations.WithLabelValues().Inc() }

func RecordDBQuery(query string, d time.Duration) {
	dbDuration.WithLabelValues(query).Observe(d.Seconds())
}

func SetDBConnectionsOpen(n int) { dbConnections.Set(float64(n)) }

func RecordStorageOperation(backend, op string, d time.Duration, ok bool) {
	storageDuration.WithLabelValues(backend, op).Observe(d.Seconds())
	storageOps.WithLabelValues(backend, op, outcome(ok)).Inc()
}

func SetSSEConnectionsActive(n int64) { sseActive.Set(float64(n)) }

func RecordSSEEvent(eventType string) { sseEvents.WithLabelValues(eventType).Inc() }

func RecordRateLimitHit() { rateLimited.WithLabelValues().Inc() }

var idSegment = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// RouteLabel collapses node ids in a request path so label cardinality stays bounded.
func RouteLabel(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if idSegment.MatchString(p) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records request count and latency per route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		RecordHTTPRequest(r.Method, RouteLabel(r.URL.Path), sw.status, time.Since(start))
	})
}
