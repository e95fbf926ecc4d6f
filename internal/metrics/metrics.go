// Package metrics defines the Prometheus collectors exported by s3gate.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerOnce sync.Once

var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3gate_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3gate_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3gate_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "s3gate_bytes_received_total",
			Help: "Total bytes received (request bodies)",
		},
	)

	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "s3gate_bytes_sent_total",
			Help: "Total bytes sent (response bodies)",
		},
	)

	// RequestsRejectedTotal counts requests refused before dispatch, by reason
	// (auth, rate_limit, backlog).
	RequestsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3gate_requests_rejected_total",
			Help: "Requests rejected before reaching a handler",
		},
		[]string{"reason"},
	)
)

// S3OperationsTotal counts S3 operations by name and outcome.
var S3OperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "s3gate_s3_operations_total",
		Help: "S3 operations by type",
	},
	[]string{"operation", "status"},
)

// Write queue metrics.
var (
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "s3gate_queue_depth",
			Help: "Backend mutations waiting or running in the write queue",
		},
	)

	QueueTaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "s3gate_queue_task_duration_seconds",
			Help:    "Execution time of queued backend mutations",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
	)

	QueueTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3gate_queue_tasks_total",
			Help: "Queued backend mutations by outcome",
		},
		[]string{"outcome"},
	)
)

// Backend session and multipart metrics.
var (
	DirectoryLoadRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "s3gate_directory_load_retries_total",
			Help: "Retried attempts to move the backend cursor",
		},
	)

	MultipartSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "s3gate_multipart_sessions",
			Help: "Active multipart upload sessions",
		},
	)

	MultipartCompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3gate_multipart_completions_total",
			Help: "Multipart completions by outcome",
		},
		[]string{"outcome"},
	)

	MultipartPartBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "s3gate_multipart_part_bytes_total",
			Help: "Bytes written to multipart scratch space",
		},
	)
)

// Register registers all collectors with the default registry. It is safe
// to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			BytesReceivedTotal,
			BytesSentTotal,
			RequestsRejectedTotal,
			S3OperationsTotal,
			QueueDepth,
			QueueTaskDuration,
			QueueTasksTotal,
			DirectoryLoadRetriesTotal,
			MultipartSessions,
			MultipartCompletionsTotal,
			MultipartPartBytesTotal,
		)
		S3OperationsTotal.WithLabelValues("ListBuckets", "200")
	})
}

// NormalizePath maps request paths to low-cardinality label values.
func NormalizePath(path string) string {
	switch path {
	case "/", "":
		return "/"
	case "/health", "/metrics", "/openapi.json", "/openapi.yaml":
		return path
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 || idx == len(trimmed)-1 {
		return "/{bucket}"
	}
	return "/{bucket}/{key}"
}
