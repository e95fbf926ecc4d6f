package server

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/s3gate/s3gate/internal/auth"
	s3err "github.com/s3gate/s3gate/internal/errors"
	"github.com/s3gate/s3gate/internal/metrics"
	"github.com/s3gate/s3gate/internal/queue"
	"github.com/s3gate/s3gate/internal/uid"
	"github.com/s3gate/s3gate/internal/xmlutil"
)

// recoverer turns a handler panic into a 500 InternalError response.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}
			slog.Error("Handler panic",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rv,
				"stack", string(debug.Stack()),
			)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		}()
		next.ServeHTTP(w, r)
	})
}

// commonHeaders is HTTP middleware that injects common S3 response headers
// on every response: x-amz-request-id, x-amz-id-2, Date, and Server.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uid.RequestID()
		w.Header().Set("x-amz-request-id", requestID)
		w.Header().Set("x-amz-id-2", requestID)
		w.Header().Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		w.Header().Set("Server", "s3gate")
		next.ServeHTTP(w, r)
	})
}

// cors answers preflight requests and allows any origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD")
		h.Set("Access-Control-Allow-Headers", "*")
		h.Set("Access-Control-Expose-Headers", "ETag, x-amz-request-id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// throttle sheds load with SlowDown. A nil limiter disables rate limiting;
// maxBacklog <= 0 disables the write queue guard.
func throttle(limiter *rate.Limiter, q *queue.Queue, maxBacklog int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.IsSystemRequest(r) {
				next.ServeHTTP(w, r)
				return
			}
			if limiter != nil && !limiter.Allow() {
				metrics.RequestsRejectedTotal.WithLabelValues("rate_limit").Inc()
				xmlutil.WriteErrorResponse(w, r, s3err.ErrSlowDown)
				return
			}
			if maxBacklog > 0 && isMutation(r.Method) && q.Len() >= maxBacklog {
				metrics.RequestsRejectedTotal.WithLabelValues("backlog").Inc()
				slog.Warn("Write queue backlog full", "depth", q.Len(), "max", maxBacklog)
				xmlutil.WriteErrorResponse(w, r, s3err.ErrSlowDown)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPut, http.MethodPost, http.MethodDelete:
		return true
	}
	return false
}

// bodyLimit rejects declared bodies larger than max and caps the rest.
// A max <= 0 disables the check.
func bodyLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if max <= 0 || r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			declared := r.ContentLength
			if v := r.Header.Get("x-amz-decoded-content-length"); v != "" {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					declared = n
				}
			}
			if declared > max {
				metrics.RequestsRejectedTotal.WithLabelValues("too_large").Inc()
				xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
				return
			}
			// aws-chunked framing adds overhead on top of the decoded size.
			limit := max
			if r.ContentLength > max {
				limit = r.ContentLength
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// responseRecorder wraps http.ResponseWriter to capture the HTTP status code
// and the number of bytes written.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

// Flush implements the http.Flusher interface if the underlying ResponseWriter supports it.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metricsMiddleware records request count, duration and byte counters.
// The /metrics endpoint is excluded from self-instrumentation.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &responseRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		path := metrics.NormalizePath(r.URL.Path)
		status := strconv.Itoa(rec.statusCode)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())

		if r.ContentLength > 0 {
			metrics.BytesReceivedTotal.Add(float64(r.ContentLength))
		}
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rec.bytesWritten))
			metrics.BytesSentTotal.Add(float64(rec.bytesWritten))
		}
	})
}

// transferEncodingCheck rejects requests with a Transfer-Encoding other than
// chunked (e.g. "identity"), which S3 does not support.
func transferEncodingCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if te := r.Header.Get("Transfer-Encoding"); te != "" {
			if strings.ToLower(strings.TrimSpace(te)) != "chunked" {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest)
				return
			}
		}
		// net/http strips the header but keeps non-chunked codings here.
		for _, enc := range r.TransferEncoding {
			if strings.ToLower(enc) != "chunked" {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
