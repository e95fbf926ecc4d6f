// Package server implements the s3gate HTTP server and S3-compatible route
// multiplexer.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/s3gate/s3gate/internal/auth"
	"github.com/s3gate/s3gate/internal/config"
	s3err "github.com/s3gate/s3gate/internal/errors"
	"github.com/s3gate/s3gate/internal/handlers"
	"github.com/s3gate/s3gate/internal/metrics"
	"github.com/s3gate/s3gate/internal/multipart"
	"github.com/s3gate/s3gate/internal/queue"
	"github.com/s3gate/s3gate/internal/session"
	"github.com/s3gate/s3gate/internal/tracing"
	"github.com/s3gate/s3gate/internal/xmlutil"
)

// Server is the s3gate HTTP server. It routes incoming requests to the
// appropriate S3-compatible handler based on the request method and path.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	sess       *session.Session
	queue      *queue.Queue
	tracker    *multipart.Tracker
	verifier   *auth.Verifier
	limiter    *rate.Limiter
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
	handler    http.Handler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status            string `json:"status" example:"ok" doc:"ok, or degraded when the storage backend is unreachable"`
	ChainID           string `json:"chain_id" example:"lupulella-2" doc:"Chain id of the configured backend network"`
	Storage           string `json:"storage" example:"ok" doc:"Storage backend probe result"`
	QueueDepth        int    `json:"queue_depth" doc:"Backend mutations waiting or running"`
	MultipartSessions int    `json:"multipart_sessions" doc:"Active multipart uploads"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// New creates a Server over the given session, write queue and multipart
// tracker and wires up every S3 route.
func New(cfg *config.Config, sess *session.Session, q *queue.Queue, tracker *multipart.Tracker) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("s3gate S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:     cfg,
		router:  router,
		api:     api,
		sess:    sess,
		queue:   q,
		tracker: tracker,
		verifier: auth.NewVerifier(auth.Credential{
			AccessKey: cfg.Auth.AccessKey,
			SecretKey: cfg.Auth.SecretKey,
		}, cfg.Server.Region),
	}
	if cfg.Server.RateLimit > 0 {
		burst := cfg.Server.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), burst)
	}

	deps := handlers.Deps{
		Session: sess,
		Queue:   q,
		Tracker: tracker,
		OwnerID: cfg.Auth.AccessKey,
		Region:  cfg.Server.Region,
	}
	s.bucket = handlers.NewBucketHandler(deps)
	s.object = handlers.NewObjectHandler(deps)
	s.multi = handlers.NewMultipartHandler(deps)

	s.registerRoutes()
	s.handler = s.buildHandler()
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s, nil
}

// buildHandler wraps the router in the middleware chain. Outermost first:
// recover, tracing, metrics, common headers, CORS, transfer-encoding check,
// rate limit and backlog guard, body limit, auth.
func (s *Server) buildHandler() http.Handler {
	var handler http.Handler = s.router
	handler = auth.Middleware(s.verifier)(handler)
	handler = bodyLimit(s.cfg.Server.MaxObjectSize)(handler)
	handler = throttle(s.limiter, s.queue, s.cfg.Server.MaxQueueBacklog)(handler)
	handler = transferEncodingCheck(handler)
	handler = cors(handler)
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	if s.cfg.Observability.Tracing.Enabled {
		handler = tracing.Middleware(handler)
	}
	return recoverer(handler)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// ListenAndServe listens on the configured host and port.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /docs, /openapi.json) and /metrics are registered first.
// The S3 catch-all /* is registered last.
func (s *Server) registerRoutes() {
	if s.cfg.Observability.HealthCheck {
		huma.Register(s.api, huma.Operation{
			OperationID: "get-health",
			Method:      http.MethodGet,
			Path:        "/health",
			Summary:     "Health check",
			Description: "Reports storage backend reachability, write queue depth and active multipart uploads.",
			Tags:        []string{"System"},
		}, s.health)

		s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.HandleFunc("/*", s.dispatch)
}

func (s *Server) health(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{
		Status: http.StatusOK,
		Body: HealthBody{
			Status:            "ok",
			ChainID:           s.cfg.ChainID(),
			Storage:           "ok",
			QueueDepth:        s.queue.Len(),
			MultipartSessions: s.tracker.Len(),
		},
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.sess.HealthCheck(probeCtx); err != nil {
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = "degraded"
		out.Body.Storage = err.Error()
	}
	return out, nil
}

// parsePath extracts bucket and object key from the request path.
// Returns ("", "") for root "/", ("bucket", "") for "/{bucket}",
// and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// dispatch routes an S3 request and counts it by operation and status.
// Requests that reached the catch-all without an authenticated access key
// (a system path whose route is disabled) are rejected.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if auth.AccessKeyFromContext(r.Context()) == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrUnauthorizedAccess)
		return
	}
	op, h := s.route(r)
	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	h(rec, r)
	metrics.S3OperationsTotal.WithLabelValues(op, strconv.Itoa(rec.statusCode)).Inc()
}

func notImplemented(w http.ResponseWriter, r *http.Request) {
	xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
}

// route picks the handler by HTTP method and query parameters.
func (s *Server) route(r *http.Request) (string, http.HandlerFunc) {
	bucket, key := parsePath(r.URL.Path)
	q := r.URL.Query()

	// Service-level operations (no bucket in path).
	if bucket == "" {
		if r.Method == http.MethodGet {
			return "ListBuckets", s.bucket.ListBuckets
		}
		return "NotImplemented", notImplemented
	}

	// Object-level operations (bucket + key in path).
	if key != "" {
		switch r.Method {
		case http.MethodPut:
			switch {
			case r.Header.Get("X-Amz-Copy-Source") != "":
				return "CopyObject", notImplemented
			case q.Has("partNumber") || q.Has("uploadId"):
				return "UploadPart", s.multi.UploadPart
			default:
				return "PutObject", s.object.PutObject
			}
		case http.MethodGet:
			if q.Has("uploadId") {
				return "ListParts", s.multi.ListParts
			}
			return "GetObject", s.object.GetObject
		case http.MethodHead:
			return "HeadObject", s.object.HeadObject
		case http.MethodDelete:
			if q.Has("uploadId") {
				return "AbortMultipartUpload", s.multi.AbortMultipartUpload
			}
			return "DeleteObject", s.object.DeleteObject
		case http.MethodPost:
			if q.Has("uploadId") {
				return "CompleteMultipartUpload", s.multi.CompleteMultipartUpload
			}
			return "CreateMultipartUpload", s.multi.CreateMultipartUpload
		}
		return "NotImplemented", notImplemented
	}

	// Bucket-level operations (bucket in path, no key).
	switch r.Method {
	case http.MethodPut:
		return "CreateBucket", s.bucket.CreateBucket
	case http.MethodGet:
		switch {
		case q.Has("location"):
			return "GetBucketLocation", s.bucket.GetBucketLocation
		case q.Has("versioning"):
			return "GetBucketVersioning", s.bucket.GetBucketVersioning
		case q.Has("uploads"):
			return "ListMultipartUploads", s.multi.ListMultipartUploads
		case q.Get("list-type") == "2":
			return "ListObjectsV2", s.object.ListObjectsV2
		default:
			return "ListObjects", s.object.ListObjects
		}
	case http.MethodHead:
		return "HeadBucket", s.bucket.HeadBucket
	case http.MethodDelete:
		return "DeleteBucket", s.bucket.DeleteBucket
	}
	return "NotImplemented", notImplemented
}
