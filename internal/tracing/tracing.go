// Package tracing configures OpenTelemetry for the gateway and provides the
// HTTP server span middleware.
package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName is the default service.name resource attribute.
const ServiceName = "s3gate"

// Options controls tracing initialization.
type Options struct {
	Enabled     bool
	Endpoint    string  // OTLP collector endpoint (host:port or URL)
	Exporter    string  // "grpc" (default) or "http"
	Insecure    bool    // force plaintext transport
	SampleRatio float64 // 0.0 - 1.0
	ServiceName string
}

// Init installs the global tracer provider and propagator. The returned
// function flushes and stops the provider.
func Init(ctx context.Context, opt Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if !opt.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	svc := strings.TrimSpace(opt.ServiceName)
	if svc == "" {
		svc = ServiceName
	}
	res, err := resource.New(ctx,
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(attribute.String("service.name", svc)),
	)
	if err != nil {
		slog.Warn("Tracing resource init failed", "error", err)
		res = resource.Empty()
	}

	exp, err := newExporter(ctx, opt)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opt.SampleRatio)),
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		))
	} else {
		slog.Info("Tracing enabled without endpoint; spans will not be exported")
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	slog.Info("Tracing initialized", "exporter", opt.Exporter, "endpoint", opt.Endpoint, "sample_ratio", opt.SampleRatio)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, opt Options) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(opt.Endpoint)
	if endpoint == "" {
		return nil, nil
	}
	insecure := opt.Insecure || isInsecure(endpoint)
	switch strings.ToLower(strings.TrimSpace(opt.Exporter)) {
	case "http", "otlphttp", "otlp-http":
		httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(stripScheme(endpoint))}
		if insecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, httpOpts...)
	default:
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(stripScheme(endpoint))}
		if insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, grpcOpts...)
	}
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("s3gate/" + name)
}

// RecordError marks span as failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Middleware wraps each request in a server span. Health and metrics probes
// are not traced.
func Middleware(next http.Handler) http.Handler {
	skipped := map[string]struct{}{
		"/health":  {},
		"/metrics": {},
	}
	tracer := Tracer("http")
	propagator := otel.GetTextMapPropagator()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skipped[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.EscapedPath(),
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.RequestURI()),
			attribute.Int("http.status_code", rec.status),
			attribute.String("user_agent.original", r.UserAgent()),
		)
		if rec.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func isInsecure(endpoint string) bool {
	ep := strings.ToLower(endpoint)
	return strings.HasPrefix(ep, "http://") || strings.Contains(ep, "localhost") || strings.Contains(ep, "127.0.0.1")
}

func stripScheme(endpoint string) string {
	lower := strings.ToLower(endpoint)
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(lower, scheme) {
			return endpoint[len(scheme):]
		}
	}
	return endpoint
}
