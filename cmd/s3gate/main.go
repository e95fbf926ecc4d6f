// Package main is the entry point for the s3gate S3-compatible gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/s3gate/s3gate/internal/config"
	"github.com/s3gate/s3gate/internal/logging"
	"github.com/s3gate/s3gate/internal/metadata"
	"github.com/s3gate/s3gate/internal/metrics"
	"github.com/s3gate/s3gate/internal/multipart"
	"github.com/s3gate/s3gate/internal/queue"
	"github.com/s3gate/s3gate/internal/server"
	"github.com/s3gate/s3gate/internal/session"
	"github.com/s3gate/s3gate/internal/storage"
	"github.com/s3gate/s3gate/internal/tracing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 3000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json, pretty (default: from config or text)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("s3gate exited", "error", err)
		os.Exit(1)
	}
}

// run wires the gateway together and blocks until ctx is cancelled or a
// component fails. Every start is a recovery: interrupted scratch files are
// removed and persisted upload sessions are reloaded.
func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Insecure:    cfg.Observability.Tracing.Insecure,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
		ServiceName: "s3gate",
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("initializing storage backend: %w", err)
	}
	if c, ok := backend.(io.Closer); ok {
		defer c.Close()
	}
	slog.Info("Storage backend initialized", "backend", cfg.Storage.Backend)

	sess, err := session.Open(ctx, backend, session.Options{
		BaseFolder: cfg.Session.BaseFolder,
		Retry: session.RetryPolicy{
			MaxAttempts: cfg.Session.Retry.MaxAttempts,
			Delay:       cfg.Session.Retry.Delay,
			MaxDelay:    cfg.Session.Retry.MaxDelay,
			Exponential: cfg.Session.Retry.Exponential,
		},
	})
	if err != nil {
		return fmt.Errorf("opening backend session: %w", err)
	}
	slog.Info("Backend session ready",
		"network", cfg.Session.Network,
		"chain_id", cfg.ChainID(),
		"base", sess.Base(),
	)

	q := queue.New(queue.WithOpTimeout(cfg.Session.OpTimeout))

	store, err := metadata.Open(ctx, cfg.Multipart.Store)
	if err != nil {
		return fmt.Errorf("opening upload store: %w", err)
	}

	scratch, err := multipart.NewScratch(cfg.Multipart.ScratchDir)
	if err != nil {
		store.Close()
		return fmt.Errorf("creating scratch space: %w", err)
	}
	if err := scratch.CleanTempFiles(); err != nil {
		slog.Warn("Failed to clean scratch temp files", "error", err)
	}

	tracker := multipart.New(scratch, multipart.Options{
		Store: store,
		TTL:   cfg.Multipart.SessionTTL,
	})
	recovered, err := tracker.Recover(ctx)
	if err != nil {
		store.Close()
		return fmt.Errorf("recovering upload sessions: %w", err)
	}
	if recovered > 0 {
		slog.Info("Recovered multipart uploads", "count", recovered)
	}

	srv, err := server.New(cfg, sess, q, tracker)
	if err != nil {
		store.Close()
		return fmt.Errorf("creating server: %w", err)
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		store.Close()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("s3gate listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		reap(gctx, tracker, cfg.Multipart.ReapInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		// The parent context is already cancelled; shutdown gets its own
		// deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := q.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing upload store: %w", err))
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("flushing traces: %w", err))
		}
		slog.Info("Server stopped")
		return errors.Join(errs...)
	})

	return g.Wait()
}

// reap aborts idle upload sessions every interval until ctx is done.
func reap(ctx context.Context, tracker *multipart.Tracker, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := tracker.ReapExpired(ctx, now); n > 0 {
				slog.Info("Reaped idle multipart uploads", "count", n)
			}
		}
	}
}
