package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/s3gate/s3gate/internal/config"
)

// Open builds the backend selected by cfg.Backend. Backends that hold
// resources implement io.Closer.
func Open(ctx context.Context, cfg config.StorageConfig) (StorageBackend, error) {
	switch cfg.Backend {
	case "", "local":
		b, err := NewLocalBackend(cfg.Local.RootDir)
		if err != nil {
			return nil, err
		}
		if err := b.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		return b, nil
	case "memory":
		return NewMemoryBackend(cfg.Memory.SnapshotPath, cfg.Memory.SnapshotInterval)
	case "sqlite":
		return NewSQLiteBackend(cfg.SQLite.Path)
	case "aws":
		region := cfg.AWS.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewAWSGatewayBackend(ctx, cfg.AWS.Bucket, region, cfg.AWS.Prefix, cfg.AWS.Endpoint, cfg.AWS.UsePathStyle)
	case "gcp":
		return NewGCPGatewayBackend(ctx, cfg.GCP.Bucket, cfg.GCP.Project, cfg.GCP.Prefix)
	case "azure":
		return NewAzureGatewayBackend(ctx, cfg.Azure.Container, cfg.Azure.URL(), cfg.Azure.Prefix, AzureOptions{
			ConnectionString:   cfg.Azure.ConnectionString,
			UseManagedIdentity: cfg.Azure.UseManagedIdentity,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
