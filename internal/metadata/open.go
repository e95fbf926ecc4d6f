package metadata

import (
	"context"
	"fmt"

	"github.com/s3gate/s3gate/internal/config"
)

// Open builds the upload store selected by cfg.Engine.
func Open(ctx context.Context, cfg config.StoreConfig) (UploadStore, error) {
	switch cfg.Engine {
	case "", "memory":
		return NewMemoryStore(), nil
	case "local":
		return NewLocalStore(cfg.StorePath(), true)
	case "sqlite":
		return NewSQLiteStore(cfg.StorePath())
	case "dynamodb":
		return NewDynamoDBStore(ctx, &cfg.DynamoDB)
	case "firestore":
		return NewFirestoreStore(ctx, &cfg.Firestore)
	case "cosmos":
		return NewCosmosStore(ctx, &cfg.Cosmos)
	default:
		return nil, fmt.Errorf("unknown upload store engine %q", cfg.Engine)
	}
}
