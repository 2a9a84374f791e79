package commands

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/krai-io/krai/cmd/krai/ui"
	"github.com/krai-io/krai/internal/blob"
	"github.com/krai-io/krai/internal/cache"
	"github.com/krai-io/krai/internal/config"
	"github.com/krai-io/krai/internal/embedding"
	"github.com/krai-io/krai/internal/fault"
	"github.com/krai-io/krai/internal/observability"
	"github.com/krai-io/krai/internal/pipeline"
	"github.com/krai-io/krai/internal/storage"
)

// openDatabase connects and applies the idempotent schema.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := storage.Open(ctx, storage.OpenConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Std(),
	})
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(ctx, db, cfg.Database.Driver, cfg.Embedding.Dimension); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// newEmbedder builds the configured embedding provider.
func newEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "mock":
		return embedding.NewMockClient(cfg.Embedding.Dimension), nil
	case "http":
		return embedding.NewClient(embedding.Config{
			BaseURL:   cfg.Embedding.BaseURL,
			APIKey:    cfg.Embedding.APIKey,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   cfg.Embedding.Timeout.Std(),
			BatchSize: cfg.Embedding.BatchSize,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
}

// newCache builds the shared cache: Redis when enabled, in-process otherwise.
func newCache(cfg *config.Config) (cache.Client, error) {
	if cfg.Redis.Enabled {
		return cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}
	return cache.NewMemoryClient(10000), nil
}

// buildProcessor wires the orchestrator facade for one-shot CLI commands.
// The caller owns the returned *sql.DB.
func buildProcessor(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*pipeline.Processor, *sql.DB, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	blobs, err := blob.NewFilesystemStore(cfg.Blob.RootDir)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	embedder, err := newEmbedder(cfg)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	repos := storage.NewRepositories(db, cfg.Database.Driver)
	processor := pipeline.NewProcessor(repos, blobs, embedder, pipeline.ProcessorConfig{
		MaxPendingItems: cfg.Pipeline.MaxPendingItems,
		MaxAttempts:     cfg.Pipeline.MaxAttempts,
	}, logger)
	return processor, db, nil
}

// reportError prints a fault with its remediations, or the plain error.
func reportError(err error) error {
	f := fault.As(err)
	if f == nil {
		return err
	}
	ui.Error("%s", f.Error())
	for _, r := range f.Remediations {
		ui.Plain("  → %s", r)
	}
	for _, h := range f.Hints {
		ui.Detail("hint: %s", h)
	}
	return fmt.Errorf("%s", f.Kind)
}
