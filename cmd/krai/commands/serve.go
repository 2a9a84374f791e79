package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/krai-io/krai/internal/api"
	"github.com/krai-io/krai/internal/blob"
	"github.com/krai-io/krai/internal/extract"
	"github.com/krai-io/krai/internal/pattern"
	"github.com/krai-io/krai/internal/pipeline"
	"github.com/krai-io/krai/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the processing engine and HTTP API",
	Long: `Start the full engine: the HTTP API for uploads, status, and search,
plus the worker pool that drains the processing queue.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	repos := storage.NewRepositories(db, cfg.Database.Driver)

	registry, err := pattern.NewRegistry(cfg.Patterns.Path)
	if err != nil {
		return err
	}
	logger.Info().
		Strs("manufacturers", registry.Snapshot().Keys()).
		Msg("Pattern registry loaded")

	blobs, err := blob.NewFilesystemStore(cfg.Blob.RootDir)
	if err != nil {
		return err
	}

	cacheClient, err := newCache(cfg)
	if err != nil {
		return err
	}
	defer cacheClient.Close()

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	var enricher *extract.Enricher
	if cfg.Enrichment.Enabled {
		providers := []extract.MetadataProvider{
			extract.NewYouTubeProvider(cfg.Enrichment.RequestTimeout.Std()),
			extract.NewVimeoProvider(cfg.Enrichment.RequestTimeout.Std()),
		}
		enricher = extract.NewEnricher(extract.EnricherConfig{
			RequestTimeout:  cfg.Enrichment.RequestTimeout.Std(),
			ProviderSpacing: cfg.Enrichment.ProviderSpacing.Std(),
			CacheTTL:        cfg.Enrichment.CacheTTL.Std(),
		}, providers, cacheClient, logger)
	}

	engine := pipeline.NewEngine(pipeline.EngineConfig{
		Repos:    repos,
		Blobs:    blobs,
		Registry: registry,
		Embedder: embedder,
		Text:     extract.NewTextExtractor(extract.NewPDFToTextConverter()),
		Enricher: enricher,
		Chunker: extract.ChunkerConfig{
			TargetSize: cfg.Pipeline.ChunkTargetSize,
			Overlap:    cfg.Pipeline.ChunkOverlap,
		},
		Logger: logger,
	})

	runner := pipeline.NewRunner(engine, pipeline.RunnerConfig{
		Workers:         cfg.Pipeline.Workers,
		LeaseTTL:        cfg.Pipeline.LeaseTTL.Std(),
		PollInterval:    cfg.Pipeline.PollInterval.Std(),
		ReclaimInterval: cfg.Pipeline.ReclaimInterval.Std(),
		MaxAttempts:     cfg.Pipeline.MaxAttempts,
		BackoffBase:     cfg.Pipeline.BackoffBase.Std(),
		BackoffFactor:   cfg.Pipeline.BackoffFactor,
		BackoffJitter:   cfg.Pipeline.BackoffJitter.Std(),
	}, logger)

	processor := pipeline.NewProcessor(repos, blobs, embedder, pipeline.ProcessorConfig{
		MaxPendingItems: cfg.Pipeline.MaxPendingItems,
		MaxAttempts:     cfg.Pipeline.MaxAttempts,
	}, logger)

	server := api.NewServer(api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}, processor, repos, db, logger)

	runnerDone := make(chan error, 1)
	go func() {
		runnerDone <- runner.Run(ctx)
	}()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.ListenAndServe()
	}()

	select {
	case err := <-serverDone:
		stop()
		<-runnerDone
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	<-runnerDone
	logger.Info().Msg("Engine stopped")
	return nil
}
