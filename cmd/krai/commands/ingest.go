package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/krai-io/krai/cmd/krai/ui"
	"github.com/krai-io/krai/internal/pipeline"
	"github.com/krai-io/krai/internal/storage"
)

var (
	ingestManufacturer string
	ingestDocType      string
	ingestPriority     int
	ingestForce        bool
	ingestUploadedBy   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file> [file...]",
	Short: "Ingest one or more documents into the pipeline",
	Long: `Register documents for processing. Content is hashed and stored; a
document whose content was already ingested resolves to the existing
document, or with --force is requeued from the first stage.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestManufacturer, "manufacturer", "m", "", "manufacturer name (detected during classification if omitted)")
	ingestCmd.Flags().StringVarP(&ingestDocType, "type", "t", "", "document type (service_manual, parts_catalog, technical_bulletin, ...)")
	ingestCmd.Flags().IntVarP(&ingestPriority, "priority", "p", 0, "queue priority, higher first")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "reprocess if the content was already ingested")
	ingestCmd.Flags().StringVar(&ingestUploadedBy, "uploaded-by", "", "actor recorded in the audit log")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	processor, db, err := buildProcessor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 1 {
		return ingestOne(ctx, processor, args[0])
	}
	return ingestBatch(ctx, processor, args)
}

func ingestOne(ctx context.Context, processor *pipeline.Processor, path string) error {
	sp := ui.NewSpinner(fmt.Sprintf("Ingesting %s...", filepath.Base(path)))
	result, err := ingestFile(ctx, processor, path)
	sp.Stop()
	if err != nil {
		return reportError(err)
	}

	switch result.Status {
	case pipeline.IngestStatusDuplicate:
		ui.Warning("Content already ingested as document %s", result.Document.ID)
	case pipeline.IngestStatusReprocessing:
		ui.Warning("Content already known, requeued document %s", result.Document.ID)
	default:
		ui.Success("Ingested %s as document %s", filepath.Base(path), result.Document.ID)
	}
	ui.Detail("hash %s, %d bytes", result.Document.FileHash, result.Document.FileSize)
	return nil
}

func ingestBatch(ctx context.Context, processor *pipeline.Processor, paths []string) error {
	bar := ui.NewProgressBar(len(paths), "Ingesting documents")
	var failed int
	for _, path := range paths {
		result, err := ingestFile(ctx, processor, path)
		bar.Add(1)
		if err != nil {
			failed++
			ui.Error("%s: %v", filepath.Base(path), err)
			continue
		}
		switch result.Status {
		case pipeline.IngestStatusDuplicate:
			ui.Warning("%s: already ingested as %s", filepath.Base(path), result.Document.ID)
		case pipeline.IngestStatusReprocessing:
			ui.Warning("%s: already known, requeued as %s", filepath.Base(path), result.Document.ID)
		default:
			ui.Detail("%s → %s", filepath.Base(path), result.Document.ID)
		}
	}
	bar.Finish()

	if failed > 0 {
		ui.Warning("Ingested %d of %d documents", len(paths)-failed, len(paths))
		return fmt.Errorf("%d documents failed", failed)
	}
	ui.Success("Ingested %d documents", len(paths))
	return nil
}

func ingestFile(ctx context.Context, processor *pipeline.Processor, path string) (*pipeline.IngestResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return processor.Ingest(ctx, pipeline.IngestRequest{
		Content:          f,
		Filename:         filepath.Base(path),
		ManufacturerName: ingestManufacturer,
		DocumentType:     storage.DocumentType(ingestDocType),
		Priority:         ingestPriority,
		ForceReprocess:   ingestForce,
		UploadedBy:       ingestUploadedBy,
	})
}
