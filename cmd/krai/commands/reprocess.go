package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/krai-io/krai/cmd/krai/ui"
	"github.com/krai-io/krai/internal/storage"
)

var reprocessStage string

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <document-id>",
	Short: "Requeue a document for processing",
	Long: `Requeue a document from the first stage, or from a single stage with
--stage. Reprocessing a later stage requires all earlier stages to be
complete.`,
	Args: cobra.ExactArgs(1),
	RunE: runReprocess,
}

func init() {
	reprocessCmd.Flags().StringVar(&reprocessStage, "stage", "", "reprocess only this stage")
	rootCmd.AddCommand(reprocessCmd)
}

func runReprocess(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid document id: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	processor, db, err := buildProcessor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if reprocessStage != "" {
		if err := processor.ReprocessStage(ctx, id, storage.Stage(reprocessStage)); err != nil {
			return reportError(err)
		}
		ui.Success("Queued stage %s for document %s", reprocessStage, id)
		return nil
	}

	if err := processor.ReprocessDocument(ctx, id); err != nil {
		return reportError(err)
	}
	ui.Success("Queued document %s from the first stage", id)
	return nil
}
