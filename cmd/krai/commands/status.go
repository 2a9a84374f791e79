package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/krai-io/krai/cmd/krai/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status <document-id>",
	Short: "Show a document's pipeline state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	status, err := processor.GetStatus(ctx, id)
	if err != nil {
		return reportError(err)
	}

	doc := status.Document
	ui.Section(doc.Filename)
	ui.Plain("ID:       %s", doc.ID)
	ui.Plain("Type:     %s", doc.DocumentType)
	ui.Plain("Status:   %s", doc.ProcessingStatus)
	if doc.CurrentStage != nil {
		ui.Plain("Stage:    %s", *doc.CurrentStage)
	}
	if doc.PageCount != nil {
		ui.Plain("Pages:    %d", *doc.PageCount)
	}
	if doc.Language != nil {
		ui.Plain("Language: %s", *doc.Language)
	}
	ui.Plain("Uploaded: %s", doc.CreatedAt.Format(time.RFC3339))
	ui.Plain("Progress: %.0f%% (%d completed, %d skipped of %d stages)",
		status.Progress.Fraction*100, status.Progress.Completed,
		status.Progress.Skipped, status.Progress.Total)

	ui.Section("Stages")
	for _, st := range status.Stages {
		extra := ""
		if st.DurationMS != nil {
			extra = fmt.Sprintf("(%dms)", *st.DurationMS)
		}
		if st.ErrorMessage != nil {
			extra = *st.ErrorMessage
		}
		ui.StageLine(string(st.Stage), string(st.State), extra)
	}
	if len(status.Stages) == 0 {
		ui.Plain("no stages recorded yet")
	}

	if len(status.Queue) > 0 {
		ui.Section("Queue")
		for _, item := range status.Queue {
			ui.Plain("%-22s %-8s attempt %d/%d priority %d",
				item.Stage, item.Status, item.Attempts, item.MaxAttempts, item.Priority)
		}
	}

	if len(status.Errors) > 0 {
		ui.Section("Errors")
		for _, e := range status.Errors {
			ui.Error("[%s] %s: %s", e.Stage, e.ErrorKind, e.ErrorMessage)
		}
	}
	return nil
}
