package commands

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/krai-io/krai/cmd/krai/ui"
)

var searchK int

var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Semantic search over processed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchK, "top", "k", 10, "number of results")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	processor, db, err := buildProcessor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	sp := ui.NewSpinner("Searching...")
	results, err := processor.Search(ctx, query, searchK)
	sp.Stop()
	if err != nil {
		return reportError(err)
	}

	if len(results) == 0 {
		ui.Warning("No results for %q", query)
		return nil
	}

	for i, r := range results {
		ui.Plain("%2d. [%.3f] document %s, page %d", i+1, r.Similarity, r.Chunk.DocumentID, r.Chunk.PageNumber)
		text := r.Chunk.Text
		if len(text) > 200 {
			text = text[:200] + "…"
		}
		ui.Plain("    %s", strings.ReplaceAll(text, "\n", " "))
	}
	return nil
}
