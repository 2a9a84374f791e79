// Package commands implements the krai CLI: serving the engine, ingesting
// manuals, inspecting pipeline state, and managing manufacturer patterns.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/krai-io/krai/cmd/krai/ui"
	"github.com/krai-io/krai/internal/config"
	"github.com/krai-io/krai/internal/observability"
)

var (
	cfgFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "krai",
	Short: "KRAI - document processing engine for printer service manuals",
	Long: `KRAI ingests printer and copier service manuals, runs them through a
staged extraction pipeline (text, images, classification, metadata, error
codes, chunks, enrichment, embeddings), and serves semantic search over
the result.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load() // optional .env for local development
		ui.Init(noColor, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config file (if any) plus environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the service logger from config. CLI commands other than
// serve keep logs on stderr so command output stays parseable.
func newLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: "krai-engine",
	})
}
