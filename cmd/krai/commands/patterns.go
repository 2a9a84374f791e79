package commands

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/krai-io/krai/cmd/krai/ui"
	"github.com/krai-io/krai/internal/pattern"
)

var (
	patternName        string
	patternBasedOn     string
	patternInteractive bool
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Manage manufacturer error-code patterns",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured manufacturers and their patterns",
	RunE:  runPatternsList,
}

var patternsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Add error-code patterns for a manufacturer",
	Long: `Add a manufacturer to the pattern file, either by copying an existing
manufacturer's rules (--based-on, useful for rebranded machines) or by
entering regexes interactively (--interactive).`,
	RunE: runPatternsCreate,
}

func init() {
	patternsCreateCmd.Flags().StringVar(&patternName, "name", "", "manufacturer name (required)")
	patternsCreateCmd.Flags().StringVar(&patternBasedOn, "based-on", "", "copy rules from this manufacturer")
	patternsCreateCmd.Flags().BoolVar(&patternInteractive, "interactive", false, "enter patterns interactively")
	patternsCreateCmd.MarkFlagRequired("name")

	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsCreateCmd)
	rootCmd.AddCommand(patternsCmd)
}

func runPatternsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	specs, err := pattern.NewFile(cfg.Patterns.Path).Load()
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		ui.Warning("No patterns configured in %s", cfg.Patterns.Path)
		return nil
	}

	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec := specs[key]
		ui.Section(key)
		for _, p := range spec.Patterns {
			line := fmt.Sprintf("%-40s %s", p.Regex, p.Category)
			if p.SeverityHint != "" {
				line += " (" + p.SeverityHint + ")"
			}
			ui.Plain("  %s", line)
		}
		ui.Detail("validation: %s", spec.ValidationRegex)
		ui.Detail("min confidence %.2f, max %d codes/page",
			spec.ExtractionRules.MinConfidence, spec.ExtractionRules.MaxCodesPerPage)
	}
	return nil
}

func runPatternsCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	file := pattern.NewFile(cfg.Patterns.Path)

	switch {
	case patternBasedOn != "":
		if err := file.CreateBasedOn(patternName, patternBasedOn); err != nil {
			return reportError(err)
		}
		ui.Success("Created patterns for %q based on %q", patternName, patternBasedOn)
	case patternInteractive:
		spec, err := promptPatternSpec(patternName)
		if err != nil {
			return err
		}
		if err := file.Create(patternName, *spec); err != nil {
			return reportError(err)
		}
		ui.Success("Created patterns for %q with %d pattern(s)", patternName, len(spec.Patterns))
	default:
		return fmt.Errorf("either --based-on or --interactive is required")
	}

	ui.Info("Pattern file updated: %s", cfg.Patterns.Path)
	ui.Info("A running engine picks up changes on its next pattern reload")
	return nil
}

// promptPatternSpec collects a manufacturer spec from stdin.
func promptPatternSpec(name string) (*pattern.ManufacturerSpec, error) {
	reader := bufio.NewReader(os.Stdin)
	ui.Section("Patterns for " + name)
	ui.Plain("Enter one extraction regex per line with its category, e.g.")
	ui.Plain("  C\\d{4}  system")
	ui.Plain("An empty line finishes the list.")

	spec := pattern.ManufacturerSpec{ExtractionRules: pattern.DefaultExtractionRules()}
	for {
		fmt.Fprintf(os.Stdout, "pattern %d> ", len(spec.Patterns)+1)
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}

		fields := strings.Fields(line)
		p := pattern.PatternSpec{Regex: fields[0], Category: "general"}
		if len(fields) > 1 {
			p.Category = fields[1]
		}
		if len(fields) > 2 {
			p.SeverityHint = fields[2]
		}
		spec.Patterns = append(spec.Patterns, p)
	}
	if len(spec.Patterns) == 0 {
		return nil, fmt.Errorf("at least one pattern is required")
	}

	fmt.Fprint(os.Stdout, "validation regex (matches a full code)> ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	spec.ValidationRegex = strings.TrimSpace(line)
	if spec.ValidationRegex == "" {
		return nil, fmt.Errorf("validation regex is required")
	}

	fmt.Fprintf(os.Stdout, "minimum confidence [%.2f]> ", spec.ExtractionRules.MinConfidence)
	line, err = reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if line = strings.TrimSpace(line); line != "" {
		v, err := strconv.ParseFloat(line, 64)
		if err != nil || v < 0 || v > 1 {
			return nil, fmt.Errorf("minimum confidence must be a number in [0,1]")
		}
		spec.ExtractionRules.MinConfidence = v
	}

	return &spec, nil
}
