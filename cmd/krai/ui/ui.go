// Package ui provides terminal output helpers for the krai CLI: colored
// status lines, spinners for indeterminate work, and progress bars for
// batch operations.
package ui

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

var verboseFlag bool

// Init applies the global color and verbosity flags.
func Init(noColor, verbose bool) {
	verboseFlag = verbose
	if noColor {
		color.NoColor = true
	}
}

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	faintColor   = color.New(color.Faint)
)

// Success prints a green check line.
func Success(format string, args ...interface{}) {
	successColor.Fprintf(os.Stdout, "✓ %s\n", fmt.Sprintf(format, args...))
}

// Error prints a red cross line to stderr.
func Error(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
}

// Warning prints a yellow warning line.
func Warning(format string, args ...interface{}) {
	warnColor.Fprintf(os.Stdout, "⚠ %s\n", fmt.Sprintf(format, args...))
}

// Info prints a cyan informational line.
func Info(format string, args ...interface{}) {
	infoColor.Fprintf(os.Stdout, "ℹ %s\n", fmt.Sprintf(format, args...))
}

// Detail prints a faint line, only when verbose mode is on.
func Detail(format string, args ...interface{}) {
	if verboseFlag {
		faintColor.Fprintf(os.Stdout, "  %s\n", fmt.Sprintf(format, args...))
	}
}

// Plain prints an uncolored line.
func Plain(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Section prints an underlined section header.
func Section(title string) {
	fmt.Fprintf(os.Stdout, "\n%s\n", title)
	for i := 0; i < len([]rune(title)); i++ {
		fmt.Fprint(os.Stdout, "=")
	}
	fmt.Fprint(os.Stdout, "\n\n")
}

// StageLine renders one pipeline stage with a status-colored marker.
func StageLine(stage, status, extra string) {
	var c *color.Color
	var mark string
	switch status {
	case "completed":
		c, mark = successColor, "✓"
	case "failed":
		c, mark = errorColor, "✗"
	case "running":
		c, mark = warnColor, "▶"
	case "skipped":
		c, mark = faintColor, "-"
	default:
		c, mark = faintColor, "·"
	}
	line := fmt.Sprintf("%s %-22s %s", mark, stage, status)
	if extra != "" {
		line += "  " + extra
	}
	c.Fprintln(os.Stdout, line)
}

// Spinner shows indeterminate progress on stderr.
type Spinner struct {
	s *spinner.Spinner
}

// NewSpinner creates a running spinner with the given message.
func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	s.Start()
	return &Spinner{s: s}
}

// Update replaces the spinner message.
func (sp *Spinner) Update(message string) {
	sp.s.Suffix = " " + message
}

// Stop halts the spinner and clears its line.
func (sp *Spinner) Stop() {
	sp.s.Stop()
}

// ProgressBar tracks deterministic batch progress on stderr.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewProgressBar creates a bar sized for total items.
func NewProgressBar(total int, description string) *ProgressBar {
	bar := progressbar.NewOptions(
		total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
	)
	return &ProgressBar{bar: bar}
}

// Add advances the bar by n items.
func (p *ProgressBar) Add(n int) {
	_ = p.bar.Add(n)
}

// Finish completes the bar.
func (p *ProgressBar) Finish() {
	_ = p.bar.Finish()
}
