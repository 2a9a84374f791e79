package fault

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

const frameWidth = 72

// Render formats an error for operators. Actionable precondition faults get
// a framed multi-line message with remediation options; everything else is a
// single-line summary plus the id for log lookup.
func Render(err error, referenceID string) string {
	f := As(err)
	if f == nil || !Actionable(f.Kind) {
		return fmt.Sprintf("%s (ref: %s)", summaryLine(err), referenceID)
	}
	return renderFramed(f, referenceID)
}

func summaryLine(err error) string {
	if f := As(err); f != nil {
		return fmt.Sprintf("[%s] %s", f.Kind, f.Message)
	}
	return err.Error()
}

func renderFramed(f *Fault, referenceID string) string {
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	bar := strings.Repeat("=", frameWidth)

	var b strings.Builder
	b.WriteString(red(bar) + "\n")
	b.WriteString(red(fmt.Sprintf("  PIPELINE HALTED: %s", strings.ToUpper(string(f.Kind)))) + "\n")
	b.WriteString(red(bar) + "\n\n")

	if f.Entity != "" {
		b.WriteString(fmt.Sprintf("  Entity:  %s\n", yellow(f.Entity)))
	}
	if f.Stage != "" {
		b.WriteString(fmt.Sprintf("  Stage:   %s\n", f.Stage))
	}
	b.WriteString(fmt.Sprintf("  Cause:   %s\n", f.Message))

	if len(f.Remediations) > 0 {
		b.WriteString("\n  How to fix:\n")
		for i, opt := range f.Remediations {
			b.WriteString(fmt.Sprintf("    %d. %s\n", i+1, opt))
		}
	}

	if len(f.Hints) > 0 {
		b.WriteString("\n")
		for _, hint := range f.Hints {
			b.WriteString(fmt.Sprintf("  %s %s\n", cyan("hint:"), hint))
		}
	}

	b.WriteString(fmt.Sprintf("\n  Reference: %s\n", referenceID))
	b.WriteString(red(bar))
	return b.String()
}
