package extract

import (
	"regexp"
	"strings"
)

// Solution extraction scans the text window after a matched error code with
// an ordered list of strategies; the first strategy producing a non-empty
// result wins. No strategy matching yields nil, never an empty string.

const (
	maxListItems       = 15
	minActionItemChars = 15
	minContinuation    = 20
	maxParagraphChars  = 1000
)

var (
	recommendedActionRe = regexp.MustCompile(`(?i)recommended action for (customers|technicians|agents)`)
	procedureHeaderRe   = regexp.MustCompile(`(?i)^\s*(repair\s+)?procedure\b`)
	solutionLabelRe     = regexp.MustCompile(`(?i)\b(solution|remedy|fix|resolution)\s*:`)
	numberedItemRe      = regexp.MustCompile(`^\s*(\d{1,2}[.)]\s+|Step\s+\d+\b)`)
	bulletItemRe        = regexp.MustCompile(`^\s*[-•*▪]\s+`)
	stopKeywordRe       = regexp.MustCompile(`^\s*(Note|Warning|Caution|Important)\s*:`)
)

// ExtractSolution returns the solution text found in the window, or nil.
func ExtractSolution(window string) *string {
	lines := strings.Split(window, "\n")

	strategies := []func([]string) string{
		recommendedActionList,
		procedureList,
		labeledParagraph,
		bareNumberedList,
		bulletedList,
	}
	for _, strategy := range strategies {
		if s := strategy(lines); s != "" {
			return &s
		}
	}
	return nil
}

// recommendedActionList handles "Recommended action for customers /
// technicians / agents" headers followed by a numbered or bulleted list of
// at least 2 substantive items.
func recommendedActionList(lines []string) string {
	for i, line := range lines {
		if !recommendedActionRe.MatchString(line) {
			continue
		}
		items := collectList(lines[i+1:], anyListMarker)
		items = filterShort(items, minActionItemChars)
		if len(items) >= 2 {
			return strings.Join(items, "\n")
		}
	}
	return ""
}

// procedureList handles "Procedure" / "Repair procedure" headers followed
// by a numbered list.
func procedureList(lines []string) string {
	for i, line := range lines {
		if !procedureHeaderRe.MatchString(line) {
			continue
		}
		items := collectList(lines[i+1:], numberedMarker)
		if len(items) >= 1 {
			return strings.Join(items, "\n")
		}
	}
	return ""
}

// labeledParagraph handles explicit "Solution:" / "Remedy:" / "Fix:" /
// "Resolution:" labels followed by a paragraph.
func labeledParagraph(lines []string) string {
	for i, line := range lines {
		loc := solutionLabelRe.FindStringIndex(line)
		if loc == nil {
			continue
		}

		var parts []string
		if rest := strings.TrimSpace(line[loc[1]:]); rest != "" {
			parts = append(parts, rest)
		}
		for _, next := range lines[i+1:] {
			trimmed := strings.TrimSpace(next)
			if trimmed == "" || stopKeywordRe.MatchString(next) || anyListMarker(next) {
				break
			}
			parts = append(parts, trimmed)
		}

		paragraph := strings.Join(parts, " ")
		if len(paragraph) > maxParagraphChars {
			paragraph = paragraph[:maxParagraphChars]
		}
		if paragraph != "" {
			return paragraph
		}
	}
	return ""
}

// bareNumberedList handles a numbered list with no header.
func bareNumberedList(lines []string) string {
	return bareList(lines, numberedMarker)
}

// bulletedList handles a bulleted list with no header.
func bulletedList(lines []string) string {
	return bareList(lines, bulletMarker)
}

func bareList(lines []string, marker func(string) bool) string {
	for i, line := range lines {
		if !marker(line) {
			continue
		}
		items := collectList(lines[i:], marker)
		if len(items) >= 2 {
			return strings.Join(items, "\n")
		}
		return ""
	}
	return ""
}

// collectList gathers consecutive list items starting at the first marker
// line. It stops at section-break keywords, a blank line followed by a
// non-item, or 15 items. Indented continuation lines of at least 20 chars
// merge into the preceding item.
func collectList(lines []string, marker func(string) bool) []string {
	var items []string
	started := false

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if stopKeywordRe.MatchString(line) {
			break
		}
		if trimmed == "" {
			if started {
				// A blank line ends the list unless another item follows
				// immediately.
				if i+1 < len(lines) && marker(lines[i+1]) {
					continue
				}
				break
			}
			continue
		}

		if marker(line) {
			if len(items) >= maxListItems {
				break
			}
			items = append(items, trimmed)
			started = true
			continue
		}

		if started && isContinuation(line) && len(trimmed) >= minContinuation {
			items[len(items)-1] += " " + trimmed
			continue
		}
		if started {
			break
		}
		// Prose before the first item: keep scanning.
	}
	return items
}

func isContinuation(line string) bool {
	if line == "" {
		return false
	}
	return (line[0] == ' ' || line[0] == '\t') &&
		!numberedMarker(line) && !bulletMarker(line)
}

func numberedMarker(line string) bool { return numberedItemRe.MatchString(line) }
func bulletMarker(line string) bool   { return bulletItemRe.MatchString(line) }

func anyListMarker(line string) bool {
	return numberedMarker(line) || bulletMarker(line)
}

func filterShort(items []string, min int) []string {
	out := items[:0]
	for _, it := range items {
		if len(it) >= min {
			out = append(out, it)
		}
	}
	return out
}
