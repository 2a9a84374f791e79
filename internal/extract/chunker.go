package extract

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

// ChunkerConfig bounds chunk sizes.
type ChunkerConfig struct {
	TargetSize int // preferred chunk size in characters
	Overlap    int // characters carried over between adjacent chunks
}

// DefaultChunkerConfig returns the standard chunking parameters.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{TargetSize: 2000, Overlap: 200}
}

// ExtractedChunk is one chunk before persistence assigns IDs and links.
type ExtractedChunk struct {
	PageNumber       int
	SectionHierarchy []string
	SectionLevel     int
	Text             string
}

var numberedHeadingRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+\S`)

// BuildChunks splits page texts into ordered chunks. Heading lines start new
// chunks and update the section hierarchy; otherwise text splits on
// paragraph boundaries near the target size with overlap between neighbors.
func BuildChunks(pages []Page, cfg ChunkerConfig) ([]ExtractedChunk, Metrics) {
	start := time.Now()
	metrics := Metrics{}
	if cfg.TargetSize <= 0 {
		cfg = DefaultChunkerConfig()
	}

	var chunks []ExtractedChunk
	var hierarchy []string
	level := 0

	var buf strings.Builder
	bufPage := 0

	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return
		}
		chunks = append(chunks, ExtractedChunk{
			PageNumber:       bufPage,
			SectionHierarchy: append([]string(nil), hierarchy...),
			SectionLevel:     level,
			Text:             text,
		})
		// Seed the next chunk with trailing context.
		if cfg.Overlap > 0 && len(text) > cfg.Overlap {
			buf.WriteString(text[len(text)-cfg.Overlap:])
			buf.WriteString("\n")
		}
	}

	for _, page := range pages {
		for _, para := range splitParagraphs(page.Text) {
			if bufPage == 0 {
				bufPage = page.Number
			}

			if depth, title, ok := headingOf(para); ok {
				flush()
				bufPage = page.Number
				hierarchy = pushHeading(hierarchy, depth, title)
				level = depth
				buf.WriteString(para)
				buf.WriteString("\n\n")
				continue
			}

			if buf.Len() > 0 && buf.Len()+len(para) > cfg.TargetSize {
				flush()
				bufPage = page.Number
			}
			buf.WriteString(para)
			buf.WriteString("\n\n")
		}
	}
	// Final flush without overlap carry-over.
	text := strings.TrimSpace(buf.String())
	if text != "" {
		chunks = append(chunks, ExtractedChunk{
			PageNumber:       bufPage,
			SectionHierarchy: append([]string(nil), hierarchy...),
			SectionLevel:     level,
			Text:             text,
		})
	}

	metrics.ItemsEmitted = len(chunks)
	metrics.timed(start)
	return chunks, metrics
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range regexp.MustCompile(`\n\s*\n`).Split(text, -1) {
		p = strings.TrimRight(p, " \t\n")
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// headingOf detects a section heading paragraph and returns its depth (1 is
// a top-level section) and title.
func headingOf(para string) (int, string, bool) {
	if strings.Contains(para, "\n") || len(para) > 90 {
		return 0, "", false
	}
	line := strings.TrimSpace(para)
	if line == "" || strings.HasSuffix(line, ".") {
		return 0, "", false
	}

	if m := numberedHeadingRe.FindStringSubmatch(line); m != nil {
		depth := strings.Count(m[1], ".") + 1
		return depth, line, true
	}

	if isAllCaps(line) && len(line) >= 4 {
		return 1, line, true
	}
	return 0, "", false
}

func isAllCaps(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			hasLetter = true
		}
	}
	return hasLetter
}

// pushHeading truncates the hierarchy to depth-1 entries and appends title.
func pushHeading(hierarchy []string, depth int, title string) []string {
	if depth < 1 {
		depth = 1
	}
	if depth-1 < len(hierarchy) {
		hierarchy = hierarchy[:depth-1]
	}
	return append(hierarchy, title)
}
