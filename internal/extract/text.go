package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/krai-io/krai/internal/fault"
)

// PageConverter turns a document blob into per-page text. Implementations
// wrap an external converter; tests substitute a fake.
type PageConverter interface {
	Convert(ctx context.Context, blob io.Reader) ([]Page, error)
}

// TextResult is the output of the text extraction stage.
type TextResult struct {
	Pages     []Page
	PageCount int
	Language  string
}

// TextExtractor extracts ordered page text from a document blob.
type TextExtractor struct {
	converter PageConverter
}

// NewTextExtractor creates a text extractor over the given converter.
func NewTextExtractor(converter PageConverter) *TextExtractor {
	return &TextExtractor{converter: converter}
}

// Extract converts the blob into page texts. Empty pages are kept so page
// numbering stays aligned with the source document; a document yielding no
// text at all fails with a text extraction fault.
func (e *TextExtractor) Extract(ctx context.Context, blob io.Reader) (TextResult, Metrics, error) {
	start := time.Now()
	metrics := Metrics{}

	pages, err := e.converter.Convert(ctx, blob)
	if err != nil {
		return TextResult{}, metrics, fault.New(fault.KindTextExtractionFailure,
			"document text conversion failed", err).WithStage("text extraction")
	}

	nonEmpty := 0
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			nonEmpty++
		} else {
			metrics.ItemsRejected++
		}
	}
	if len(pages) == 0 || nonEmpty == 0 {
		return TextResult{}, metrics, fault.Newf(fault.KindTextExtractionFailure,
			"document produced no extractable text").WithStage("text extraction")
	}

	result := TextResult{
		Pages:     pages,
		PageCount: len(pages),
		Language:  detectLanguage(strings.ToLower(sampleText(pages, 10, 20000))),
	}
	metrics.ItemsEmitted = nonEmpty
	metrics.timed(start)
	return result, metrics, nil
}

// PDFToTextConverter shells out to pdftotext. Pages arrive form-feed
// separated on stdout.
type PDFToTextConverter struct {
	Binary  string
	Timeout time.Duration
}

// NewPDFToTextConverter creates the default pdftotext-backed converter.
func NewPDFToTextConverter() *PDFToTextConverter {
	return &PDFToTextConverter{Binary: "pdftotext", Timeout: 5 * time.Minute}
}

// Convert runs the converter binary over the blob.
func (c *PDFToTextConverter) Convert(ctx context.Context, blob io.Reader) ([]Page, error) {
	tmp, err := os.CreateTemp("", "krai-doc-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("stage blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, blob); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("stage blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("stage blob: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	binary := c.Binary
	if binary == "" {
		binary = "pdftotext"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, binary, "-layout", "-enc", "UTF-8", tmp.Name(), "-")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", binary, err, strings.TrimSpace(stderr.String()))
	}

	return SplitFormFeeds(stdout.String()), nil
}

// SplitFormFeeds splits converter output into numbered pages on form-feed
// boundaries.
func SplitFormFeeds(text string) []Page {
	raw := strings.Split(text, "\f")
	// A trailing form feed leaves one empty tail element.
	if n := len(raw); n > 1 && strings.TrimSpace(raw[n-1]) == "" {
		raw = raw[:n-1]
	}
	pages := make([]Page, len(raw))
	for i, t := range raw {
		pages[i] = Page{Number: i + 1, Text: t}
	}
	return pages
}
