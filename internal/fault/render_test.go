package fault

import (
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func plainColors(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestRenderPlainError(t *testing.T) {
	plainColors(t)

	out := Render(errors.New("disk full"), "ref-123")
	assert.Equal(t, "disk full (ref: ref-123)", out)
}

func TestRenderNonActionableFault(t *testing.T) {
	plainColors(t)

	f := Newf(KindValidationError, "filename is required")
	out := Render(f, "ref-123")
	assert.Equal(t, "[validation_error] filename is required (ref: ref-123)", out)
	assert.NotContains(t, out, "PIPELINE HALTED")
}

func TestRenderActionableFaultFramed(t *testing.T) {
	plainColors(t)

	f := Newf(KindManufacturerPatternNotFound, "no error code patterns exist for this manufacturer").
		WithEntity("UTAX").
		WithStage("error_code_extraction").
		WithRemediations(
			`copy patterns from kyocera: krai patterns create --name "UTAX" --based-on kyocera`,
			"author patterns by hand in configs/patterns.yaml",
		).
		WithHints("UTAX devices are rebranded kyocera hardware")

	out := Render(f, "ref-456")
	assert.Contains(t, out, "PIPELINE HALTED: MANUFACTURER_PATTERN_NOT_FOUND")
	assert.Contains(t, out, "Entity:  UTAX")
	assert.Contains(t, out, "Stage:   error_code_extraction")
	assert.Contains(t, out, "Cause:   no error code patterns exist for this manufacturer")
	assert.Contains(t, out, "How to fix:")
	assert.Contains(t, out, "1. copy patterns from kyocera")
	assert.Contains(t, out, "2. author patterns by hand")
	assert.Contains(t, out, "hint: UTAX devices are rebranded kyocera hardware")
	assert.Contains(t, out, "Reference: ref-456")
}

func TestRenderFramedSkipsEmptySections(t *testing.T) {
	plainColors(t)

	f := Newf(KindEmbeddingDimensionMismatch, "provider returned 1536 dimensions, index is built for 768")
	out := Render(f, "ref-789")
	assert.Contains(t, out, "PIPELINE HALTED: EMBEDDING_DIMENSION_MISMATCH")
	assert.NotContains(t, out, "Entity:")
	assert.NotContains(t, out, "How to fix:")
	assert.NotContains(t, out, "hint:")
}
