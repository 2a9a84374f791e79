package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultError(t *testing.T) {
	f := Newf(KindValidationError, "filename is required")
	assert.Equal(t, "[validation_error] filename is required", f.Error())

	cause := errors.New("connection refused")
	wrapped := New(KindExternalServiceUnavailable, "embedding provider unreachable", cause)
	assert.Equal(t,
		"[external_service_unavailable] embedding provider unreachable: connection refused",
		wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestKindOfWalksChain(t *testing.T) {
	f := Newf(KindManufacturerPatternNotFound, "no patterns for utax")
	wrapped := fmt.Errorf("process stage: %w", f)

	assert.Equal(t, KindManufacturerPatternNotFound, KindOf(wrapped))
	assert.Equal(t, KindUnexpected, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnexpected, KindOf(nil))
}

func TestAsExtractsFault(t *testing.T) {
	f := Newf(KindDuplicateDocument, "already ingested").WithEntity("doc-1")
	wrapped := fmt.Errorf("ingest: %w", f)

	got := As(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, "doc-1", got.Entity)
	assert.Nil(t, As(errors.New("plain")))
}

func TestIsMatchesByKind(t *testing.T) {
	a := Newf(KindQueueSaturated, "1000 items pending")
	b := Newf(KindQueueSaturated, "different message")
	c := Newf(KindLeaseExpired, "lease lost")

	assert.ErrorIs(t, a, b, "kind alone decides the match")
	assert.NotErrorIs(t, a, c)
	assert.NotErrorIs(t, a, errors.New("plain"))
}

func TestBuilderChain(t *testing.T) {
	f := Newf(KindManufacturerPatternNotFound, "no patterns for %q", "UTAX").
		WithEntity("UTAX").
		WithStage("error_code_extraction").
		WithRemediations("option one", "option two").
		WithHints("UTAX devices are rebranded kyocera hardware")

	assert.Equal(t, `no patterns for "UTAX"`, f.Message)
	assert.Equal(t, "error_code_extraction", f.Stage)
	assert.Equal(t, []string{"option one", "option two"}, f.Remediations)
	assert.Len(t, f.Hints, 1)
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{
		KindExternalServiceTimeout,
		KindExternalServiceUnavailable,
		KindQueueSaturated,
		KindLeaseExpired,
	}
	for _, k := range retryable {
		assert.True(t, Retryable(k), string(k))
	}

	permanent := []Kind{
		KindDuplicateDocument,
		KindUnsupportedDocumentType,
		KindCorruptBlob,
		KindTextExtractionFailure,
		KindManufacturerPatternNotFound,
		KindManufacturerMissing,
		KindEmbeddingDimensionMismatch,
		KindDocumentMissing,
		KindValidationError,
		KindPatternSnapshotInvalid,
		KindUnexpected,
	}
	for _, k := range permanent {
		assert.False(t, Retryable(k), string(k))
	}
}

func TestActionable(t *testing.T) {
	assert.True(t, Actionable(KindManufacturerPatternNotFound))
	assert.True(t, Actionable(KindManufacturerMissing))
	assert.True(t, Actionable(KindEmbeddingDimensionMismatch))
	assert.False(t, Actionable(KindValidationError))
	assert.False(t, Actionable(KindExternalServiceTimeout))
}

func TestSeverityOf(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityOf(KindUnexpected))
	assert.Equal(t, SeverityWarning, SeverityOf(KindExternalServiceTimeout))
	assert.Equal(t, SeverityWarning, SeverityOf(KindQueueSaturated))
	assert.Equal(t, SeverityError, SeverityOf(KindValidationError))
	assert.Equal(t, SeverityError, SeverityOf(KindManufacturerPatternNotFound))
}
