// Package fault defines the error taxonomy shared by the KRAI pipeline.
// Extractors surface typed faults; the stage runner classifies them into
// retry, stage failure, or requeue decisions.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a class of pipeline failure.
type Kind string

const (
	// Input errors (non-retryable).
	KindDuplicateDocument       Kind = "duplicate_document"
	KindUnsupportedDocumentType Kind = "unsupported_document_type"
	KindCorruptBlob             Kind = "corrupt_blob"
	KindTextExtractionFailure   Kind = "text_extraction_failure"

	// Precondition errors (non-retryable, actionable).
	KindManufacturerPatternNotFound Kind = "manufacturer_pattern_not_found"
	KindManufacturerMissing         Kind = "manufacturer_missing"
	KindEmbeddingDimensionMismatch  Kind = "embedding_dimension_mismatch"
	KindDocumentMissing             Kind = "document_missing"

	// Transient errors (retryable).
	KindExternalServiceTimeout     Kind = "external_service_timeout"
	KindExternalServiceUnavailable Kind = "external_service_unavailable"
	KindQueueSaturated             Kind = "queue_saturated"
	KindLeaseExpired               Kind = "lease_expired"

	// Data errors (non-retryable, surfaced).
	KindValidationError        Kind = "validation_error"
	KindPatternSnapshotInvalid Kind = "pattern_snapshot_invalid"

	// Internal errors (fatal).
	KindUnexpected Kind = "unexpected"
)

// Severity ranks faults for operator triage.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Fault is the structured error carried through the pipeline.
type Fault struct {
	Kind         Kind
	Message      string
	Entity       string // offending entity (manufacturer name, document id, ...)
	Stage        string
	Remediations []string // ordered remediation options for operators
	Hints        []string // e.g. common manufacturer rebrands
	Cause        error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("[%s] %s", f.Kind, f.Message)
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// Is matches faults by kind so errors.Is works with sentinel faults.
func (f *Fault) Is(target error) bool {
	if t, ok := target.(*Fault); ok {
		return f.Kind == t.Kind
	}
	return false
}

// New creates a fault of the given kind.
func New(kind Kind, message string, cause error) *Fault {
	return &Fault{Kind: kind, Message: message, Cause: cause}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithEntity records the offending entity.
func (f *Fault) WithEntity(entity string) *Fault {
	f.Entity = entity
	return f
}

// WithStage records the stage the fault occurred in.
func (f *Fault) WithStage(stage string) *Fault {
	f.Stage = stage
	return f
}

// WithRemediations sets the ordered remediation options.
func (f *Fault) WithRemediations(options ...string) *Fault {
	f.Remediations = options
	return f
}

// WithHints sets hint lines shown after the remediations.
func (f *Fault) WithHints(hints ...string) *Fault {
	f.Hints = hints
	return f
}

// KindOf extracts the fault kind from an error chain.
// Unrecognized errors classify as unexpected.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnexpected
}

// As extracts a *Fault from an error chain, or nil.
func As(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// Retryable reports whether a fault kind is safe to retry with backoff.
func Retryable(kind Kind) bool {
	switch kind {
	case KindExternalServiceTimeout,
		KindExternalServiceUnavailable,
		KindQueueSaturated,
		KindLeaseExpired:
		return true
	}
	return false
}

// Actionable reports whether a fault kind deserves the framed multi-line
// rendering with remediation options.
func Actionable(kind Kind) bool {
	switch kind {
	case KindManufacturerPatternNotFound,
		KindManufacturerMissing,
		KindEmbeddingDimensionMismatch:
		return true
	}
	return false
}

// SeverityOf maps a fault kind to its operator-facing severity.
func SeverityOf(kind Kind) Severity {
	switch kind {
	case KindUnexpected:
		return SeverityCritical
	case KindExternalServiceTimeout,
		KindExternalServiceUnavailable,
		KindQueueSaturated,
		KindLeaseExpired:
		return SeverityWarning
	}
	return SeverityError
}
