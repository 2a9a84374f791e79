// Package storage provides database models and repositories for the KRAI
// document processing engine.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DocumentType classifies an ingested document.
type DocumentType string

const (
	DocTypeServiceManual        DocumentType = "service_manual"
	DocTypePartsCatalog         DocumentType = "parts_catalog"
	DocTypeTechnicalBulletin    DocumentType = "technical_bulletin"
	DocTypeCPMDDatabase         DocumentType = "cpmd_database"
	DocTypeUserManual           DocumentType = "user_manual"
	DocTypeInstallationGuide    DocumentType = "installation_guide"
	DocTypeTroubleshootingGuide DocumentType = "troubleshooting_guide"
)

// KnownDocumentTypes lists every accepted document type.
var KnownDocumentTypes = []DocumentType{
	DocTypeServiceManual,
	DocTypePartsCatalog,
	DocTypeTechnicalBulletin,
	DocTypeCPMDDatabase,
	DocTypeUserManual,
	DocTypeInstallationGuide,
	DocTypeTroubleshootingGuide,
}

// ValidDocumentType reports whether t is a known document type.
func ValidDocumentType(t DocumentType) bool {
	for _, k := range KnownDocumentTypes {
		if k == t {
			return true
		}
	}
	return false
}

// ProcessingStatus is the document-level pipeline status.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingRunning    ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// Stage names one step of the fixed pipeline sequence.
type Stage string

const (
	StageUpload          Stage = "upload"
	StageTextExtraction  Stage = "text_extraction"
	StageImageProcessing Stage = "image_processing"
	StageClassification  Stage = "classification"
	StageMetadata        Stage = "metadata_extraction"
	StageErrorCodes      Stage = "error_code_extraction"
	StageChunkPrep       Stage = "chunk_prep"
	StageEnrichment      Stage = "enrichment"
	StageEmbedding       Stage = "embedding"
	StageSearchIndexing  Stage = "search_indexing"
)

// StageOrder is the fixed execution order for every document.
var StageOrder = []Stage{
	StageUpload,
	StageTextExtraction,
	StageImageProcessing,
	StageClassification,
	StageMetadata,
	StageErrorCodes,
	StageChunkPrep,
	StageEnrichment,
	StageEmbedding,
	StageSearchIndexing,
}

// StageIndex returns the position of a stage in the pipeline, or -1.
func StageIndex(s Stage) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// NextStage returns the successor stage and false when s is terminal.
func NextStage(s Stage) (Stage, bool) {
	idx := StageIndex(s)
	if idx < 0 || idx+1 >= len(StageOrder) {
		return "", false
	}
	return StageOrder[idx+1], true
}

// ValidStage reports whether s names a pipeline stage.
func ValidStage(s Stage) bool {
	return StageIndex(s) >= 0
}

// StageState is the per-(document, stage) state machine value.
type StageState string

const (
	StageNotStarted StageState = "not_started"
	StageRunning    StageState = "running"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
	StageSkipped    StageState = "skipped"
)

// QueueStatus is the lifecycle of a durable queue item.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueLeased    QueueStatus = "leased"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
	QueueRetrying  QueueStatus = "retrying"
)

// ImageType classifies an extracted image.
type ImageType string

const (
	ImageRaster        ImageType = "raster"
	ImageSVG           ImageType = "svg"
	ImageVectorGraphic ImageType = "vector_graphic"
)

// LinkType classifies a discovered URL.
type LinkType string

const (
	LinkTypeWeb   LinkType = "web"
	LinkTypeVideo LinkType = "video"
	LinkTypeEmail LinkType = "email"
)

// LinkValidation is the enrichment validation outcome for a URL.
type LinkValidation string

const (
	LinkUnchecked  LinkValidation = "unchecked"
	LinkOK         LinkValidation = "ok"
	LinkBroken     LinkValidation = "broken"
	LinkRedirected LinkValidation = "redirected"
)

// OwnerKind names what an embedding belongs to.
type OwnerKind string

const (
	OwnerChunk OwnerKind = "chunk"
	OwnerImage OwnerKind = "image"
	OwnerTable OwnerKind = "table"
)

// PipelineErrorStatus is the operator workflow state of a pipeline error.
type PipelineErrorStatus string

const (
	PipelineErrorPending  PipelineErrorStatus = "pending"
	PipelineErrorRetrying PipelineErrorStatus = "retrying"
	PipelineErrorResolved PipelineErrorStatus = "resolved"
)

// Document is an ingested file and its pipeline progress. Documents are
// never deleted by the engine; they are soft-retained for audit.
type Document struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	Filename         string           `json:"filename" db:"filename"`
	FileHash         string           `json:"file_hash" db:"file_hash"`
	FileSize         int64            `json:"file_size" db:"file_size"`
	DocumentType     DocumentType     `json:"document_type" db:"document_type"`
	ManufacturerID   *uuid.UUID       `json:"manufacturer_id,omitempty" db:"manufacturer_id"`
	Language         *string          `json:"language,omitempty" db:"language"`
	PageCount        *int             `json:"page_count,omitempty" db:"page_count"`
	ProcessingStatus ProcessingStatus `json:"processing_status" db:"processing_status"`
	CurrentStage     *Stage           `json:"current_stage,omitempty" db:"current_stage"`
	UploadedBy       *string          `json:"uploaded_by,omitempty" db:"uploaded_by"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// Manufacturer is a device maker. Shared by documents, products, and error
// codes; created on demand and never mutated by extractors after creation.
type Manufacturer struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	PatternKey string    `json:"pattern_key" db:"pattern_key"`
	Website    *string   `json:"website,omitempty" db:"website"`
	Support    *string   `json:"support,omitempty" db:"support"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Product is a device model. (manufacturer_id, model_number) is unique.
type Product struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	ManufacturerID    uuid.UUID       `json:"manufacturer_id" db:"manufacturer_id"`
	ModelNumber       string          `json:"model_number" db:"model_number"`
	SeriesID          *uuid.UUID      `json:"series_id,omitempty" db:"series_id"`
	Type              string          `json:"type" db:"type"`
	Specifications    json.RawMessage `json:"specifications" db:"specifications"`
	OEMManufacturerID *uuid.UUID      `json:"oem_manufacturer_id,omitempty" db:"oem_manufacturer_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// ProductSeries groups products. (manufacturer_id, name) is unique.
type ProductSeries struct {
	ID             uuid.UUID `json:"id" db:"id"`
	ManufacturerID uuid.UUID `json:"manufacturer_id" db:"manufacturer_id"`
	Name           string    `json:"name" db:"name"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Chunk is a contiguous span of document text in reading order. Chunks of a
// document form a doubly-linked list; (document_id, ordinal) is unique.
type Chunk struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	DocumentID       uuid.UUID  `json:"document_id" db:"document_id"`
	Ordinal          int        `json:"ordinal" db:"ordinal"`
	PageNumber       int        `json:"page_number" db:"page_number"`
	SectionHierarchy []string   `json:"section_hierarchy" db:"section_hierarchy"`
	SectionLevel     int        `json:"section_level" db:"section_level"`
	Text             string     `json:"text" db:"text"`
	PreviousChunkID  *uuid.UUID `json:"previous_chunk_id,omitempty" db:"previous_chunk_id"`
	NextChunkID      *uuid.UUID `json:"next_chunk_id,omitempty" db:"next_chunk_id"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// Embedding is a fixed-length vector for a chunk, image, or table.
// (owner_kind, owner_id, model_name) is unique.
type Embedding struct {
	ID        uuid.UUID `json:"id" db:"id"`
	OwnerKind OwnerKind `json:"owner_kind" db:"owner_kind"`
	OwnerID   uuid.UUID `json:"owner_id" db:"owner_id"`
	ModelName string    `json:"model_name" db:"model_name"`
	Dimension int       `json:"dimension" db:"dimension"`
	Vector    []float32 `json:"vector" db:"vector"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ErrorCode is one extracted diagnostic code. ManufacturerID is never null.
type ErrorCode struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	DocumentID         uuid.UUID       `json:"document_id" db:"document_id"`
	ManufacturerID     uuid.UUID       `json:"manufacturer_id" db:"manufacturer_id"`
	ProductID          *uuid.UUID      `json:"product_id,omitempty" db:"product_id"`
	ChunkID            *uuid.UUID      `json:"chunk_id,omitempty" db:"chunk_id"`
	Code               string          `json:"error_code" db:"error_code"`
	Description        *string         `json:"error_description,omitempty" db:"error_description"`
	SolutionText       *string         `json:"solution_text,omitempty" db:"solution_text"`
	PageNumber         int             `json:"page_number" db:"page_number"`
	ConfidenceScore    float64         `json:"confidence_score" db:"confidence_score"`
	SeverityLevel      *string         `json:"severity_level,omitempty" db:"severity_level"`
	RequiresTechnician *bool           `json:"requires_technician,omitempty" db:"requires_technician"`
	RequiresParts      *bool           `json:"requires_parts,omitempty" db:"requires_parts"`
	ContextText        *string         `json:"context_text,omitempty" db:"context_text"`
	Metadata           json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// Image is an extracted page image stored in the blob store.
type Image struct {
	ID          uuid.UUID `json:"id" db:"id"`
	DocumentID  uuid.UUID `json:"document_id" db:"document_id"`
	PageNumber  int       `json:"page_number" db:"page_number"`
	ImageType   ImageType `json:"image_type" db:"image_type"`
	BlobBucket  string    `json:"blob_bucket" db:"blob_bucket"`
	BlobKey     string    `json:"blob_key" db:"blob_key"`
	ContextText *string   `json:"context_text,omitempty" db:"context_text"`
	OCRText     *string   `json:"ocr_text,omitempty" db:"ocr_text"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Link is a URL discovered in document text, optionally enriched with video
// metadata by the enrichment stage.
type Link struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	DocumentID       uuid.UUID       `json:"document_id" db:"document_id"`
	URL              string          `json:"url" db:"url"`
	LinkType         LinkType        `json:"link_type" db:"link_type"`
	PageNumber       int             `json:"page_number" db:"page_number"`
	Title            *string         `json:"title,omitempty" db:"title"`
	Provider         *string         `json:"provider,omitempty" db:"provider"`
	DurationSeconds  *int            `json:"duration_seconds,omitempty" db:"duration_seconds"`
	Metadata         json.RawMessage `json:"metadata" db:"metadata"`
	ValidationStatus LinkValidation  `json:"validation_status" db:"validation_status"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// QueueItem is a durable work token (document_id, stage) with lease
// semantics. At most one item per (document_id, stage) may be pending or
// leased at a time.
type QueueItem struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	DocumentID    uuid.UUID   `json:"document_id" db:"document_id"`
	Stage         Stage       `json:"stage" db:"stage"`
	Priority      int         `json:"priority" db:"priority"`
	Status        QueueStatus `json:"status" db:"status"`
	Attempts      int         `json:"attempts" db:"attempts"`
	MaxAttempts   int         `json:"max_attempts" db:"max_attempts"`
	WorkerID      *string     `json:"worker_id,omitempty" db:"worker_id"`
	LeaseDeadline *time.Time  `json:"lease_deadline,omitempty" db:"lease_deadline"`
	NotBefore     *time.Time  `json:"not_before,omitempty" db:"not_before"`
	EnqueuedAt    time.Time   `json:"enqueued_at" db:"enqueued_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty" db:"started_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty" db:"finished_at"`
	LastError     *string     `json:"last_error,omitempty" db:"last_error"`
}

// StageStatus is the persisted per-(document, stage) state and timings.
type StageStatus struct {
	DocumentID   uuid.UUID  `json:"document_id" db:"document_id"`
	Stage        Stage      `json:"stage" db:"stage"`
	State        StageState `json:"state" db:"state"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMS   *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
	ErrorKind    *string    `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
	RetryCount   int        `json:"retry_count" db:"retry_count"`
}

// PipelineError is an operator-facing failure record with remediation.
type PipelineError struct {
	ID              uuid.UUID           `json:"id" db:"id"`
	DocumentID      uuid.UUID           `json:"document_id" db:"document_id"`
	Stage           Stage               `json:"stage" db:"stage"`
	ErrorKind       string              `json:"error_kind" db:"error_kind"`
	ErrorMessage    string              `json:"error_message" db:"error_message"`
	Severity        string              `json:"severity" db:"severity"`
	Status          PipelineErrorStatus `json:"status" db:"status"`
	RetryCount      int                 `json:"retry_count" db:"retry_count"`
	MaxRetries      int                 `json:"max_retries" db:"max_retries"`
	Remediation     json.RawMessage     `json:"remediation,omitempty" db:"remediation"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
	ResolvedAt      *time.Time          `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy      *string             `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolutionNotes *string             `json:"resolution_notes,omitempty" db:"resolution_notes"`
}

// AuditRecord is one row of the append-only audit log.
type AuditRecord struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	DocumentID *uuid.UUID      `json:"document_id,omitempty" db:"document_id"`
	Action     string          `json:"action" db:"action"`
	Actor      *string         `json:"actor,omitempty" db:"actor"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	OccurredAt time.Time       `json:"occurred_at" db:"occurred_at"`
}

// SearchHit is one result of a vector similarity search.
type SearchHit struct {
	OwnerKind  OwnerKind `json:"owner_kind"`
	OwnerID    uuid.UUID `json:"owner_id"`
	ModelName  string    `json:"model_name"`
	Similarity float64   `json:"similarity"`
}
