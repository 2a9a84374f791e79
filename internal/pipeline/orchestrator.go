package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/krai-io/krai/internal/blob"
	"github.com/krai-io/krai/internal/embedding"
	"github.com/krai-io/krai/internal/fault"
	"github.com/krai-io/krai/internal/observability"
	"github.com/krai-io/krai/internal/storage"
)

// ProcessorConfig tunes ingest behavior.
type ProcessorConfig struct {
	MaxPendingItems int // queue depth watermark for ingest backpressure
	DefaultPriority int
	MaxAttempts     int
}

// DefaultProcessorConfig returns the standard ingest limits.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{MaxPendingItems: 1000, DefaultPriority: 0, MaxAttempts: 3}
}

// Processor is the orchestrator facade: ingest, reprocess, status, search.
type Processor struct {
	repos    *storage.Repositories
	blobs    blob.Store
	embedder embedding.Embedder
	cfg      ProcessorConfig
	logger   *observability.Logger
}

// NewProcessor creates the orchestrator.
func NewProcessor(repos *storage.Repositories, blobs blob.Store, embedder embedding.Embedder, cfg ProcessorConfig, logger *observability.Logger) *Processor {
	if cfg.MaxPendingItems <= 0 {
		cfg.MaxPendingItems = DefaultProcessorConfig().MaxPendingItems
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultProcessorConfig().MaxAttempts
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Processor{repos: repos, blobs: blobs, embedder: embedder, cfg: cfg, logger: logger}
}

// IngestRequest describes one document upload.
type IngestRequest struct {
	Content          io.Reader
	Filename         string
	ManufacturerName string // optional; classification may detect one later
	DocumentType     storage.DocumentType
	Priority         int
	ForceReprocess   bool
	UploadedBy       string
}

// IngestStatus classifies an ingest outcome.
type IngestStatus string

const (
	IngestStatusNew          IngestStatus = "new"
	IngestStatusDuplicate    IngestStatus = "duplicate"
	IngestStatusReprocessing IngestStatus = "reprocessing"
)

// IngestResult reports the created or matched document.
type IngestResult struct {
	Document      *storage.Document `json:"document"`
	Status        IngestStatus      `json:"status"`
	AlreadyExists bool              `json:"already_exists"`
}

// Ingest registers a document and queues it for processing. Duplicate
// content (by hash) resolves to the existing document with a duplicate
// status and enqueues nothing; ForceReprocess instead requeues the
// existing document from the first stage.
func (p *Processor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.Filename == "" {
		return nil, fault.Newf(fault.KindValidationError, "filename is required")
	}
	if req.DocumentType != "" && !storage.ValidDocumentType(req.DocumentType) {
		return nil, fault.Newf(fault.KindUnsupportedDocumentType,
			"unknown document type %q", req.DocumentType).WithEntity(string(req.DocumentType))
	}

	pending, err := p.repos.Queue.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("check queue depth: %w", err)
	}
	if pending >= p.cfg.MaxPendingItems {
		return nil, fault.Newf(fault.KindQueueSaturated,
			"queue holds %d items (limit %d), retry later", pending, p.cfg.MaxPendingItems)
	}

	// Spool the content once so it is hashed and stored from the same bytes.
	spool, err := os.CreateTemp("", "krai-ingest-*")
	if err != nil {
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	hash, size, err := blob.HashReader(io.TeeReader(req.Content, spool))
	if err != nil {
		return nil, fmt.Errorf("hash upload: %w", err)
	}

	existing, err := p.repos.Documents.GetByHash(ctx, hash)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if existing != nil {
		if !req.ForceReprocess {
			p.logger.WithDocument(existing.ID.String()).Info().
				Str("filename", req.Filename).
				Msg("Duplicate content matched existing document")
			return &IngestResult{Document: existing, Status: IngestStatusDuplicate, AlreadyExists: true}, nil
		}
		if err := p.ReprocessDocument(ctx, existing.ID); err != nil {
			return nil, err
		}
		return &IngestResult{Document: existing, Status: IngestStatusReprocessing, AlreadyExists: true}, nil
	}

	doc := &storage.Document{
		Filename:     req.Filename,
		FileHash:     hash,
		FileSize:     size,
		DocumentType: req.DocumentType,
	}
	if doc.DocumentType == "" {
		doc.DocumentType = storage.DocTypeServiceManual
	}
	if req.UploadedBy != "" {
		doc.UploadedBy = &req.UploadedBy
	}

	if req.ManufacturerName != "" {
		m, err := p.repos.Manufacturers.Ensure(ctx, req.ManufacturerName)
		if err != nil {
			return nil, fmt.Errorf("resolve manufacturer: %w", err)
		}
		doc.ManufacturerID = &m.ID
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool: %w", err)
	}
	key := blob.DocumentKey(hash, req.Filename)
	if _, err := p.blobs.Put(ctx, blob.BucketDocuments, key, spool); err != nil {
		return nil, fmt.Errorf("store document blob: %w", err)
	}

	if err := p.repos.Documents.Create(ctx, doc); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Lost an ingest race for the same content; the winner's row stands.
			winner, gerr := p.repos.Documents.GetByHash(ctx, hash)
			if gerr != nil {
				return nil, fmt.Errorf("resolve duplicate content: %w", gerr)
			}
			return &IngestResult{Document: winner, Status: IngestStatusDuplicate, AlreadyExists: true}, nil
		}
		return nil, fmt.Errorf("create document: %w", err)
	}

	if _, err := p.repos.Queue.Enqueue(ctx, doc.ID, storage.StageUpload, req.Priority, p.cfg.MaxAttempts); err != nil {
		return nil, fmt.Errorf("enqueue document: %w", err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"filename": req.Filename, "file_hash": hash, "file_size": size,
	})
	actor := req.UploadedBy
	var actorPtr *string
	if actor != "" {
		actorPtr = &actor
	}
	_ = p.repos.Audit.Record(ctx, &doc.ID, "document_ingested", actorPtr, payload)

	p.logger.WithDocument(doc.ID.String()).Info().
		Str("filename", req.Filename).
		Int64("size", size).
		Msg("Document ingested")
	return &IngestResult{Document: doc, Status: IngestStatusNew}, nil
}

// ReprocessStage requeues one stage of a document and returns the stage to
// not started. Earlier stages must already be complete; the gate check at
// execution enforces it.
func (p *Processor) ReprocessStage(ctx context.Context, documentID uuid.UUID, stage storage.Stage) error {
	if !storage.ValidStage(stage) {
		return fault.Newf(fault.KindValidationError, "unknown stage %q", stage)
	}
	doc, err := p.repos.Documents.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fault.Newf(fault.KindDocumentMissing, "document %s not found", documentID)
		}
		return err
	}

	if _, err := p.repos.Queue.Enqueue(ctx, doc.ID, stage, p.cfg.DefaultPriority, p.cfg.MaxAttempts); err != nil {
		return fmt.Errorf("enqueue stage: %w", err)
	}
	if err := p.repos.StageStatus.Reset(ctx, doc.ID, stage); err != nil {
		return fmt.Errorf("reset stage status: %w", err)
	}
	if err := p.repos.Documents.SetStatus(ctx, doc.ID, storage.ProcessingRunning, &stage); err != nil {
		return err
	}
	_ = p.repos.Audit.Record(ctx, &doc.ID, "stage_reprocessed", nil,
		json.RawMessage(fmt.Sprintf(`{"stage":%q}`, stage)))
	return nil
}

// ReprocessDocument requeues a document from the first stage, resetting
// every stage to not started.
func (p *Processor) ReprocessDocument(ctx context.Context, documentID uuid.UUID) error {
	doc, err := p.repos.Documents.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fault.Newf(fault.KindDocumentMissing, "document %s not found", documentID)
		}
		return err
	}

	first := storage.StageOrder[0]
	if _, err := p.repos.Queue.Enqueue(ctx, doc.ID, first, p.cfg.DefaultPriority, p.cfg.MaxAttempts); err != nil {
		return fmt.Errorf("enqueue document: %w", err)
	}
	if err := p.repos.StageStatus.ResetForDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("reset stage status: %w", err)
	}
	if err := p.repos.Documents.SetStatus(ctx, doc.ID, storage.ProcessingPending, &first); err != nil {
		return err
	}
	_ = p.repos.Audit.Record(ctx, &doc.ID, "document_reprocessed", nil, nil)
	return nil
}

// StageProgress aggregates how far a document is through the pipeline.
// Skipped stages count toward the fraction but are reported on their own
// so a 100% document still shows what was bypassed.
type StageProgress struct {
	Completed int     `json:"completed"`
	Skipped   int     `json:"skipped"`
	Failed    int     `json:"failed"`
	Total     int     `json:"total"`
	Fraction  float64 `json:"fraction"`
}

func stageProgress(stages []*storage.StageStatus) StageProgress {
	progress := StageProgress{Total: len(storage.StageOrder)}
	for _, s := range stages {
		switch s.State {
		case storage.StageCompleted:
			progress.Completed++
		case storage.StageSkipped:
			progress.Skipped++
		case storage.StageFailed:
			progress.Failed++
		}
	}
	progress.Fraction = float64(progress.Completed+progress.Skipped) / float64(progress.Total)
	return progress
}

// DocumentStatus is the full pipeline view of one document.
type DocumentStatus struct {
	Document *storage.Document        `json:"document"`
	Progress StageProgress            `json:"progress"`
	Stages   []*storage.StageStatus   `json:"stages"`
	Queue    []*storage.QueueItem     `json:"queue"`
	Errors   []*storage.PipelineError `json:"errors"`
}

// GetStatus returns the document with its aggregate progress and its
// stage, queue, and error state.
func (p *Processor) GetStatus(ctx context.Context, documentID uuid.UUID) (*DocumentStatus, error) {
	doc, err := p.repos.Documents.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fault.Newf(fault.KindDocumentMissing, "document %s not found", documentID)
		}
		return nil, err
	}

	stages, err := p.repos.StageStatus.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	queue, err := p.repos.Queue.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	faults, err := p.repos.PipelineErrors.List(ctx, storage.ErrorFilter{DocumentID: &documentID})
	if err != nil {
		return nil, err
	}

	return &DocumentStatus{
		Document: doc,
		Progress: stageProgress(stages),
		Stages:   stages,
		Queue:    queue,
		Errors:   faults,
	}, nil
}

// SearchResult is one semantic search hit resolved to its chunk.
type SearchResult struct {
	Chunk      *storage.Chunk `json:"chunk"`
	Similarity float64        `json:"similarity"`
}

// Search embeds the query and returns the k most similar chunks.
func (p *Processor) Search(ctx context.Context, query string, k int) ([]SearchResult, error) {
	if query == "" {
		return nil, fault.Newf(fault.KindValidationError, "query is required")
	}

	vectors, err := p.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := p.repos.Embeddings.Search(ctx, storage.OwnerChunk, p.embedder.Model(), vectors[0], k)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		chunk, err := p.repos.Chunks.GetByID(ctx, hit.OwnerID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Chunk: chunk, Similarity: hit.Similarity})
	}
	return results, nil
}
