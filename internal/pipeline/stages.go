// Package pipeline drives documents through the fixed stage sequence: the
// stage handlers, the leased worker runner, and the orchestrator facade.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/krai-io/krai/internal/blob"
	"github.com/krai-io/krai/internal/embedding"
	"github.com/krai-io/krai/internal/extract"
	"github.com/krai-io/krai/internal/fault"
	"github.com/krai-io/krai/internal/observability"
	"github.com/krai-io/krai/internal/pattern"
	"github.com/krai-io/krai/internal/storage"
)

// errSkipStage tells the runner a stage was intentionally bypassed; the
// document still advances.
var errSkipStage = errors.New("stage skipped")

// SkipStage wraps a reason into the skip sentinel.
func SkipStage(reason string) error {
	return fmt.Errorf("%w: %s", errSkipStage, reason)
}

// Engine holds the shared dependencies every stage handler works with.
type Engine struct {
	repos    *storage.Repositories
	blobs    blob.Store
	registry *pattern.Registry
	embedder embedding.Embedder
	text     *extract.TextExtractor
	images   *extract.ImageExtractor
	enricher *extract.Enricher
	chunker  extract.ChunkerConfig
	logger   *observability.Logger
}

// EngineConfig bundles the engine construction parameters.
type EngineConfig struct {
	Repos    *storage.Repositories
	Blobs    blob.Store
	Registry *pattern.Registry
	Embedder embedding.Embedder
	Text     *extract.TextExtractor
	Images   *extract.ImageExtractor
	Enricher *extract.Enricher
	Chunker  extract.ChunkerConfig
	Logger   *observability.Logger
}

// NewEngine wires the stage handlers.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = observability.Nop()
	}
	if cfg.Chunker.TargetSize <= 0 {
		cfg.Chunker = extract.DefaultChunkerConfig()
	}
	return &Engine{
		repos:    cfg.Repos,
		blobs:    cfg.Blobs,
		registry: cfg.Registry,
		embedder: cfg.Embedder,
		text:     cfg.Text,
		images:   cfg.Images,
		enricher: cfg.Enricher,
		chunker:  cfg.Chunker,
		logger:   cfg.Logger,
	}
}

// Handler runs one stage for one document.
type Handler func(ctx context.Context, doc *storage.Document) error

// HandlerFor returns the handler for a stage, or nil.
func (e *Engine) HandlerFor(stage storage.Stage) Handler {
	switch stage {
	case storage.StageUpload:
		return e.runUpload
	case storage.StageTextExtraction:
		return e.runTextExtraction
	case storage.StageImageProcessing:
		return e.runImageProcessing
	case storage.StageClassification:
		return e.runClassification
	case storage.StageMetadata:
		return e.runMetadataExtraction
	case storage.StageErrorCodes:
		return e.runErrorCodeExtraction
	case storage.StageChunkPrep:
		return e.runChunkPrep
	case storage.StageEnrichment:
		return e.runEnrichment
	case storage.StageEmbedding:
		return e.runEmbedding
	case storage.StageSearchIndexing:
		return e.runSearchIndexing
	}
	return nil
}

// pagesKey is the per-document artifact holding extracted page texts, so
// later stages replay them without re-running the converter.
func pagesKey(documentID uuid.UUID) string {
	return documentID.String() + "/pages.json"
}

func (e *Engine) documentBlobKey(doc *storage.Document) string {
	return blob.DocumentKey(doc.FileHash, doc.Filename)
}

// loadPages fetches the page-text artifact written by text extraction.
func (e *Engine) loadPages(ctx context.Context, doc *storage.Document) ([]extract.Page, error) {
	rc, err := e.blobs.Get(ctx, blob.BucketDocuments, pagesKey(doc.ID))
	if err != nil {
		return nil, fmt.Errorf("page texts for %s not available: %w", doc.ID, err)
	}
	defer rc.Close()

	var pages []extract.Page
	if err := json.NewDecoder(rc).Decode(&pages); err != nil {
		return nil, fault.New(fault.KindCorruptBlob, "decode page text artifact", err)
	}
	return pages, nil
}

// runUpload verifies the stored blob matches the recorded hash.
func (e *Engine) runUpload(ctx context.Context, doc *storage.Document) error {
	rc, err := e.blobs.Get(ctx, blob.BucketDocuments, e.documentBlobKey(doc))
	if err != nil {
		return fault.New(fault.KindCorruptBlob, "document blob missing", err)
	}
	defer rc.Close()

	hash, size, err := blob.HashReader(rc)
	if err != nil {
		return fault.New(fault.KindCorruptBlob, "hash document blob", err)
	}
	if hash != doc.FileHash {
		return fault.Newf(fault.KindCorruptBlob,
			"blob hash %s does not match recorded %s", hash[:12], doc.FileHash[:12])
	}
	if size != doc.FileSize {
		return fault.Newf(fault.KindCorruptBlob,
			"blob size %d does not match recorded %d", size, doc.FileSize)
	}
	return nil
}

// runTextExtraction converts the blob to page texts and stores them as an
// artifact for every later stage.
func (e *Engine) runTextExtraction(ctx context.Context, doc *storage.Document) error {
	rc, err := e.blobs.Get(ctx, blob.BucketDocuments, e.documentBlobKey(doc))
	if err != nil {
		return fault.New(fault.KindCorruptBlob, "document blob missing", err)
	}
	defer rc.Close()

	result, metrics, err := e.text.Extract(ctx, rc)
	if err != nil {
		return err
	}

	data, err := json.Marshal(result.Pages)
	if err != nil {
		return fmt.Errorf("encode page texts: %w", err)
	}
	if _, err := e.blobs.Put(ctx, blob.BucketDocuments, pagesKey(doc.ID), strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("store page texts: %w", err)
	}

	if err := e.repos.Documents.SetPageInfo(ctx, doc.ID, result.PageCount, result.Language); err != nil {
		return fmt.Errorf("record page info: %w", err)
	}

	e.logger.WithDocument(doc.ID.String()).Info().
		Int("pages", result.PageCount).
		Str("language", result.Language).
		Int("empty_pages", metrics.ItemsRejected).
		Msg("Text extraction complete")
	return nil
}

// runImageProcessing extracts page images into the blob store.
func (e *Engine) runImageProcessing(ctx context.Context, doc *storage.Document) error {
	if e.images == nil {
		return SkipStage("no image lister configured")
	}

	rc, err := e.blobs.Get(ctx, blob.BucketDocuments, e.documentBlobKey(doc))
	if err != nil {
		return fault.New(fault.KindCorruptBlob, "document blob missing", err)
	}
	defer rc.Close()

	records, metrics, err := e.images.Extract(ctx, doc.ID.String(), rc)
	if err != nil {
		return err
	}
	if err := e.repos.Images.ReplaceForDocument(ctx, doc.ID, records); err != nil {
		return fmt.Errorf("persist images: %w", err)
	}

	e.logger.WithDocument(doc.ID.String()).Info().
		Int("images", metrics.ItemsEmitted).
		Msg("Image processing complete")
	return nil
}

// runClassification determines document type and manufacturer hint. Low
// confidence records a review warning but never fails the stage.
func (e *Engine) runClassification(ctx context.Context, doc *storage.Document) error {
	pages, err := e.loadPages(ctx, doc)
	if err != nil {
		return err
	}

	result, _ := extract.Classify(doc.Filename, pages)
	if err := e.repos.Documents.SetDocumentType(ctx, doc.ID, result.DocumentType); err != nil {
		return fmt.Errorf("record document type: %w", err)
	}

	if result.Confidence < extract.LowConfidenceThreshold {
		warn := &storage.PipelineError{
			DocumentID:   doc.ID,
			Stage:        storage.StageClassification,
			ErrorKind:    "low_confidence_warning",
			ErrorMessage: fmt.Sprintf("classified as %s with confidence %.2f", result.DocumentType, result.Confidence),
			Severity:     string(fault.SeverityWarning),
		}
		if err := e.repos.PipelineErrors.Create(ctx, warn); err != nil {
			return fmt.Errorf("record low confidence warning: %w", err)
		}
	}

	if doc.ManufacturerID == nil && result.ManufacturerHint != "" {
		m, err := e.repos.Manufacturers.Ensure(ctx, result.ManufacturerHint)
		if err != nil {
			return fmt.Errorf("resolve detected manufacturer: %w", err)
		}
		if err := e.repos.Documents.SetManufacturer(ctx, doc.ID, m.ID); err != nil {
			return fmt.Errorf("record manufacturer: %w", err)
		}
		doc.ManufacturerID = &m.ID
	}

	e.logger.WithDocument(doc.ID.String()).Info().
		Str("document_type", string(result.DocumentType)).
		Float64("confidence", result.Confidence).
		Str("manufacturer_hint", result.ManufacturerHint).
		Str("language", result.Language).
		Msg("Classification complete")
	return nil
}

// runMetadataExtraction resolves products referenced by the document.
func (e *Engine) runMetadataExtraction(ctx context.Context, doc *storage.Document) error {
	if doc.ManufacturerID == nil {
		return SkipStage("no manufacturer resolved")
	}

	pages, err := e.loadPages(ctx, doc)
	if err != nil {
		return err
	}

	candidates, metrics := extract.ExtractProducts(pages)
	for _, c := range candidates {
		p := &storage.Product{
			ManufacturerID: *doc.ManufacturerID,
			ModelNumber:    c.ModelNumber,
		}
		if c.Series != "" {
			series, err := e.repos.Products.EnsureSeries(ctx, *doc.ManufacturerID, c.Series)
			if err != nil {
				return fmt.Errorf("ensure series %q: %w", c.Series, err)
			}
			p.SeriesID = &series.ID
		}
		if _, err := e.repos.Products.Ensure(ctx, p); err != nil {
			return fmt.Errorf("ensure product %q: %w", c.ModelNumber, err)
		}
	}

	e.logger.WithDocument(doc.ID.String()).Info().
		Int("products", metrics.ItemsEmitted).
		Msg("Metadata extraction complete")
	return nil
}

// runErrorCodeExtraction is the pattern-driven extractor stage. A document
// without a manufacturer skips; a manufacturer without patterns is a hard
// stop with remediation.
func (e *Engine) runErrorCodeExtraction(ctx context.Context, doc *storage.Document) error {
	if doc.ManufacturerID == nil {
		return SkipStage("no manufacturer resolved")
	}

	manufacturer, err := e.repos.Manufacturers.GetByID(ctx, *doc.ManufacturerID)
	if err != nil {
		return fault.New(fault.KindManufacturerMissing,
			"document references a missing manufacturer", err).
			WithEntity(doc.ManufacturerID.String())
	}

	set, err := e.registry.Snapshot().Get(manufacturer.Name)
	if err != nil {
		return err
	}

	pages, err := e.loadPages(ctx, doc)
	if err != nil {
		return err
	}

	extracted, metrics := extract.ExtractErrorCodes(pages, set)
	records := make([]*storage.ErrorCode, 0, len(extracted))
	for _, ec := range extracted {
		records = append(records, &storage.ErrorCode{
			ManufacturerID:  manufacturer.ID,
			Code:            ec.Code,
			Description:     ec.Description,
			SolutionText:    ec.SolutionText,
			PageNumber:      ec.PageNumber,
			ConfidenceScore: ec.Confidence,
			SeverityLevel:   ec.SeverityHint,
			ContextText:     ec.ContextText,
			Metadata:        errorCodeMetadata(ec),
		})
	}
	if err := e.repos.ErrorCodes.ReplaceForDocument(ctx, doc.ID, records); err != nil {
		return fmt.Errorf("persist error codes: %w", err)
	}

	e.logger.WithDocument(doc.ID.String()).Info().
		Str("manufacturer", manufacturer.Name).
		Int("codes", metrics.ItemsEmitted).
		Int("rejected", metrics.ItemsRejected).
		Msg("Error code extraction complete")
	return nil
}

func errorCodeMetadata(ec extract.ExtractedErrorCode) json.RawMessage {
	if ec.Category == "" {
		return nil
	}
	raw, err := json.Marshal(map[string]string{"category": ec.Category})
	if err != nil {
		return nil
	}
	return raw
}

// runChunkPrep chunks the document and links error codes to their covering
// chunks.
func (e *Engine) runChunkPrep(ctx context.Context, doc *storage.Document) error {
	pages, err := e.loadPages(ctx, doc)
	if err != nil {
		return err
	}

	extracted, metrics := extract.BuildChunks(pages, e.chunker)
	chunks := make([]*storage.Chunk, 0, len(extracted))
	for _, c := range extracted {
		chunks = append(chunks, &storage.Chunk{
			PageNumber:       c.PageNumber,
			SectionHierarchy: c.SectionHierarchy,
			SectionLevel:     c.SectionLevel,
			Text:             c.Text,
		})
	}
	if err := e.repos.Chunks.ReplaceForDocument(ctx, doc.ID, chunks); err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}

	// Deferred linkage: attach each error code to the first chunk covering
	// its page.
	codes, err := e.repos.ErrorCodes.ListByDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list error codes for linkage: %w", err)
	}
	linked := 0
	for _, code := range codes {
		chunk, err := e.repos.Chunks.FirstOnPage(ctx, doc.ID, code.PageNumber)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("find chunk for code %s: %w", code.Code, err)
		}
		if err := e.repos.ErrorCodes.LinkChunk(ctx, code.ID, chunk.ID); err != nil {
			return fmt.Errorf("link code %s: %w", code.Code, err)
		}
		linked++
	}

	e.logger.WithDocument(doc.ID.String()).Info().
		Int("chunks", metrics.ItemsEmitted).
		Int("codes_linked", linked).
		Msg("Chunking complete")
	return nil
}

// runEnrichment discovers links and enriches them with validation status
// and video metadata.
func (e *Engine) runEnrichment(ctx context.Context, doc *storage.Document) error {
	if e.enricher == nil {
		return SkipStage("no enricher configured")
	}

	pages, err := e.loadPages(ctx, doc)
	if err != nil {
		return err
	}

	candidates, metrics := extract.DiscoverLinks(pages)
	for _, c := range candidates {
		link := &storage.Link{
			DocumentID: doc.ID,
			URL:        c.URL,
			LinkType:   c.Type,
			PageNumber: c.PageNumber,
		}
		if err := e.repos.Links.Upsert(ctx, link); err != nil {
			return fmt.Errorf("persist link %q: %w", c.URL, err)
		}

		stored, err := e.repos.Links.GetByURL(ctx, doc.ID, c.URL)
		if err != nil {
			return fmt.Errorf("reload link %q: %w", c.URL, err)
		}

		result, err := e.enricher.Enrich(ctx, c)
		if err != nil {
			return err
		}
		err = e.repos.Links.SetEnrichment(ctx, stored.ID, result.Status,
			result.Title, result.Provider, result.DurationSeconds, result.Metadata)
		if err != nil {
			return fmt.Errorf("record enrichment for %q: %w", c.URL, err)
		}
	}

	e.logger.WithDocument(doc.ID.String()).Info().
		Int("links", metrics.ItemsEmitted).
		Msg("Enrichment complete")
	return nil
}

// runEmbedding embeds every chunk not yet embedded under the current model.
// Chunks already covered are left alone, so a re-run after a partial
// failure or a reprocess only pays for what is missing.
func (e *Engine) runEmbedding(ctx context.Context, doc *storage.Document) error {
	chunks, err := e.repos.Chunks.ListByDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return SkipStage("document has no chunks")
	}

	ids := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	covered, err := e.repos.Embeddings.CoveredOwners(ctx, storage.OwnerChunk, ids, e.embedder.Model())
	if err != nil {
		return fmt.Errorf("check embedding coverage: %w", err)
	}

	var todo []*storage.Chunk
	for _, c := range chunks {
		if !covered[c.ID] {
			todo = append(todo, c)
		}
	}
	if len(todo) == 0 {
		e.logger.WithDocument(doc.ID.String()).Info().
			Int("chunks", len(chunks)).
			Str("model", e.embedder.Model()).
			Msg("All chunks already embedded")
		return nil
	}

	texts := make([]string, len(todo))
	for i, c := range todo {
		texts[i] = c.Text
	}

	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}

	records := make([]*storage.Embedding, len(todo))
	for i, c := range todo {
		records[i] = &storage.Embedding{
			OwnerKind: storage.OwnerChunk,
			OwnerID:   c.ID,
			ModelName: e.embedder.Model(),
			Dimension: e.embedder.Dimension(),
			Vector:    vectors[i],
		}
	}
	if err := e.repos.Embeddings.Upsert(ctx, records); err != nil {
		return fmt.Errorf("persist embeddings: %w", err)
	}

	e.logger.WithDocument(doc.ID.String()).Info().
		Int("embedded", len(records)).
		Int("already_covered", len(covered)).
		Str("model", e.embedder.Model()).
		Msg("Embedding complete")
	return nil
}

// runSearchIndexing verifies embedding coverage before the document is
// declared searchable.
func (e *Engine) runSearchIndexing(ctx context.Context, doc *storage.Document) error {
	chunks, err := e.repos.Chunks.ListByDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return SkipStage("document has no chunks")
	}

	ids := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	covered, err := e.repos.Embeddings.CountForOwners(ctx, storage.OwnerChunk, ids, e.embedder.Model())
	if err != nil {
		return fmt.Errorf("verify embedding coverage: %w", err)
	}
	if covered != len(chunks) {
		return fault.Newf(fault.KindValidationError,
			"only %d of %d chunks are embedded under model %s",
			covered, len(chunks), e.embedder.Model())
	}

	e.logger.WithDocument(doc.ID.String()).Info().
		Int("chunks_indexed", covered).
		Msg("Document indexed for search")
	return nil
}
