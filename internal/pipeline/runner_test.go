package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krai-io/krai/internal/blob"
	"github.com/krai-io/krai/internal/embedding"
	"github.com/krai-io/krai/internal/extract"
	"github.com/krai-io/krai/internal/fault"
	"github.com/krai-io/krai/internal/pattern"
	"github.com/krai-io/krai/internal/storage"
)

const testPatterns = `
konica_minolta:
  patterns:
    - regex: 'C\d{4}'
      category: controller
      severity_hint: critical
  validation_regex: '^C\d{4}$'
`

// manualPages is what the stub converter yields for every test document.
var manualPages = []extract.Page{
	{Number: 1, Text: "4 TROUBLESHOOTING\n\nError code list for bizhub C450i\n\nC9402 Exposure LED failure\nSolution:\nReplace the exposure unit.\n"},
	{Number: 2, Text: "Maintenance notes and the registration procedure.\n"},
}

type stubConverter struct {
	pages []extract.Page
}

func (s *stubConverter) Convert(_ context.Context, _ io.Reader) ([]extract.Page, error) {
	return s.pages, nil
}

// countingEmbedder counts provider calls around the deterministic mock.
type countingEmbedder struct {
	inner *embedding.MockClient
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	return c.inner.Embed(ctx, texts)
}
func (c *countingEmbedder) Model() string  { return c.inner.Model() }
func (c *countingEmbedder) Dimension() int { return c.inner.Dimension() }

type failingEmbedder struct{}

func (f *failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fault.Newf(fault.KindExternalServiceUnavailable,
		"embedding provider down").WithStage("embedding")
}
func (f *failingEmbedder) Model() string  { return "mock-embedder" }
func (f *failingEmbedder) Dimension() int { return 8 }

type testEnv struct {
	repos     *storage.Repositories
	blobs     blob.Store
	engine    *Engine
	runner    *Runner
	processor *Processor
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db, storage.DriverSQLite, 8))
	return db
}

func newTestRegistry(t *testing.T) *pattern.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPatterns), 0o644))
	reg, err := pattern.NewRegistry(path)
	require.NoError(t, err)
	return reg
}

func newTestEnv(t *testing.T, embedder embedding.Embedder) *testEnv {
	t.Helper()
	db := newTestDB(t)
	repos := storage.NewRepositories(db, storage.DriverSQLite)
	blobs, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	if embedder == nil {
		embedder = embedding.NewMockClient(8)
	}

	engine := NewEngine(EngineConfig{
		Repos:    repos,
		Blobs:    blobs,
		Registry: newTestRegistry(t),
		Embedder: embedder,
		Text:     extract.NewTextExtractor(&stubConverter{pages: manualPages}),
		Chunker:  extract.ChunkerConfig{TargetSize: 400, Overlap: 40},
	})
	runner := NewRunner(engine, RunnerConfig{
		Workers:       1,
		LeaseTTL:      time.Minute,
		MaxAttempts:   3,
		BackoffBase:   10 * time.Millisecond,
		BackoffFactor: 2,
	}, nil)
	processor := NewProcessor(repos, blobs, embedder,
		ProcessorConfig{MaxPendingItems: 100, MaxAttempts: 3}, nil)

	return &testEnv{repos: repos, blobs: blobs, engine: engine, runner: runner, processor: processor}
}

// drain leases and processes items until nothing is leasable, returning the
// number of items processed.
func (env *testEnv) drain(t *testing.T, ctx context.Context) int {
	t.Helper()
	steps := 0
	for i := 0; i < 64; i++ {
		item, err := env.repos.Queue.Lease(ctx, "test-worker", time.Minute)
		if errors.Is(err, storage.ErrNotFound) {
			return steps
		}
		require.NoError(t, err)
		env.runner.ProcessItem(ctx, "test-worker", item)
		steps++
	}
	t.Fatal("queue did not drain")
	return steps
}

func TestPipelineRunsDocumentToCompletion(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	result, err := env.processor.Ingest(ctx, IngestRequest{
		Content:          bytesReader("fake pdf payload"),
		Filename:         "bizhub_c450i_sm.pdf",
		ManufacturerName: "Konica Minolta",
	})
	require.NoError(t, err)
	docID := result.Document.ID

	steps := env.drain(t, ctx)
	assert.Equal(t, len(storage.StageOrder), steps, "one queue item per stage")

	doc, err := env.repos.Documents.GetByID(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, storage.ProcessingCompleted, doc.ProcessingStatus)
	require.NotNil(t, doc.CurrentStage)
	assert.Equal(t, storage.StageSearchIndexing, *doc.CurrentStage)
	require.NotNil(t, doc.PageCount)
	assert.Equal(t, 2, *doc.PageCount)

	stages, err := env.repos.StageStatus.ListByDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, stages, len(storage.StageOrder))
	states := map[storage.Stage]storage.StageState{}
	for _, s := range stages {
		states[s.Stage] = s.State
	}
	assert.Equal(t, storage.StageSkipped, states[storage.StageImageProcessing], "no image lister configured")
	assert.Equal(t, storage.StageSkipped, states[storage.StageEnrichment], "no enricher configured")
	for _, stage := range []storage.Stage{
		storage.StageUpload, storage.StageTextExtraction, storage.StageClassification,
		storage.StageMetadata, storage.StageErrorCodes, storage.StageChunkPrep,
		storage.StageEmbedding, storage.StageSearchIndexing,
	} {
		assert.Equal(t, storage.StageCompleted, states[stage], stage)
	}

	codes, err := env.repos.ErrorCodes.ListByDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "C9402", codes[0].Code)
	assert.NotNil(t, codes[0].ChunkID, "codes link to the chunk covering their page")
	assert.NotNil(t, codes[0].SolutionText)

	chunks, err := env.repos.Chunks.ListByDocument(ctx, docID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	ids := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	covered, err := env.repos.Embeddings.CountForOwners(ctx, storage.OwnerChunk, ids, "mock-embedder")
	require.NoError(t, err)
	assert.Equal(t, len(chunks), covered, "every chunk is embedded")
}

func TestPipelineStopsOnMissingPatterns(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	result, err := env.processor.Ingest(ctx, IngestRequest{
		Content:          bytesReader("utax payload"),
		Filename:         "utax_p4531_sm.pdf",
		ManufacturerName: "UTAX",
	})
	require.NoError(t, err)
	docID := result.Document.ID

	env.drain(t, ctx)

	doc, err := env.repos.Documents.GetByID(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, storage.ProcessingFailed, doc.ProcessingStatus)
	require.NotNil(t, doc.CurrentStage)
	assert.Equal(t, storage.StageErrorCodes, *doc.CurrentStage)

	faults, err := env.repos.PipelineErrors.List(ctx, storage.ErrorFilter{DocumentID: &docID})
	require.NoError(t, err)
	require.Len(t, faults, 1)
	assert.Equal(t, string(fault.KindManufacturerPatternNotFound), faults[0].ErrorKind)
	assert.Equal(t, storage.PipelineErrorPending, faults[0].Status)

	var remediation struct {
		Options []string `json:"options"`
		Hints   []string `json:"hints"`
	}
	require.NoError(t, json.Unmarshal(faults[0].Remediation, &remediation))
	require.NotEmpty(t, remediation.Options)
	assert.Contains(t, remediation.Options[0], "--based-on kyocera")
	assert.NotEmpty(t, remediation.Hints)
}

func TestProcessItemGateBlocksOutOfOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	doc := &storage.Document{
		Filename: "manual.pdf", FileHash: "gate-h1", FileSize: 10,
		DocumentType: storage.DocTypeServiceManual,
	}
	require.NoError(t, env.repos.Documents.Create(ctx, doc))
	_, err := env.repos.Queue.Enqueue(ctx, doc.ID, storage.StageClassification, 0, 3)
	require.NoError(t, err)

	item, err := env.repos.Queue.Lease(ctx, "w0", time.Minute)
	require.NoError(t, err)
	env.runner.ProcessItem(ctx, "w0", item)

	got, err := env.repos.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ProcessingFailed, got.ProcessingStatus)

	items, err := env.repos.Queue.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, storage.QueueFailed, items[0].Status,
		"ordering violations never retry")

	faults, err := env.repos.PipelineErrors.List(ctx, storage.ErrorFilter{DocumentID: &doc.ID})
	require.NoError(t, err)
	require.Len(t, faults, 1)
	assert.Equal(t, string(fault.KindValidationError), faults[0].ErrorKind)
	assert.Contains(t, faults[0].ErrorMessage, "upload has not run")
}

func TestProcessItemRetriesTransientFailure(t *testing.T) {
	env := newTestEnv(t, &failingEmbedder{})
	ctx := context.Background()

	doc := &storage.Document{
		Filename: "manual.pdf", FileHash: "retry-h1", FileSize: 10,
		DocumentType: storage.DocTypeServiceManual,
	}
	require.NoError(t, env.repos.Documents.Create(ctx, doc))
	now := time.Now().UTC()
	for _, stage := range storage.StageOrder[:storage.StageIndex(storage.StageEmbedding)] {
		require.NoError(t, env.repos.StageStatus.MarkCompleted(ctx, doc.ID, stage, now))
	}
	require.NoError(t, env.repos.Chunks.ReplaceForDocument(ctx, doc.ID, []*storage.Chunk{
		{PageNumber: 1, Text: "chunk text"},
	}))
	_, err := env.repos.Queue.Enqueue(ctx, doc.ID, storage.StageEmbedding, 0, 3)
	require.NoError(t, err)

	item, err := env.repos.Queue.Lease(ctx, "w0", time.Minute)
	require.NoError(t, err)
	env.runner.ProcessItem(ctx, "w0", item)

	items, err := env.repos.Queue.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, storage.QueuePending, items[0].Status, "transient faults requeue")
	assert.Equal(t, 1, items[0].Attempts)
	assert.NotNil(t, items[0].NotBefore, "retry waits out the backoff")

	faults, err := env.repos.PipelineErrors.List(ctx, storage.ErrorFilter{DocumentID: &doc.ID})
	require.NoError(t, err)
	require.Len(t, faults, 1)
	assert.Equal(t, storage.PipelineErrorRetrying, faults[0].Status)
	assert.Equal(t, string(fault.KindExternalServiceUnavailable), faults[0].ErrorKind)

	got, err := env.repos.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.NotEqual(t, storage.ProcessingFailed, got.ProcessingStatus,
		"a scheduled retry is not a document failure")
}

func queueItemFor(t *testing.T, ctx context.Context, repos *storage.Repositories, docID uuid.UUID, stage storage.Stage) *storage.QueueItem {
	t.Helper()
	items, err := repos.Queue.ListByDocument(ctx, docID)
	require.NoError(t, err)
	for _, item := range items {
		if item.Stage == stage {
			return item
		}
	}
	t.Fatalf("no queue item for stage %s", stage)
	return nil
}

func TestEnrichmentOutageRetriesThroughQueue(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pages := []extract.Page{
		{Number: 1, Text: "Firmware update walkthrough: " + srv.URL + "\n"},
	}

	db := newTestDB(t)
	repos := storage.NewRepositories(db, storage.DriverSQLite)
	blobs, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	embedder := embedding.NewMockClient(8)

	engine := NewEngine(EngineConfig{
		Repos:    repos,
		Blobs:    blobs,
		Registry: newTestRegistry(t),
		Embedder: embedder,
		Text:     extract.NewTextExtractor(&stubConverter{pages: pages}),
		Enricher: extract.NewEnricher(extract.EnricherConfig{RequestTimeout: 5 * time.Second}, nil, nil, nil),
		Chunker:  extract.ChunkerConfig{TargetSize: 400, Overlap: 40},
	})
	// A backoff wide enough that the first drain reliably leaves the
	// retry invisible.
	runner := NewRunner(engine, RunnerConfig{
		Workers:       1,
		LeaseTTL:      time.Minute,
		MaxAttempts:   3,
		BackoffBase:   200 * time.Millisecond,
		BackoffFactor: 2,
	}, nil)
	processor := NewProcessor(repos, blobs, embedder,
		ProcessorConfig{MaxPendingItems: 100, MaxAttempts: 3}, nil)
	env := &testEnv{repos: repos, blobs: blobs, engine: engine, runner: runner, processor: processor}

	ctx := context.Background()
	result, err := processor.Ingest(ctx, IngestRequest{
		Content: bytesReader("payload"), Filename: "bizhub_c450i_sm.pdf",
		ManufacturerName: "Konica Minolta",
	})
	require.NoError(t, err)
	docID := result.Document.ID

	// The first pass stops at enrichment: the provider stays down through
	// the in-process retry, so the stage is rescheduled with backoff.
	env.drain(t, ctx)
	item := queueItemFor(t, ctx, repos, docID, storage.StageEnrichment)
	assert.Equal(t, storage.QueuePending, item.Status)
	assert.Equal(t, 1, item.Attempts)

	// The second attempt succeeds and the document runs to completion.
	time.Sleep(250 * time.Millisecond)
	env.drain(t, ctx)

	item = queueItemFor(t, ctx, repos, docID, storage.StageEnrichment)
	assert.Equal(t, storage.QueueCompleted, item.Status)
	assert.Equal(t, 2, item.Attempts)

	link, err := repos.Links.GetByURL(ctx, docID, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, storage.LinkOK, link.ValidationStatus)

	doc, err := repos.Documents.GetByID(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, storage.ProcessingCompleted, doc.ProcessingStatus)
	assert.Equal(t, int32(3), calls.Load(), "two calls on the first attempt, one on the second")
}

func TestEmbeddingSkipsCoveredChunks(t *testing.T) {
	embedder := &countingEmbedder{inner: embedding.NewMockClient(8)}
	env := newTestEnv(t, embedder)
	ctx := context.Background()

	result, err := env.processor.Ingest(ctx, IngestRequest{
		Content: bytesReader("payload"), Filename: "bizhub_c450i_sm.pdf",
		ManufacturerName: "Konica Minolta",
	})
	require.NoError(t, err)
	env.drain(t, ctx)
	require.Equal(t, int32(1), embedder.calls.Load())

	require.NoError(t, env.processor.ReprocessStage(ctx, result.Document.ID, storage.StageEmbedding))
	env.drain(t, ctx)
	assert.Equal(t, int32(1), embedder.calls.Load(),
		"chunks already embedded under the model are not re-sent to the provider")

	doc, err := env.repos.Documents.GetByID(ctx, result.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ProcessingCompleted, doc.ProcessingStatus)
}

func TestBackoffGrowsPerAttempt(t *testing.T) {
	env := newTestEnv(t, nil)
	r := env.runner

	assert.Equal(t, 10*time.Millisecond, r.backoff(1))
	assert.Equal(t, 20*time.Millisecond, r.backoff(2))
	assert.Equal(t, 40*time.Millisecond, r.backoff(3))
}

func TestRemediationJSON(t *testing.T) {
	f := fault.Newf(fault.KindManufacturerPatternNotFound, "no patterns").
		WithRemediations("copy from kyocera").
		WithHints("rebrand")
	raw := remediationJSON(f)
	require.NotNil(t, raw)
	assert.JSONEq(t, `{"options":["copy from kyocera"],"hints":["rebrand"]}`, string(raw))

	assert.Nil(t, remediationJSON(errors.New("plain failure")))
	assert.Nil(t, remediationJSON(fault.Newf(fault.KindUnexpected, "no remediation set")))
}
