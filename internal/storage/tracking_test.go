package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageStatusTransitions(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	docID := uuid.New()

	_, err := repos.StageStatus.Get(ctx, docID, StageUpload)
	assert.ErrorIs(t, err, ErrNotFound, "unstarted stage has no row")

	require.NoError(t, repos.StageStatus.MarkRunning(ctx, docID, StageUpload, 0))
	running, err := repos.StageStatus.Get(ctx, docID, StageUpload)
	require.NoError(t, err)
	assert.Equal(t, StageRunning, running.State)
	require.NotNil(t, running.StartedAt)

	startedAt := *running.StartedAt
	require.NoError(t, repos.StageStatus.MarkCompleted(ctx, docID, StageUpload, startedAt))
	done, err := repos.StageStatus.Get(ctx, docID, StageUpload)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, done.State)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.DurationMS)
	assert.GreaterOrEqual(t, *done.DurationMS, int64(0))
}

func TestStageStatusFailurePreservesStart(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	docID := uuid.New()

	require.NoError(t, repos.StageStatus.MarkRunning(ctx, docID, StageErrorCodes, 0))
	require.NoError(t, repos.StageStatus.MarkFailed(ctx, docID, StageErrorCodes,
		"manufacturer_pattern_not_found", "no patterns for UTAX", 0))

	failed, err := repos.StageStatus.Get(ctx, docID, StageErrorCodes)
	require.NoError(t, err)
	assert.Equal(t, StageFailed, failed.State)
	require.NotNil(t, failed.ErrorKind)
	assert.Equal(t, "manufacturer_pattern_not_found", *failed.ErrorKind)
	assert.NotNil(t, failed.StartedAt, "failure overwrite keeps the recorded start time")
}

func TestStageStatusListInPipelineOrder(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	docID := uuid.New()

	// Written out of order; List must come back in pipeline order.
	require.NoError(t, repos.StageStatus.MarkSkipped(ctx, docID, StageImageProcessing))
	require.NoError(t, repos.StageStatus.MarkRunning(ctx, docID, StageUpload, 0))
	require.NoError(t, repos.StageStatus.MarkRunning(ctx, docID, StageTextExtraction, 0))

	list, err := repos.StageStatus.ListByDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, StageUpload, list[0].Stage)
	assert.Equal(t, StageTextExtraction, list[1].Stage)
	assert.Equal(t, StageImageProcessing, list[2].Stage)
}

func TestStageStatusReset(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	docID := uuid.New()

	now := time.Now().UTC()
	require.NoError(t, repos.StageStatus.MarkCompleted(ctx, docID, StageUpload, now))
	require.NoError(t, repos.StageStatus.MarkCompleted(ctx, docID, StageTextExtraction, now))

	require.NoError(t, repos.StageStatus.Reset(ctx, docID, StageTextExtraction))
	_, err := repos.StageStatus.Get(ctx, docID, StageTextExtraction)
	assert.ErrorIs(t, err, ErrNotFound, "a reset stage reads as not started")
	kept, err := repos.StageStatus.Get(ctx, docID, StageUpload)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, kept.State)

	// Resetting an absent row is a no-op.
	require.NoError(t, repos.StageStatus.Reset(ctx, docID, StageEmbedding))

	require.NoError(t, repos.StageStatus.ResetForDocument(ctx, docID))
	list, err := repos.StageStatus.ListByDocument(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPipelineErrorFilterAndResolve(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	docA, docB := uuid.New(), uuid.New()

	errA := &PipelineError{
		DocumentID: docA, Stage: StageErrorCodes,
		ErrorKind: "manufacturer_pattern_not_found", ErrorMessage: "no patterns",
		Severity: "error", MaxRetries: 3,
		Remediation: []byte(`{"options":["add patterns"]}`),
	}
	require.NoError(t, repos.PipelineErrors.Create(ctx, errA))
	assert.Equal(t, PipelineErrorPending, errA.Status, "status defaults to pending")
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, repos.PipelineErrors.Create(ctx, &PipelineError{
		DocumentID: docB, Stage: StageEmbedding,
		ErrorKind: "external_service_unavailable", ErrorMessage: "timeout",
		Severity: "error", MaxRetries: 3, Status: PipelineErrorRetrying,
	}))

	byDoc, err := repos.PipelineErrors.List(ctx, ErrorFilter{DocumentID: &docA})
	require.NoError(t, err)
	require.Len(t, byDoc, 1)
	assert.JSONEq(t, `{"options":["add patterns"]}`, string(byDoc[0].Remediation))

	byStage, err := repos.PipelineErrors.List(ctx, ErrorFilter{Stage: StageEmbedding})
	require.NoError(t, err)
	require.Len(t, byStage, 1)

	all, err := repos.PipelineErrors.List(ctx, ErrorFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, docB, all[0].DocumentID, "newest first")

	require.NoError(t, repos.PipelineErrors.Resolve(ctx, errA.ID, "tech-1", "patterns added"))
	resolved, err := repos.PipelineErrors.List(ctx, ErrorFilter{Status: PipelineErrorResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.NotNil(t, resolved[0].ResolvedBy)
	assert.Equal(t, "tech-1", *resolved[0].ResolvedBy)

	assert.ErrorIs(t, repos.PipelineErrors.Resolve(ctx, uuid.New(), "x", ""), ErrNotFound)
}

func TestAuditTrail(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	docID := uuid.New()
	actor := "uploader"

	require.NoError(t, repos.Audit.Record(ctx, &docID, "document_ingested", &actor,
		[]byte(`{"filename":"m.pdf"}`)))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, repos.Audit.Record(ctx, &docID, "document_completed", nil, nil))
	require.NoError(t, repos.Audit.Record(ctx, nil, "engine_started", nil, nil))

	trail, err := repos.Audit.ListByDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "document_ingested", trail[0].Action)
	require.NotNil(t, trail[0].Actor)
	assert.Equal(t, "uploader", *trail[0].Actor)
	assert.Equal(t, "document_completed", trail[1].Action)
}
