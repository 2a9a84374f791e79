package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentCreateAndGet(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	doc := createTestDocument(t, repos, "bizhub_c450_sm.pdf", "abc123")
	require.NotEqual(t, uuid.Nil, doc.ID)
	assert.Equal(t, ProcessingPending, doc.ProcessingStatus)

	byID, err := repos.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "bizhub_c450_sm.pdf", byID.Filename)
	assert.Equal(t, "abc123", byID.FileHash)

	byHash, err := repos.Documents.GetByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, byHash.ID)

	_, err = repos.Documents.GetByHash(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentDuplicateHashRejected(t *testing.T) {
	repos := newTestRepos(t)

	createTestDocument(t, repos, "a.pdf", "samehash")
	dup := &Document{
		Filename:     "b.pdf",
		FileHash:     "samehash",
		FileSize:     99,
		DocumentType: DocTypeServiceManual,
	}
	err := repos.Documents.Create(context.Background(), dup)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestDocumentSetters(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	doc := createTestDocument(t, repos, "manual.pdf", "h1")

	stage := StageClassification
	require.NoError(t, repos.Documents.SetStatus(ctx, doc.ID, ProcessingRunning, &stage))
	require.NoError(t, repos.Documents.SetPageInfo(ctx, doc.ID, 450, "en"))
	require.NoError(t, repos.Documents.SetDocumentType(ctx, doc.ID, DocTypePartsCatalog))

	m, err := repos.Manufacturers.Ensure(ctx, "Ricoh")
	require.NoError(t, err)
	require.NoError(t, repos.Documents.SetManufacturer(ctx, doc.ID, m.ID))

	got, err := repos.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessingRunning, got.ProcessingStatus)
	require.NotNil(t, got.CurrentStage)
	assert.Equal(t, StageClassification, *got.CurrentStage)
	require.NotNil(t, got.PageCount)
	assert.Equal(t, 450, *got.PageCount)
	require.NotNil(t, got.Language)
	assert.Equal(t, "en", *got.Language)
	assert.Equal(t, DocTypePartsCatalog, got.DocumentType)
	require.NotNil(t, got.ManufacturerID)
	assert.Equal(t, m.ID, *got.ManufacturerID)
}

func TestDocumentSettersMissingID(t *testing.T) {
	repos := newTestRepos(t)
	err := repos.Documents.SetPageInfo(context.Background(), uuid.New(), 10, "en")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentList(t *testing.T) {
	repos := newTestRepos(t)
	createTestDocument(t, repos, "one.pdf", "h1")
	createTestDocument(t, repos, "two.pdf", "h2")
	createTestDocument(t, repos, "three.pdf", "h3")

	docs, err := repos.Documents.List(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}
