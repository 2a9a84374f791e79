package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestDB opens an in-memory SQLite database with the full schema. A
// single connection keeps the in-memory database alive for the whole test.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(context.Background(), db, DriverSQLite, 8))
	return db
}

func newTestRepos(t *testing.T) *Repositories {
	t.Helper()
	return NewRepositories(newTestDB(t), DriverSQLite)
}

// createTestDocument inserts a minimal document and returns it.
func createTestDocument(t *testing.T, repos *Repositories, filename, hash string) *Document {
	t.Helper()
	doc := &Document{
		Filename:     filename,
		FileHash:     hash,
		FileSize:     1024,
		DocumentType: DocTypeServiceManual,
	}
	require.NoError(t, repos.Documents.Create(context.Background(), doc))
	return doc
}

func TestStageOrderFixed(t *testing.T) {
	require.Len(t, StageOrder, 10)
	require.Equal(t, StageUpload, StageOrder[0])
	require.Equal(t, StageSearchIndexing, StageOrder[len(StageOrder)-1])

	next, ok := NextStage(StageUpload)
	require.True(t, ok)
	require.Equal(t, StageTextExtraction, next)

	_, ok = NextStage(StageSearchIndexing)
	require.False(t, ok)

	require.Equal(t, -1, StageIndex(Stage("bogus")))
	require.False(t, ValidStage(Stage("bogus")))
}

func TestValidDocumentType(t *testing.T) {
	require.True(t, ValidDocumentType(DocTypeServiceManual))
	require.True(t, ValidDocumentType(DocTypePartsCatalog))
	require.False(t, ValidDocumentType(DocumentType("novel")))
}

func TestRepositoriesShareConnection(t *testing.T) {
	repos := newTestRepos(t)
	require.NotNil(t, repos.Documents)
	require.NotNil(t, repos.Queue)
	require.NotNil(t, repos.Embeddings)

	// Unknown IDs come back as ErrNotFound, not driver errors.
	_, err := repos.Documents.GetByID(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}
