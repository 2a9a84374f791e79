package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceForDocumentLinksChunks(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	doc := createTestDocument(t, repos, "manual.pdf", "chunk-h1")

	chunks := []*Chunk{
		{PageNumber: 1, Text: "first", SectionHierarchy: []string{"Troubleshooting"}, SectionLevel: 1},
		{PageNumber: 1, Text: "second", SectionHierarchy: []string{"Troubleshooting", "Error Codes"}, SectionLevel: 2},
		{PageNumber: 2, Text: "third"},
	}
	require.NoError(t, repos.Chunks.ReplaceForDocument(ctx, doc.ID, chunks))

	got, err := repos.Chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Nil(t, got[0].PreviousChunkID)
	require.NotNil(t, got[0].NextChunkID)
	assert.Equal(t, got[1].ID, *got[0].NextChunkID)
	require.NotNil(t, got[1].PreviousChunkID)
	assert.Equal(t, got[0].ID, *got[1].PreviousChunkID)
	assert.Nil(t, got[2].NextChunkID)

	for i, c := range got {
		assert.Equal(t, i, c.Ordinal)
	}
	assert.Equal(t, []string{"Troubleshooting", "Error Codes"}, got[1].SectionHierarchy)
	assert.Nil(t, got[2].SectionHierarchy)
}

func TestReplaceForDocumentIsIdempotent(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	doc := createTestDocument(t, repos, "manual.pdf", "chunk-h2")

	require.NoError(t, repos.Chunks.ReplaceForDocument(ctx, doc.ID, []*Chunk{
		{PageNumber: 1, Text: "old a"}, {PageNumber: 2, Text: "old b"},
	}))
	require.NoError(t, repos.Chunks.ReplaceForDocument(ctx, doc.ID, []*Chunk{
		{PageNumber: 1, Text: "new"},
	}))

	got, err := repos.Chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Text)
}

func TestFirstOnPage(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	doc := createTestDocument(t, repos, "manual.pdf", "chunk-h3")

	require.NoError(t, repos.Chunks.ReplaceForDocument(ctx, doc.ID, []*Chunk{
		{PageNumber: 1, Text: "p1 a"},
		{PageNumber: 2, Text: "p2 a"},
		{PageNumber: 2, Text: "p2 b"},
	}))

	c, err := repos.Chunks.FirstOnPage(ctx, doc.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "p2 a", c.Text)

	_, err = repos.Chunks.FirstOnPage(ctx, doc.ID, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repos.Chunks.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
