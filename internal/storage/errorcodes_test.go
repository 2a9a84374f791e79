package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestErrorCodeReplaceForDocument(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	doc := createTestDocument(t, repos, "manual.pdf", "ec-h1")
	m, err := repos.Manufacturers.Ensure(ctx, "Konica Minolta")
	require.NoError(t, err)

	require.NoError(t, repos.ErrorCodes.ReplaceForDocument(ctx, doc.ID, []*ErrorCode{
		{ManufacturerID: m.ID, Code: "C9402", PageNumber: 211, ConfidenceScore: 0.92,
			SeverityLevel: strPtr("critical"), SolutionText: strPtr("Replace the exposure unit.")},
		{ManufacturerID: m.ID, Code: "C2557", PageNumber: 87, ConfidenceScore: 0.85},
	}))

	got, err := repos.ErrorCodes.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "C2557", got[0].Code, "page order")
	assert.Equal(t, "C9402", got[1].Code)
	require.NotNil(t, got[1].SolutionText)
	assert.Equal(t, "Replace the exposure unit.", *got[1].SolutionText)

	// Re-extraction replaces, never appends.
	require.NoError(t, repos.ErrorCodes.ReplaceForDocument(ctx, doc.ID, []*ErrorCode{
		{ManufacturerID: m.ID, Code: "C9402", PageNumber: 211, ConfidenceScore: 0.95},
	}))
	got, err = repos.ErrorCodes.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestErrorCodeRequiresManufacturer(t *testing.T) {
	repos := newTestRepos(t)
	doc := createTestDocument(t, repos, "manual.pdf", "ec-h2")

	err := repos.ErrorCodes.ReplaceForDocument(context.Background(), doc.ID, []*ErrorCode{
		{Code: "C9402", PageNumber: 1, ConfidenceScore: 0.9},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no manufacturer")
}

func TestErrorCodeFindByCode(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	doc := createTestDocument(t, repos, "manual.pdf", "ec-h3")
	km, err := repos.Manufacturers.Ensure(ctx, "Konica Minolta")
	require.NoError(t, err)
	hp, err := repos.Manufacturers.Ensure(ctx, "HP")
	require.NoError(t, err)

	require.NoError(t, repos.ErrorCodes.ReplaceForDocument(ctx, doc.ID, []*ErrorCode{
		{ManufacturerID: km.ID, Code: "C9402", PageNumber: 10, ConfidenceScore: 0.9},
		{ManufacturerID: hp.ID, Code: "C9402", PageNumber: 20, ConfidenceScore: 0.8},
	}))

	all, err := repos.ErrorCodes.FindByCode(ctx, "C9402", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.GreaterOrEqual(t, all[0].ConfidenceScore, all[1].ConfidenceScore)

	scoped, err := repos.ErrorCodes.FindByCode(ctx, "C9402", &hp.ID)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, hp.ID, scoped[0].ManufacturerID)
}

func TestErrorCodeLinkChunk(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	doc := createTestDocument(t, repos, "manual.pdf", "ec-h4")
	m, err := repos.Manufacturers.Ensure(ctx, "Ricoh")
	require.NoError(t, err)

	require.NoError(t, repos.ErrorCodes.ReplaceForDocument(ctx, doc.ID, []*ErrorCode{
		{ManufacturerID: m.ID, Code: "SC542", PageNumber: 3, ConfidenceScore: 0.9},
	}))
	require.NoError(t, repos.Chunks.ReplaceForDocument(ctx, doc.ID, []*Chunk{
		{PageNumber: 3, Text: "SC542 fusing thermistor"},
	}))

	codes, err := repos.ErrorCodes.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	chunk, err := repos.Chunks.FirstOnPage(ctx, doc.ID, 3)
	require.NoError(t, err)

	require.NoError(t, repos.ErrorCodes.LinkChunk(ctx, codes[0].ID, chunk.ID))
	codes, err = repos.ErrorCodes.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, codes[0].ChunkID)
	assert.Equal(t, chunk.ID, *codes[0].ChunkID)

	assert.ErrorIs(t, repos.ErrorCodes.LinkChunk(ctx, uuid.New(), chunk.ID), ErrNotFound)
}

func TestImageReplaceForDocument(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	doc := createTestDocument(t, repos, "manual.pdf", "img-h1")

	require.NoError(t, repos.Images.ReplaceForDocument(ctx, doc.ID, []*Image{
		{PageNumber: 5, ImageType: ImageRaster, BlobBucket: "krai-images", BlobKey: "d/p5-0.png"},
		{PageNumber: 2, ImageType: ImageVectorGraphic, BlobBucket: "krai-images", BlobKey: "d/p2-0.svg",
			OCRText: strPtr("fuser unit assembly")},
	}))

	got, err := repos.Images.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].PageNumber, "page order")
	require.NotNil(t, got[0].OCRText)
	assert.Equal(t, "fuser unit assembly", *got[0].OCRText)

	require.NoError(t, repos.Images.ReplaceForDocument(ctx, doc.ID, nil))
	got, err = repos.Images.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLinkUpsertKeepsExisting(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	doc := createTestDocument(t, repos, "manual.pdf", "link-h1")

	first := &Link{
		DocumentID: doc.ID,
		URL:        "https://www.youtube.com/watch?v=abc123",
		LinkType:   LinkTypeVideo,
		PageNumber: 12,
	}
	require.NoError(t, repos.Links.Upsert(ctx, first))
	assert.Equal(t, LinkUnchecked, first.ValidationStatus)

	// Same URL seen again on a later page: the original row wins.
	require.NoError(t, repos.Links.Upsert(ctx, &Link{
		DocumentID: doc.ID,
		URL:        "https://www.youtube.com/watch?v=abc123",
		LinkType:   LinkTypeVideo,
		PageNumber: 90,
	}))

	links, err := repos.Links.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, 12, links[0].PageNumber)
}

func TestLinkSetEnrichment(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	doc := createTestDocument(t, repos, "manual.pdf", "link-h2")

	l := &Link{
		DocumentID: doc.ID,
		URL:        "https://vimeo.com/12345",
		LinkType:   LinkTypeVideo,
		PageNumber: 4,
	}
	require.NoError(t, repos.Links.Upsert(ctx, l))

	duration := 312
	require.NoError(t, repos.Links.SetEnrichment(ctx, l.ID, LinkOK,
		strPtr("Fuser replacement walkthrough"), strPtr("vimeo"), &duration,
		[]byte(`{"thumbnail":"https://i.vimeocdn.com/12345.jpg"}`)))

	got, err := repos.Links.GetByURL(ctx, doc.ID, "https://vimeo.com/12345")
	require.NoError(t, err)
	assert.Equal(t, LinkOK, got.ValidationStatus)
	require.NotNil(t, got.Title)
	assert.Equal(t, "Fuser replacement walkthrough", *got.Title)
	require.NotNil(t, got.DurationSeconds)
	assert.Equal(t, 312, *got.DurationSeconds)
	assert.JSONEq(t, `{"thumbnail":"https://i.vimeocdn.com/12345.jpg"}`, string(got.Metadata))

	assert.ErrorIs(t, repos.Links.SetEnrichment(ctx, uuid.New(), LinkBroken, nil, nil, nil, nil), ErrNotFound)

	_, err = repos.Links.GetByURL(ctx, doc.ID, "https://example.com/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
