package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FilesystemStore {
	t.Helper()
	s, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Put(ctx, BucketDocuments, "sha256/abc/manual.pdf", strings.NewReader("pdf bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	rc, err := s.Get(ctx, BucketDocuments, "sha256/abc/manual.pdf")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "pdf bytes", string(data))

	ok, err := s.Exists(ctx, BucketDocuments, "sha256/abc/manual.pdf")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetMissingBlob(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), BucketDocuments, "absent")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	ok, err := s.Exists(context.Background(), BucketDocuments, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutReplacesAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, BucketDocuments, "key", strings.NewReader("old"))
	require.NoError(t, err)
	_, err = s.Put(ctx, BucketDocuments, "key", strings.NewReader("new"))
	require.NoError(t, err)

	rc, err := s.Get(ctx, BucketDocuments, "key")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "new", string(data))

	// No leftover temp files after the rename.
	entries, err := os.ReadDir(filepath.Join(s.root, BucketDocuments))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, BucketDocuments, "key", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, BucketDocuments, "key"))
	require.NoError(t, s.Delete(ctx, BucketDocuments, "key"), "deleting a missing blob is not an error")

	ok, err := s.Exists(ctx, BucketDocuments, "key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPathRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, BucketDocuments, "../escape", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = s.Put(ctx, BucketDocuments, "/etc/passwd", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = s.Put(ctx, "buckets/nested", "key", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = s.Get(ctx, BucketDocuments, "a/../../escape")
	assert.Error(t, err)
}

func TestDocumentKeySanitizesFilename(t *testing.T) {
	assert.Equal(t, "sha256/abc/manual.pdf", DocumentKey("abc", "manual.pdf"))
	assert.Equal(t, "sha256/abc/manual.pdf", DocumentKey("abc", "/tmp/upload/manual.pdf"))
	assert.Equal(t, "sha256/abc/service_manual__v2_.pdf", DocumentKey("abc", "service manual (v2).pdf"))
}

func TestImageKey(t *testing.T) {
	assert.Equal(t, "doc-1/p0042/raster.png", ImageKey("doc-1", 42, "raster", ".png"))
	assert.Equal(t, "doc-1/p0042/raster.png", ImageKey("doc-1", 42, "raster", "png"))
}

func TestHashReader(t *testing.T) {
	hash, n, err := HashReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)

	same, _, err := HashReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, hash, same)
}
