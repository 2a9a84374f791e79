// Package blob stores document payloads and extracted images outside the
// database. Rows reference blobs by (bucket, key).
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Bucket names. Buckets are created on demand.
const (
	BucketDocuments      = "documents"
	BucketDocumentImages = "document-images"
	BucketErrorImages    = "error-images"
	BucketPartsImages    = "parts-images"
)

// Store is a content-addressed blob store.
type Store interface {
	// Put writes a blob and returns its size in bytes. Writes are atomic:
	// a reader never observes a partial blob.
	Put(ctx context.Context, bucket, key string, r io.Reader) (int64, error)
	// Get opens a blob for reading. The caller closes the reader.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	// Exists reports whether the blob is present.
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, bucket, key string) error
}

// DocumentKey addresses an uploaded file by content hash, so identical
// uploads share one blob.
func DocumentKey(fileHash, filename string) string {
	return fmt.Sprintf("sha256/%s/%s", fileHash, sanitize(filename))
}

// ImageKey addresses an extracted page asset.
func ImageKey(documentID string, page int, kind, ext string) string {
	return fmt.Sprintf("%s/p%04d/%s.%s", documentID, page, kind, strings.TrimPrefix(ext, "."))
}

// HashReader computes the sha256 of everything read from r.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func sanitize(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || name == "." {
		return "blob"
	}
	return name
}

// FilesystemStore keeps blobs under root/<bucket>/<key>.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates the store rooted at dir.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FilesystemStore{root: dir}, nil
}

func (s *FilesystemStore) path(bucket, key string) (string, error) {
	if bucket == "" || strings.Contains(bucket, "/") {
		return "", fmt.Errorf("invalid bucket %q", bucket)
	}
	cleaned := filepath.Clean(key)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, bucket, cleaned), nil
}

// Put writes the blob via a temp file and rename.
func (s *FilesystemStore) Put(ctx context.Context, bucket, key string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path, err := s.path(bucket, key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return 0, fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("commit blob: %w", err)
	}
	return n, nil
}

// Get opens the blob for reading.
func (s *FilesystemStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s/%s: %w", bucket, key, os.ErrNotExist)
	}
	return f, err
}

// Exists reports whether the blob file is present.
func (s *FilesystemStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.path(bucket, key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the blob file.
func (s *FilesystemStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
