package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/krai-io/krai/internal/blob"
	"github.com/krai-io/krai/internal/storage"
)

// ExtractedImage is one page asset found by the image lister, before its
// payload is copied into the blob store.
type ExtractedImage struct {
	PageNumber int
	ImageType  storage.ImageType
	Format     string // file extension without dot, e.g. "png", "svg"
	Data       []byte
	OCRText    *string
}

// ImageLister enumerates page images in a document blob. Implementations
// wrap an external renderer; tests substitute a fake.
type ImageLister interface {
	ListImages(ctx context.Context, blob io.Reader) ([]ExtractedImage, error)
}

// ImageExtractor pulls page images from a document and stores their
// payloads, emitting records for the database.
type ImageExtractor struct {
	lister ImageLister
	store  blob.Store
}

// NewImageExtractor creates an image extractor.
func NewImageExtractor(lister ImageLister, store blob.Store) *ImageExtractor {
	return &ImageExtractor{lister: lister, store: store}
}

// Extract lists the document's images, writes each payload to the image
// bucket, and returns the records to persist. SVG sources are stored as-is
// alongside a rasterized copy when the lister provides one.
func (e *ImageExtractor) Extract(ctx context.Context, documentID string, doc io.Reader) ([]*storage.Image, Metrics, error) {
	start := time.Now()
	metrics := Metrics{}

	found, err := e.lister.ListImages(ctx, doc)
	if err != nil {
		return nil, metrics, fmt.Errorf("list document images: %w", err)
	}

	perPage := map[int]int{}
	records := make([]*storage.Image, 0, len(found))
	for _, img := range found {
		perPage[img.PageNumber]++
		kind := fmt.Sprintf("img%02d", perPage[img.PageNumber])
		key := blob.ImageKey(documentID, img.PageNumber, kind, img.Format)

		if _, err := e.store.Put(ctx, blob.BucketDocumentImages, key, bytes.NewReader(img.Data)); err != nil {
			return nil, metrics, fmt.Errorf("store image %s: %w", key, err)
		}

		records = append(records, &storage.Image{
			PageNumber: img.PageNumber,
			ImageType:  img.ImageType,
			BlobBucket: blob.BucketDocumentImages,
			BlobKey:    key,
			OCRText:    img.OCRText,
		})
	}

	metrics.ItemsEmitted = len(records)
	metrics.timed(start)
	return records, metrics, nil
}
