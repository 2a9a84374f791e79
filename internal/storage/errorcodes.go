package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrorCodeRepository persists extracted error codes.
type ErrorCodeRepository struct {
	db *sql.DB
}

// NewErrorCodeRepository creates a new error code repository.
func NewErrorCodeRepository(db *sql.DB) *ErrorCodeRepository {
	return &ErrorCodeRepository{db: db}
}

const errorCodeColumns = `id, document_id, manufacturer_id, product_id, chunk_id,
	error_code, error_description, solution_text, page_number, confidence_score,
	severity_level, requires_technician, requires_parts, context_text, metadata,
	created_at`

// ReplaceForDocument atomically replaces a document's error codes. Every
// code must carry a manufacturer; a partial write never survives.
func (r *ErrorCodeRepository) ReplaceForDocument(ctx context.Context, documentID uuid.UUID, codes []*ErrorCode) error {
	for _, c := range codes {
		if c.ManufacturerID == uuid.Nil {
			return fmt.Errorf("error code %q has no manufacturer", c.Code)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM error_codes WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clear error codes: %w", err)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO error_codes (` + errorCodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	for _, c := range codes {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.DocumentID = documentID
		c.CreatedAt = now
		_, err := tx.ExecContext(ctx, query,
			c.ID, c.DocumentID, c.ManufacturerID, uuidPtr(c.ProductID),
			uuidPtr(c.ChunkID), c.Code, c.Description, c.SolutionText,
			c.PageNumber, c.ConfidenceScore, c.SeverityLevel,
			c.RequiresTechnician, c.RequiresParts, c.ContextText,
			rawJSON(c.Metadata), c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert error code %q: %w", c.Code, err)
		}
	}

	return tx.Commit()
}

// ListByDocument returns a document's error codes ordered by page then code.
func (r *ErrorCodeRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*ErrorCode, error) {
	query := `SELECT ` + errorCodeColumns + ` FROM error_codes
		WHERE document_id = $1 ORDER BY page_number, error_code`
	return r.list(ctx, query, documentID)
}

// FindByCode looks up codes by exact code string, optionally scoped to a
// manufacturer.
func (r *ErrorCodeRepository) FindByCode(ctx context.Context, code string, manufacturerID *uuid.UUID) ([]*ErrorCode, error) {
	if manufacturerID != nil {
		query := `SELECT ` + errorCodeColumns + ` FROM error_codes
			WHERE error_code = $1 AND manufacturer_id = $2
			ORDER BY confidence_score DESC`
		return r.list(ctx, query, code, *manufacturerID)
	}
	query := `SELECT ` + errorCodeColumns + ` FROM error_codes
		WHERE error_code = $1 ORDER BY confidence_score DESC`
	return r.list(ctx, query, code)
}

// LinkChunk attaches an error code to the chunk covering its page. Done
// after chunking since codes are extracted before chunks exist.
func (r *ErrorCodeRepository) LinkChunk(ctx context.Context, id, chunkID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE error_codes SET chunk_id = $1 WHERE id = $2`, chunkID, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ErrorCodeRepository) list(ctx context.Context, query string, args ...interface{}) ([]*ErrorCode, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ErrorCode
	for rows.Next() {
		c := &ErrorCode{}
		var productID, chunkID, metadata sql.NullString
		err := rows.Scan(&c.ID, &c.DocumentID, &c.ManufacturerID, &productID,
			&chunkID, &c.Code, &c.Description, &c.SolutionText, &c.PageNumber,
			&c.ConfidenceScore, &c.SeverityLevel, &c.RequiresTechnician,
			&c.RequiresParts, &c.ContextText, &metadata, &c.CreatedAt)
		if err != nil {
			return nil, err
		}
		c.ProductID = parseUUIDPtr(productID)
		c.ChunkID = parseUUIDPtr(chunkID)
		if metadata.Valid {
			c.Metadata = []byte(metadata.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ImageRepository persists extracted page images.
type ImageRepository struct {
	db *sql.DB
}

// NewImageRepository creates a new image repository.
func NewImageRepository(db *sql.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

const imageColumns = `id, document_id, page_number, image_type, blob_bucket,
	blob_key, context_text, ocr_text, created_at`

// ReplaceForDocument atomically replaces a document's image records.
func (r *ImageRepository) ReplaceForDocument(ctx context.Context, documentID uuid.UUID, images []*Image) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM images WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clear images: %w", err)
	}

	now := time.Now().UTC()
	query := `INSERT INTO images (` + imageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, img := range images {
		if img.ID == uuid.Nil {
			img.ID = uuid.New()
		}
		img.DocumentID = documentID
		img.CreatedAt = now
		_, err := tx.ExecContext(ctx, query,
			img.ID, img.DocumentID, img.PageNumber, img.ImageType,
			img.BlobBucket, img.BlobKey, img.ContextText, img.OCRText, img.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert image p%d: %w", img.PageNumber, err)
		}
	}

	return tx.Commit()
}

// ListByDocument returns a document's images in page order.
func (r *ImageRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images
		WHERE document_id = $1 ORDER BY page_number, id`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Image
	for rows.Next() {
		img := &Image{}
		if err := rows.Scan(&img.ID, &img.DocumentID, &img.PageNumber,
			&img.ImageType, &img.BlobBucket, &img.BlobKey, &img.ContextText,
			&img.OCRText, &img.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// LinkRepository persists URLs discovered in document text.
type LinkRepository struct {
	db *sql.DB
}

// NewLinkRepository creates a new link repository.
func NewLinkRepository(db *sql.DB) *LinkRepository {
	return &LinkRepository{db: db}
}

const linkColumns = `id, document_id, url, link_type, page_number, title,
	provider, duration_seconds, metadata, validation_status, created_at, updated_at`

// Upsert inserts a link, keeping the existing row when the document already
// references the URL.
func (r *LinkRepository) Upsert(ctx context.Context, l *Link) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	if l.ValidationStatus == "" {
		l.ValidationStatus = LinkUnchecked
	}

	query := `INSERT INTO links (` + linkColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.ExecContext(ctx, query,
		l.ID, l.DocumentID, l.URL, l.LinkType, l.PageNumber, l.Title,
		l.Provider, l.DurationSeconds, rawJSON(l.Metadata), l.ValidationStatus,
		l.CreatedAt, l.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// SetEnrichment records the enrichment outcome for a link.
func (r *LinkRepository) SetEnrichment(ctx context.Context, id uuid.UUID, status LinkValidation, title, provider *string, durationSeconds *int, metadata []byte) error {
	query := `
		UPDATE links SET validation_status = $1, title = $2, provider = $3,
			duration_seconds = $4, metadata = $5, updated_at = $6
		WHERE id = $7
	`
	result, err := r.db.ExecContext(ctx, query,
		status, title, provider, durationSeconds, rawJSON(metadata),
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByDocument returns a document's links in page order.
func (r *LinkRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links
		WHERE document_id = $1 ORDER BY page_number, url`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Link
	for rows.Next() {
		l := &Link{}
		var metadata sql.NullString
		err := rows.Scan(&l.ID, &l.DocumentID, &l.URL, &l.LinkType,
			&l.PageNumber, &l.Title, &l.Provider, &l.DurationSeconds,
			&metadata, &l.ValidationStatus, &l.CreatedAt, &l.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if metadata.Valid {
			l.Metadata = []byte(metadata.String)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetByURL retrieves a document's link for an exact URL.
func (r *LinkRepository) GetByURL(ctx context.Context, documentID uuid.UUID, url string) (*Link, error) {
	query := `SELECT ` + linkColumns + ` FROM links
		WHERE document_id = $1 AND url = $2`
	l := &Link{}
	var metadata sql.NullString
	err := r.db.QueryRowContext(ctx, query, documentID, url).Scan(
		&l.ID, &l.DocumentID, &l.URL, &l.LinkType, &l.PageNumber, &l.Title,
		&l.Provider, &l.DurationSeconds, &metadata, &l.ValidationStatus,
		&l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if metadata.Valid {
		l.Metadata = []byte(metadata.String)
	}
	return l, nil
}
