package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChunkRepository handles chunk persistence. A document's chunks are always
// written as a whole so the ordinal sequence and the prev/next links stay
// consistent.
type ChunkRepository struct {
	db *sql.DB
}

// NewChunkRepository creates a new chunk repository.
func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

const chunkColumns = `id, document_id, ordinal, page_number, section_hierarchy,
	section_level, text, previous_chunk_id, next_chunk_id, created_at`

// ReplaceForDocument atomically replaces all chunks for a document. IDs and
// prev/next links are assigned here; callers provide ordinal order.
// Re-running the chunking stage therefore converges to one consistent set.
func (r *ChunkRepository) ReplaceForDocument(ctx context.Context, documentID uuid.UUID, chunks []*Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	now := time.Now().UTC()
	for i, c := range chunks {
		c.ID = uuid.New()
		c.DocumentID = documentID
		c.Ordinal = i
		c.CreatedAt = now
	}
	for i, c := range chunks {
		c.PreviousChunkID = nil
		c.NextChunkID = nil
		if i > 0 {
			c.PreviousChunkID = &chunks[i-1].ID
		}
		if i+1 < len(chunks) {
			c.NextChunkID = &chunks[i+1].ID
		}
	}

	query := `
		INSERT INTO chunks (` + chunkColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, c := range chunks {
		_, err := tx.ExecContext(ctx, query,
			c.ID, c.DocumentID, c.Ordinal, c.PageNumber,
			encodeHierarchy(c.SectionHierarchy), c.SectionLevel, c.Text,
			uuidPtr(c.PreviousChunkID), uuidPtr(c.NextChunkID), c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Ordinal, err)
		}
	}

	return tx.Commit()
}

// GetByID retrieves a single chunk.
func (r *ChunkRepository) GetByID(ctx context.Context, id uuid.UUID) (*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id)
	c, err := scanChunkRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListByDocument returns a document's chunks in reading order.
func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks
		WHERE document_id = $1 ORDER BY ordinal`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunkRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FirstOnPage returns the earliest chunk covering the given page, or
// ErrNotFound when the page produced no chunk.
func (r *ChunkRepository) FirstOnPage(ctx context.Context, documentID uuid.UUID, page int) (*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks
		WHERE document_id = $1 AND page_number = $2 ORDER BY ordinal LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, documentID, page)
	c, err := scanChunkRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func scanChunkRow(scan func(...interface{}) error) (*Chunk, error) {
	c := &Chunk{}
	var hierarchy, prev, next sql.NullString
	err := scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.PageNumber, &hierarchy,
		&c.SectionLevel, &c.Text, &prev, &next, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.SectionHierarchy = decodeHierarchy(hierarchy.String)
	c.PreviousChunkID = parseUUIDPtr(prev)
	c.NextChunkID = parseUUIDPtr(next)
	return c, nil
}

// Section paths are stored as a single delimited string. The unit separator
// cannot appear in extracted heading text.
const hierarchySep = "\x1f"

func encodeHierarchy(path []string) interface{} {
	if len(path) == 0 {
		return nil
	}
	return strings.Join(path, hierarchySep)
}

func decodeHierarchy(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, hierarchySep)
}
