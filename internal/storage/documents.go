package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DocumentRepository handles document CRUD operations.
type DocumentRepository struct {
	db *sql.DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `id, filename, file_hash, file_size, document_type,
	manufacturer_id, language, page_count, processing_status, current_stage,
	uploaded_by, created_at, updated_at`

// Create inserts a new document. Returns ErrDuplicate when a document with
// the same file hash already exists.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.ProcessingStatus == "" {
		doc.ProcessingStatus = ProcessingPending
	}

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.Filename, doc.FileHash, doc.FileSize, doc.DocumentType,
		uuidPtr(doc.ManufacturerID), doc.Language, doc.PageCount,
		doc.ProcessingStatus, stagePtr(doc.CurrentStage), doc.UploadedBy,
		doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetByID retrieves a document by ID.
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByHash retrieves a document by its content hash.
func (r *DocumentRepository) GetByHash(ctx context.Context, fileHash string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE file_hash = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, fileHash))
}

// List returns documents ordered by creation time, newest first.
func (r *DocumentRepository) List(ctx context.Context, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + documentColumns + ` FROM documents ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetStatus updates the document-level processing status and current stage.
func (r *DocumentRepository) SetStatus(ctx context.Context, id uuid.UUID, status ProcessingStatus, current *Stage) error {
	query := `
		UPDATE documents SET processing_status = $1, current_stage = $2, updated_at = $3
		WHERE id = $4
	`
	return r.execOne(ctx, query, status, stagePtr(current), time.Now().UTC(), id)
}

// SetManufacturer records the resolved manufacturer for a document.
func (r *DocumentRepository) SetManufacturer(ctx context.Context, id, manufacturerID uuid.UUID) error {
	query := `UPDATE documents SET manufacturer_id = $1, updated_at = $2 WHERE id = $3`
	return r.execOne(ctx, query, manufacturerID, time.Now().UTC(), id)
}

// SetPageInfo records page count and detected language after text extraction.
func (r *DocumentRepository) SetPageInfo(ctx context.Context, id uuid.UUID, pageCount int, language string) error {
	query := `UPDATE documents SET page_count = $1, language = $2, updated_at = $3 WHERE id = $4`
	return r.execOne(ctx, query, pageCount, language, time.Now().UTC(), id)
}

// SetDocumentType updates the classified document type.
func (r *DocumentRepository) SetDocumentType(ctx context.Context, id uuid.UUID, docType DocumentType) error {
	query := `UPDATE documents SET document_type = $1, updated_at = $2 WHERE id = $3`
	return r.execOne(ctx, query, docType, time.Now().UTC(), id)
}

func (r *DocumentRepository) execOne(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
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

func (r *DocumentRepository) scanOne(row *sql.Row) (*Document, error) {
	doc := &Document{}
	var manufacturerID, currentStage sql.NullString
	err := row.Scan(
		&doc.ID, &doc.Filename, &doc.FileHash, &doc.FileSize, &doc.DocumentType,
		&manufacturerID, &doc.Language, &doc.PageCount, &doc.ProcessingStatus,
		&currentStage, &doc.UploadedBy, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	doc.ManufacturerID = parseUUIDPtr(manufacturerID)
	doc.CurrentStage = parseStagePtr(currentStage)
	return doc, nil
}

func scanDocument(rows *sql.Rows) (*Document, error) {
	doc := &Document{}
	var manufacturerID, currentStage sql.NullString
	err := rows.Scan(
		&doc.ID, &doc.Filename, &doc.FileHash, &doc.FileSize, &doc.DocumentType,
		&manufacturerID, &doc.Language, &doc.PageCount, &doc.ProcessingStatus,
		&currentStage, &doc.UploadedBy, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.ManufacturerID = parseUUIDPtr(manufacturerID)
	doc.CurrentStage = parseStagePtr(currentStage)
	return doc, nil
}

// isUniqueViolation detects unique constraint errors across both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || // lib/pq
		strings.Contains(msg, "UNIQUE constraint failed") // sqlite3
}

func uuidPtr(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func stagePtr(s *Stage) interface{} {
	if s == nil {
		return nil
	}
	return string(*s)
}

func parseUUIDPtr(ns sql.NullString) *uuid.UUID {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil
	}
	return &id
}

func parseStagePtr(ns sql.NullString) *Stage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := Stage(ns.String)
	return &s
}
