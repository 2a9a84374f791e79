package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StageStatusRepository tracks per-(document, stage) state transitions.
type StageStatusRepository struct {
	db *sql.DB
}

// NewStageStatusRepository creates a new stage status repository.
func NewStageStatusRepository(db *sql.DB) *StageStatusRepository {
	return &StageStatusRepository{db: db}
}

const stageStatusColumns = `document_id, stage, state, started_at, completed_at,
	duration_ms, error_kind, error_message, retry_count`

// Get returns the status row for (documentID, stage). A missing row means
// the stage has not started.
func (r *StageStatusRepository) Get(ctx context.Context, documentID uuid.UUID, stage Stage) (*StageStatus, error) {
	query := `SELECT ` + stageStatusColumns + ` FROM stage_status
		WHERE document_id = $1 AND stage = $2`
	s := &StageStatus{}
	err := r.db.QueryRowContext(ctx, query, documentID, stage).Scan(
		&s.DocumentID, &s.Stage, &s.State, &s.StartedAt, &s.CompletedAt,
		&s.DurationMS, &s.ErrorKind, &s.ErrorMessage, &s.RetryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListByDocument returns every recorded stage status in pipeline order.
func (r *StageStatusRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*StageStatus, error) {
	query := `SELECT ` + stageStatusColumns + ` FROM stage_status WHERE document_id = $1`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byStage := map[Stage]*StageStatus{}
	for rows.Next() {
		s := &StageStatus{}
		if err := rows.Scan(&s.DocumentID, &s.Stage, &s.State, &s.StartedAt,
			&s.CompletedAt, &s.DurationMS, &s.ErrorKind, &s.ErrorMessage,
			&s.RetryCount); err != nil {
			return nil, err
		}
		byStage[s.Stage] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*StageStatus
	for _, stage := range StageOrder {
		if s, ok := byStage[stage]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// MarkRunning transitions a stage to running, recording the start time.
func (r *StageStatusRepository) MarkRunning(ctx context.Context, documentID uuid.UUID, stage Stage, retryCount int) error {
	now := time.Now().UTC()
	return r.upsert(ctx, &StageStatus{
		DocumentID: documentID,
		Stage:      stage,
		State:      StageRunning,
		StartedAt:  &now,
		RetryCount: retryCount,
	})
}

// MarkCompleted transitions a stage to completed with its duration.
func (r *StageStatusRepository) MarkCompleted(ctx context.Context, documentID uuid.UUID, stage Stage, startedAt time.Time) error {
	now := time.Now().UTC()
	durationMS := now.Sub(startedAt).Milliseconds()
	return r.upsert(ctx, &StageStatus{
		DocumentID:  documentID,
		Stage:       stage,
		State:       StageCompleted,
		StartedAt:   &startedAt,
		CompletedAt: &now,
		DurationMS:  &durationMS,
	})
}

// MarkFailed transitions a stage to failed with the error details.
func (r *StageStatusRepository) MarkFailed(ctx context.Context, documentID uuid.UUID, stage Stage, kind, message string, retryCount int) error {
	now := time.Now().UTC()
	return r.upsert(ctx, &StageStatus{
		DocumentID:   documentID,
		Stage:        stage,
		State:        StageFailed,
		CompletedAt:  &now,
		ErrorKind:    &kind,
		ErrorMessage: &message,
		RetryCount:   retryCount,
	})
}

// MarkSkipped records a stage that was intentionally bypassed.
func (r *StageStatusRepository) MarkSkipped(ctx context.Context, documentID uuid.UUID, stage Stage) error {
	now := time.Now().UTC()
	return r.upsert(ctx, &StageStatus{
		DocumentID:  documentID,
		Stage:       stage,
		State:       StageSkipped,
		CompletedAt: &now,
	})
}

// Reset removes a stage's status row, returning the stage to not started.
// A missing row is not an error.
func (r *StageStatusRepository) Reset(ctx context.Context, documentID uuid.UUID, stage Stage) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM stage_status WHERE document_id = $1 AND stage = $2`,
		documentID, stage)
	return err
}

// ResetForDocument removes every stage status row for a document.
func (r *StageStatusRepository) ResetForDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM stage_status WHERE document_id = $1`, documentID)
	return err
}

// upsert replaces the (document, stage) row. Delete-then-insert keeps the
// statement portable across both drivers.
func (r *StageStatusRepository) upsert(ctx context.Context, s *StageStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Preserve the start time across a completed/failed overwrite when the
	// caller did not supply one.
	if s.StartedAt == nil {
		var started sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT started_at FROM stage_status WHERE document_id = $1 AND stage = $2`,
			s.DocumentID, s.Stage).Scan(&started)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if started.Valid {
			t := started.Time
			s.StartedAt = &t
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM stage_status WHERE document_id = $1 AND stage = $2`,
		s.DocumentID, s.Stage); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_status (`+stageStatusColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.DocumentID, s.Stage, s.State, s.StartedAt, s.CompletedAt,
		s.DurationMS, s.ErrorKind, s.ErrorMessage, s.RetryCount)
	if err != nil {
		return fmt.Errorf("upsert stage status: %w", err)
	}

	return tx.Commit()
}

// PipelineErrorRepository records operator-facing failures.
type PipelineErrorRepository struct {
	db *sql.DB
}

// NewPipelineErrorRepository creates a new pipeline error repository.
func NewPipelineErrorRepository(db *sql.DB) *PipelineErrorRepository {
	return &PipelineErrorRepository{db: db}
}

const pipelineErrorColumns = `id, document_id, stage, error_kind, error_message,
	severity, status, retry_count, max_retries, remediation, created_at,
	resolved_at, resolved_by, resolution_notes`

// Create inserts a new pipeline error.
func (r *PipelineErrorRepository) Create(ctx context.Context, e *PipelineError) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	if e.Status == "" {
		e.Status = PipelineErrorPending
	}

	query := `INSERT INTO pipeline_errors (` + pipelineErrorColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.DocumentID, e.Stage, e.ErrorKind, e.ErrorMessage, e.Severity,
		e.Status, e.RetryCount, e.MaxRetries, rawJSON(e.Remediation),
		e.CreatedAt, e.ResolvedAt, e.ResolvedBy, e.ResolutionNotes)
	return err
}

// ErrorFilter narrows List results. Zero values mean "any".
type ErrorFilter struct {
	DocumentID *uuid.UUID
	Stage      Stage
	Status     PipelineErrorStatus
	Limit      int
}

// List returns pipeline errors newest first, optionally filtered.
func (r *PipelineErrorRepository) List(ctx context.Context, f ErrorFilter) ([]*PipelineError, error) {
	query := `SELECT ` + pipelineErrorColumns + ` FROM pipeline_errors WHERE 1=1`
	args := []interface{}{}
	n := 0
	arg := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if f.DocumentID != nil {
		query += ` AND document_id = ` + arg(*f.DocumentID)
	}
	if f.Stage != "" {
		query += ` AND stage = ` + arg(f.Stage)
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PipelineError
	for rows.Next() {
		e := &PipelineError{}
		var remediation sql.NullString
		err := rows.Scan(&e.ID, &e.DocumentID, &e.Stage, &e.ErrorKind,
			&e.ErrorMessage, &e.Severity, &e.Status, &e.RetryCount,
			&e.MaxRetries, &remediation, &e.CreatedAt, &e.ResolvedAt,
			&e.ResolvedBy, &e.ResolutionNotes)
		if err != nil {
			return nil, err
		}
		if remediation.Valid {
			e.Remediation = []byte(remediation.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Resolve marks an error resolved with operator attribution.
func (r *PipelineErrorRepository) Resolve(ctx context.Context, id uuid.UUID, resolvedBy, notes string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_errors
		SET status = $1, resolved_at = $2, resolved_by = $3, resolution_notes = $4
		WHERE id = $5
	`, PipelineErrorResolved, now, resolvedBy, notes, id)
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

// AuditRepository is the append-only audit trail.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record appends one audit entry.
func (r *AuditRepository) Record(ctx context.Context, documentID *uuid.UUID, action string, actor *string, payload []byte) error {
	query := `
		INSERT INTO audit_log (id, document_id, action, actor, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		uuid.New(), uuidPtr(documentID), action, actor, rawJSON(payload),
		time.Now().UTC())
	return err
}

// ListByDocument returns a document's audit trail oldest first.
func (r *AuditRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*AuditRecord, error) {
	query := `
		SELECT id, document_id, action, actor, payload, occurred_at
		FROM audit_log WHERE document_id = $1 ORDER BY occurred_at
	`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		var docID, payload sql.NullString
		if err := rows.Scan(&rec.ID, &docID, &rec.Action, &rec.Actor,
			&payload, &rec.OccurredAt); err != nil {
			return nil, err
		}
		rec.DocumentID = parseUUIDPtr(docID)
		if payload.Valid {
			rec.Payload = []byte(payload.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
