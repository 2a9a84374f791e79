package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueRepository is the durable work queue. Items are (document, stage)
// tokens with lease semantics: a worker leases the highest-priority pending
// item, and an expired lease makes the item leaseable again so a crashed
// worker never strands a document.
type QueueRepository struct {
	db     *sql.DB
	driver string
}

// NewQueueRepository creates a new queue repository.
func NewQueueRepository(db *sql.DB, driver string) *QueueRepository {
	return &QueueRepository{db: db, driver: driver}
}

const queueColumns = `id, document_id, stage, priority, status, attempts,
	max_attempts, worker_id, lease_deadline, not_before, enqueued_at,
	started_at, finished_at, last_error`

// Enqueue adds a work item for (documentID, stage). Idempotent: when an item
// for the pair is already pending or leased, the existing item is returned
// unchanged. A partial unique index on active pairs backstops the pre-check
// under concurrent enqueues.
func (r *QueueRepository) Enqueue(ctx context.Context, documentID uuid.UUID, stage Stage, priority, maxAttempts int) (*QueueItem, error) {
	if !ValidStage(stage) {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := r.activeItem(ctx, tx, documentID, stage)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return existing, nil
	}

	item := &QueueItem{
		ID:          uuid.New(),
		DocumentID:  documentID,
		Stage:       stage,
		Priority:    priority,
		Status:      QueuePending,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO processing_queue (`+queueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, item.ID, item.DocumentID, item.Stage, item.Priority, item.Status,
		item.Attempts, item.MaxAttempts, nil, nil, nil, item.EnqueuedAt,
		nil, nil, nil)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost an enqueue race for the pair; the winner's item stands.
			tx.Rollback()
			return r.activeItem(ctx, r.db, documentID, stage)
		}
		return nil, fmt.Errorf("enqueue %s/%s: %w", documentID, stage, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return item, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *QueueRepository) activeItem(ctx context.Context, q rowQuerier, documentID uuid.UUID, stage Stage) (*QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM processing_queue
		WHERE document_id = $1 AND stage = $2 AND status IN ($3, $4)`
	row := q.QueryRowContext(ctx, query, documentID, stage, QueuePending, QueueLeased)
	item, err := scanQueueItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// Lease claims the next leaseable item for a worker. Selection order is
// priority descending, then enqueue time, then ID. Returns ErrNotFound when
// nothing is leaseable.
func (r *QueueRepository) Lease(ctx context.Context, workerID string, ttl time.Duration) (*QueueItem, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT ` + queueColumns + ` FROM processing_queue
		WHERE status = $1 AND (not_before IS NULL OR not_before <= $2)
		ORDER BY priority DESC, enqueued_at, id
		LIMIT 1`
	if r.driver == DriverPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	row := tx.QueryRowContext(ctx, query, QueuePending, now)
	item, err := scanQueueItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	deadline := now.Add(ttl)
	item.Status = QueueLeased
	item.WorkerID = &workerID
	item.LeaseDeadline = &deadline
	item.Attempts++
	item.StartedAt = &now

	_, err = tx.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = $1, worker_id = $2, lease_deadline = $3, attempts = $4, started_at = $5
		WHERE id = $6
	`, item.Status, workerID, deadline, item.Attempts, now, item.ID)
	if err != nil {
		return nil, fmt.Errorf("lease %s: %w", item.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return item, nil
}

// ExtendLease pushes a held lease's deadline out. Fails with ErrNotFound
// when the item is no longer leased by this worker, which tells the worker
// its lease was reclaimed.
func (r *QueueRepository) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, ttl time.Duration) error {
	deadline := time.Now().UTC().Add(ttl)
	result, err := r.db.ExecContext(ctx, `
		UPDATE processing_queue SET lease_deadline = $1
		WHERE id = $2 AND status = $3 AND worker_id = $4
	`, deadline, id, QueueLeased, workerID)
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

// Complete marks a leased item finished.
func (r *QueueRepository) Complete(ctx context.Context, id uuid.UUID, workerID string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = $1, finished_at = $2, worker_id = NULL, lease_deadline = NULL
		WHERE id = $3 AND status = $4 AND worker_id = $5
	`, QueueCompleted, now, id, QueueLeased, workerID)
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

// Fail records a failed attempt. When the failure is retryable and attempts
// remain, the item goes back to pending with notBefore as its retry backoff;
// otherwise it is failed permanently. Reports whether a retry was scheduled.
func (r *QueueRepository) Fail(ctx context.Context, id uuid.UUID, workerID, lastError string, retryable bool, notBefore time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM processing_queue
		WHERE id = $1 AND status = $2 AND worker_id = $3`, id, QueueLeased, workerID)
	item, err := scanQueueItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	retry := retryable && item.Attempts < item.MaxAttempts
	now := time.Now().UTC()
	if retry {
		_, err = tx.ExecContext(ctx, `
			UPDATE processing_queue
			SET status = $1, worker_id = NULL, lease_deadline = NULL,
				not_before = $2, last_error = $3
			WHERE id = $4
		`, QueuePending, notBefore.UTC(), lastError, id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE processing_queue
			SET status = $1, worker_id = NULL, lease_deadline = NULL,
				finished_at = $2, last_error = $3
			WHERE id = $4
		`, QueueFailed, now, lastError, id)
	}
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return retry, nil
}

// ReclaimExpired returns expired leases to pending, or fails them when the
// item is out of attempts. Returns how many items were reclaimed.
func (r *QueueRepository) ReclaimExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	requeued, err := tx.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = $1, worker_id = NULL, lease_deadline = NULL,
			last_error = 'lease expired'
		WHERE status = $2 AND lease_deadline < $3 AND attempts < max_attempts
	`, QueuePending, QueueLeased, now)
	if err != nil {
		return 0, err
	}
	n1, err := requeued.RowsAffected()
	if err != nil {
		return 0, err
	}

	exhausted, err := tx.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = $1, worker_id = NULL, lease_deadline = NULL,
			finished_at = $2, last_error = 'lease expired'
		WHERE status = $3 AND lease_deadline < $4 AND attempts >= max_attempts
	`, QueueFailed, now, QueueLeased, now)
	if err != nil {
		return 0, err
	}
	n2, err := exhausted.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n1 + n2), nil
}

// PendingCount reports the queue depth used for ingest backpressure.
func (r *QueueRepository) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processing_queue WHERE status IN ($1, $2)`,
		QueuePending, QueueLeased).Scan(&n)
	return n, err
}

// Get retrieves a queue item by ID.
func (r *QueueRepository) Get(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM processing_queue WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id)
	item, err := scanQueueItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// ListByDocument returns a document's queue history, newest first.
func (r *QueueRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM processing_queue
		WHERE document_id = $1 ORDER BY enqueued_at DESC, id`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanQueueItem(scan func(...interface{}) error) (*QueueItem, error) {
	item := &QueueItem{}
	err := scan(&item.ID, &item.DocumentID, &item.Stage, &item.Priority,
		&item.Status, &item.Attempts, &item.MaxAttempts, &item.WorkerID,
		&item.LeaseDeadline, &item.NotBefore, &item.EnqueuedAt,
		&item.StartedAt, &item.FinishedAt, &item.LastError)
	if err != nil {
		return nil, err
	}
	return item, nil
}
