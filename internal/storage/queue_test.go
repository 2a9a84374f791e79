package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueIsIdempotentWhileActive(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	docID := uuid.New()

	first, err := repos.Queue.Enqueue(ctx, docID, StageUpload, 0, 3)
	require.NoError(t, err)

	second, err := repos.Queue.Enqueue(ctx, docID, StageUpload, 5, 3)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "duplicate enqueue must return the existing item")
	assert.Equal(t, 0, second.Priority, "existing item is returned unchanged")

	n, err := repos.Queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Still idempotent while leased.
	leased, err := repos.Queue.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, first.ID, leased.ID)

	third, err := repos.Queue.Enqueue(ctx, docID, StageUpload, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)

	// After completion a fresh item may be enqueued.
	require.NoError(t, repos.Queue.Complete(ctx, leased.ID, "w1"))
	fourth, err := repos.Queue.Enqueue(ctx, docID, StageUpload, 0, 3)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fourth.ID)
}

func TestActivePairUniqueIndexBlocksRacingInsert(t *testing.T) {
	db := newTestDB(t)
	repos := NewRepositories(db, DriverSQLite)
	ctx := context.Background()
	docID := uuid.New()

	item, err := repos.Queue.Enqueue(ctx, docID, StageUpload, 0, 3)
	require.NoError(t, err)

	// A writer that misses the pre-check cannot create a second active
	// item for the pair.
	_, err = db.ExecContext(ctx, `
		INSERT INTO processing_queue (id, document_id, stage, status, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), docID, StageUpload, QueuePending, time.Now().UTC())
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))

	// Finished items are outside the index, so history accumulates and the
	// pair can be enqueued again.
	leased, err := repos.Queue.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, item.ID, leased.ID)
	require.NoError(t, repos.Queue.Complete(ctx, leased.ID, "w1"))

	fresh, err := repos.Queue.Enqueue(ctx, docID, StageUpload, 0, 3)
	require.NoError(t, err)
	assert.NotEqual(t, item.ID, fresh.ID)
}

func TestLeaseOrderPriorityThenFIFO(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	low1, err := repos.Queue.Enqueue(ctx, uuid.New(), StageUpload, 0, 3)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	high, err := repos.Queue.Enqueue(ctx, uuid.New(), StageUpload, 10, 3)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	low2, err := repos.Queue.Enqueue(ctx, uuid.New(), StageUpload, 0, 3)
	require.NoError(t, err)

	var order []uuid.UUID
	for i := 0; i < 3; i++ {
		item, err := repos.Queue.Lease(ctx, "w1", time.Minute)
		require.NoError(t, err)
		order = append(order, item.ID)
	}
	assert.Equal(t, []uuid.UUID{high.ID, low1.ID, low2.ID}, order)

	_, err = repos.Queue.Lease(ctx, "w1", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLeaseRecordsWorkerAndAttempt(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.Queue.Enqueue(ctx, uuid.New(), StageTextExtraction, 0, 3)
	require.NoError(t, err)

	item, err := repos.Queue.Lease(ctx, "worker-7", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, QueueLeased, item.Status)
	assert.Equal(t, 1, item.Attempts)
	require.NotNil(t, item.WorkerID)
	assert.Equal(t, "worker-7", *item.WorkerID)
	require.NotNil(t, item.LeaseDeadline)
	assert.True(t, item.LeaseDeadline.After(time.Now().UTC()))
}

func TestExtendLeaseRequiresOwnership(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.Queue.Enqueue(ctx, uuid.New(), StageUpload, 0, 3)
	require.NoError(t, err)
	item, err := repos.Queue.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, repos.Queue.ExtendLease(ctx, item.ID, "w1", 2*time.Minute))
	assert.ErrorIs(t, repos.Queue.ExtendLease(ctx, item.ID, "w2", time.Minute), ErrNotFound)
}

func TestFailRetryableSchedulesBackoff(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.Queue.Enqueue(ctx, uuid.New(), StageUpload, 0, 3)
	require.NoError(t, err)
	item, err := repos.Queue.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	notBefore := time.Now().UTC().Add(time.Hour)
	retried, err := repos.Queue.Fail(ctx, item.ID, "w1", "provider unreachable", true, notBefore)
	require.NoError(t, err)
	assert.True(t, retried)

	// Backoff hides the item from Lease until not_before passes.
	_, err = repos.Queue.Lease(ctx, "w1", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := repos.Queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueuePending, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "provider unreachable", *got.LastError)
	require.NotNil(t, got.NotBefore)
}

func TestFailRetryableBecomesLeasableAfterBackoff(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.Queue.Enqueue(ctx, uuid.New(), StageUpload, 0, 3)
	require.NoError(t, err)
	item, err := repos.Queue.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	retried, err := repos.Queue.Fail(ctx, item.ID, "w1", "flaky", true, time.Now().UTC().Add(-time.Second))
	require.NoError(t, err)
	require.True(t, retried)

	again, err := repos.Queue.Lease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, item.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestFailNonRetryableFailsPermanently(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.Queue.Enqueue(ctx, uuid.New(), StageErrorCodes, 0, 3)
	require.NoError(t, err)
	item, err := repos.Queue.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	retried, err := repos.Queue.Fail(ctx, item.ID, "w1", "no patterns configured", false, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, retried, "non-retryable failures must not be retried even with attempts left")

	got, err := repos.Queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueFailed, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestFailExhaustedAttempts(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.Queue.Enqueue(ctx, uuid.New(), StageUpload, 0, 1)
	require.NoError(t, err)
	item, err := repos.Queue.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)

	retried, err := repos.Queue.Fail(ctx, item.ID, "w1", "boom", true, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, retried, "single-attempt items fail on first error")

	got, err := repos.Queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueFailed, got.Status)
}

func TestReclaimExpiredRequeues(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.Queue.Enqueue(ctx, uuid.New(), StageUpload, 0, 3)
	require.NoError(t, err)

	// Negative TTL puts the lease deadline in the past immediately.
	item, err := repos.Queue.Lease(ctx, "crashed-worker", -time.Second)
	require.NoError(t, err)

	n, err := repos.Queue.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repos.Queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueuePending, got.Status)
	assert.Nil(t, got.WorkerID)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "lease expired", *got.LastError)

	// The original worker cannot act on its reclaimed lease.
	assert.ErrorIs(t, repos.Queue.ExtendLease(ctx, item.ID, "crashed-worker", time.Minute), ErrNotFound)
	assert.ErrorIs(t, repos.Queue.Complete(ctx, item.ID, "crashed-worker"), ErrNotFound)
}

func TestReclaimExpiredFailsExhaustedItems(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.Queue.Enqueue(ctx, uuid.New(), StageUpload, 0, 1)
	require.NoError(t, err)
	item, err := repos.Queue.Lease(ctx, "w1", -time.Second)
	require.NoError(t, err)

	n, err := repos.Queue.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repos.Queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueFailed, got.Status)
}

func TestEnqueueRejectsUnknownStage(t *testing.T) {
	repos := newTestRepos(t)
	_, err := repos.Queue.Enqueue(context.Background(), uuid.New(), Stage("mystery"), 0, 3)
	require.Error(t, err)
}

func TestListByDocument(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	docID := uuid.New()

	_, err := repos.Queue.Enqueue(ctx, docID, StageUpload, 0, 3)
	require.NoError(t, err)
	item, err := repos.Queue.Lease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, repos.Queue.Complete(ctx, item.ID, "w1"))
	_, err = repos.Queue.Enqueue(ctx, docID, StageTextExtraction, 0, 3)
	require.NoError(t, err)

	items, err := repos.Queue.ListByDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, items, 2)
}
