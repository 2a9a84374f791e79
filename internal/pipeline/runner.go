package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/krai-io/krai/internal/fault"
	"github.com/krai-io/krai/internal/observability"
	"github.com/krai-io/krai/internal/storage"
)

// RunnerConfig tunes the worker pool and retry policy.
type RunnerConfig struct {
	Workers         int
	LeaseTTL        time.Duration
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration // first retry delay
	BackoffFactor   float64       // multiplier per attempt
	BackoffJitter   time.Duration // random extra, uniform in [0, jitter)
	WorkerPrefix    string
}

// DefaultRunnerConfig returns the documented retry policy: 3 attempts,
// 1s initial backoff doubling per attempt, up to 250ms jitter.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:         4,
		LeaseTTL:        2 * time.Minute,
		PollInterval:    500 * time.Millisecond,
		ReclaimInterval: 30 * time.Second,
		MaxAttempts:     3,
		BackoffBase:     time.Second,
		BackoffFactor:   2,
		BackoffJitter:   250 * time.Millisecond,
		WorkerPrefix:    "worker",
	}
}

// Runner leases queue items and executes stage handlers. One runner owns a
// pool of workers plus the expired-lease reclaimer.
type Runner struct {
	engine *Engine
	repos  *storage.Repositories
	cfg    RunnerConfig
	logger *observability.Logger
}

// NewRunner creates a runner over the engine's repositories.
func NewRunner(engine *Engine, cfg RunnerConfig, logger *observability.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = def.ReclaimInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = def.WorkerPrefix
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Runner{engine: engine, repos: engine.repos, cfg: cfg, logger: logger}
}

// Run starts the worker pool and blocks until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", r.cfg.WorkerPrefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.workerLoop(ctx, workerID)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.reclaimLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) workerLoop(ctx context.Context, workerID string) {
	logger := r.logger.WithWorker(workerID)
	for {
		if ctx.Err() != nil {
			return
		}

		item, err := r.repos.Queue.Lease(ctx, workerID, r.cfg.LeaseTTL)
		if errors.Is(err, storage.ErrNotFound) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("Queue lease failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		r.ProcessItem(ctx, workerID, item)
	}
}

func (r *Runner) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.repos.Queue.ReclaimExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error().Err(err).Msg("Lease reclaim failed")
				}
				continue
			}
			if n > 0 {
				r.logger.Warn().Int("reclaimed", n).Msg("Reclaimed expired leases")
			}
		}
	}
}

// ProcessItem runs one leased queue item to completion, failure, or skip.
// Exported for the orchestrator's synchronous test path.
func (r *Runner) ProcessItem(ctx context.Context, workerID string, item *storage.QueueItem) {
	logger := r.logger.WithWorker(workerID).
		WithDocument(item.DocumentID.String()).
		WithStage(string(item.Stage))

	doc, err := r.repos.Documents.GetByID(ctx, item.DocumentID)
	if err != nil {
		logger.Error().Err(err).Msg("Leased item references missing document")
		r.failItem(ctx, workerID, item, nil, fault.New(fault.KindDocumentMissing,
			"queue item references a missing document", err))
		return
	}

	if err := r.checkGate(ctx, item); err != nil {
		r.failItem(ctx, workerID, item, doc, err)
		return
	}

	handler := r.engine.HandlerFor(item.Stage)
	if handler == nil {
		r.failItem(ctx, workerID, item, doc, fault.Newf(fault.KindUnexpected,
			"no handler for stage %s", item.Stage))
		return
	}

	stage := item.Stage
	if err := r.repos.Documents.SetStatus(ctx, doc.ID, storage.ProcessingRunning, &stage); err != nil {
		logger.Error().Err(err).Msg("Failed to mark document processing")
	}
	startedAt := time.Now().UTC()
	if err := r.repos.StageStatus.MarkRunning(ctx, doc.ID, stage, item.Attempts-1); err != nil {
		logger.Error().Err(err).Msg("Failed to mark stage running")
	}

	// Keep the lease alive while the handler runs; lose it and the handler
	// is canceled so the reclaimed item is not processed twice.
	runCtx, cancel := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		interval := r.cfg.LeaseTTL / 3
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := r.repos.Queue.ExtendLease(runCtx, item.ID, workerID, r.cfg.LeaseTTL); err != nil {
					if runCtx.Err() == nil {
						logger.Warn().Err(err).Msg("Lost queue lease, canceling stage")
						cancel()
					}
					return
				}
			}
		}
	}()

	handlerErr := handler(runCtx, doc)
	cancel()
	<-heartbeatDone

	switch {
	case handlerErr == nil:
		r.completeItem(ctx, workerID, item, doc, startedAt, false, "")
	case errors.Is(handlerErr, errSkipStage):
		logger.Info().Str("reason", handlerErr.Error()).Msg("Stage skipped")
		r.completeItem(ctx, workerID, item, doc, startedAt, true, handlerErr.Error())
	default:
		r.failItem(ctx, workerID, item, doc, handlerErr)
	}
}

// checkGate enforces stage ordering: every earlier stage must have finished
// (completed or skipped) before this one may run.
func (r *Runner) checkGate(ctx context.Context, item *storage.QueueItem) error {
	idx := storage.StageIndex(item.Stage)
	for _, prev := range storage.StageOrder[:idx] {
		status, err := r.repos.StageStatus.Get(ctx, item.DocumentID, prev)
		if errors.Is(err, storage.ErrNotFound) {
			return fault.Newf(fault.KindValidationError,
				"stage %s cannot start: %s has not run", item.Stage, prev)
		}
		if err != nil {
			return err
		}
		if status.State != storage.StageCompleted && status.State != storage.StageSkipped {
			return fault.Newf(fault.KindValidationError,
				"stage %s cannot start: %s is %s", item.Stage, prev, status.State)
		}
	}
	return nil
}

func (r *Runner) completeItem(ctx context.Context, workerID string, item *storage.QueueItem, doc *storage.Document, startedAt time.Time, skipped bool, reason string) {
	logger := r.logger.WithWorker(workerID).
		WithDocument(doc.ID.String()).
		WithStage(string(item.Stage))

	if skipped {
		if err := r.repos.StageStatus.MarkSkipped(ctx, doc.ID, item.Stage); err != nil {
			logger.Error().Err(err).Msg("Failed to mark stage skipped")
		}
	} else {
		if err := r.repos.StageStatus.MarkCompleted(ctx, doc.ID, item.Stage, startedAt); err != nil {
			logger.Error().Err(err).Msg("Failed to mark stage completed")
		}
	}
	if err := r.repos.Queue.Complete(ctx, item.ID, workerID); err != nil {
		logger.Error().Err(err).Msg("Failed to complete queue item")
		return
	}

	next, ok := storage.NextStage(item.Stage)
	if !ok {
		stage := item.Stage
		if err := r.repos.Documents.SetStatus(ctx, doc.ID, storage.ProcessingCompleted, &stage); err != nil {
			logger.Error().Err(err).Msg("Failed to mark document completed")
		}
		_ = r.repos.Audit.Record(ctx, &doc.ID, "document_completed", nil, nil)
		logger.Info().Dur("elapsed", time.Since(doc.CreatedAt)).Msg("Document pipeline complete")
		return
	}

	if _, err := r.repos.Queue.Enqueue(ctx, doc.ID, next, item.Priority, r.cfg.MaxAttempts); err != nil {
		logger.Error().Err(err).Str("next_stage", string(next)).Msg("Failed to enqueue next stage")
		return
	}
	logger.Debug().Str("next_stage", string(next)).Msg("Advanced to next stage")
}

func (r *Runner) failItem(ctx context.Context, workerID string, item *storage.QueueItem, doc *storage.Document, handlerErr error) {
	logger := r.logger.WithWorker(workerID).
		WithDocument(item.DocumentID.String()).
		WithStage(string(item.Stage))

	kind := fault.KindOf(handlerErr)
	retryable := fault.Retryable(kind)
	notBefore := time.Now().UTC().Add(r.backoff(item.Attempts))

	retried, err := r.repos.Queue.Fail(ctx, item.ID, workerID, handlerErr.Error(), retryable, notBefore)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record queue failure")
	}

	if err := r.repos.StageStatus.MarkFailed(ctx, item.DocumentID, item.Stage,
		string(kind), handlerErr.Error(), item.Attempts-1); err != nil {
		logger.Error().Err(err).Msg("Failed to mark stage failed")
	}

	record := &storage.PipelineError{
		DocumentID:   item.DocumentID,
		Stage:        item.Stage,
		ErrorKind:    string(kind),
		ErrorMessage: handlerErr.Error(),
		Severity:     string(fault.SeverityOf(kind)),
		RetryCount:   item.Attempts - 1,
		MaxRetries:   item.MaxAttempts,
		Remediation:  remediationJSON(handlerErr),
	}
	if retried {
		record.Status = storage.PipelineErrorRetrying
	}
	if err := r.repos.PipelineErrors.Create(ctx, record); err != nil {
		logger.Error().Err(err).Msg("Failed to record pipeline error")
	}

	if retried {
		logger.Warn().Err(handlerErr).Int("attempt", item.Attempts).Msg("Stage failed, retry scheduled")
		return
	}

	stage := item.Stage
	if err := r.repos.Documents.SetStatus(ctx, item.DocumentID, storage.ProcessingFailed, &stage); err != nil {
		logger.Error().Err(err).Msg("Failed to mark document failed")
	}
	logger.Error().Err(handlerErr).Int("attempts", item.Attempts).Msg("Stage failed permanently")
}

// backoff computes the delay before retry n (1-based attempt count that
// just failed): base * factor^(n-1) plus uniform jitter.
func (r *Runner) backoff(attempt int) time.Duration {
	d := float64(r.cfg.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= r.cfg.BackoffFactor
	}
	delay := time.Duration(d)
	if r.cfg.BackoffJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(r.cfg.BackoffJitter)))
	}
	return delay
}

func remediationJSON(err error) json.RawMessage {
	f := fault.As(err)
	if f == nil || (len(f.Remediations) == 0 && len(f.Hints) == 0) {
		return nil
	}
	raw, jsonErr := json.Marshal(map[string][]string{
		"options": f.Remediations,
		"hints":   f.Hints,
	})
	if jsonErr != nil {
		return nil
	}
	return raw
}
