package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/repository"
	"go.uber.org/zap"
)

// StatusPolicy derives the final status of a run from its counters.
type StatusPolicy struct {
	// ErrorThreshold is the error ratio at or above which a run is an error.
	// 1.0 means only runs where nothing succeeded.
	ErrorThreshold float64
	// DowngradesAsWarning turns an error-free run with field downgrades into a warning.
	DowngradesAsWarning bool
}

func DefaultStatusPolicy() StatusPolicy {
	return StatusPolicy{ErrorThreshold: 1.0}
}

// Decide maps counters to success, warning or error.
func (p StatusPolicy) Decide(c domain.RunCounters) domain.RunStatus {
	if c.Errors == 0 {
		if p.DowngradesAsWarning && c.Warnings > 0 {
			return domain.RunStatusWarning
		}
		return domain.RunStatusSuccess
	}

	threshold := p.ErrorThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}
	if c.Received == 0 || float64(c.Errors)/float64(c.Received) >= threshold {
		return domain.RunStatusError
	}
	return domain.RunStatusWarning
}

// Outcome is the result of processing one record.
type Outcome struct {
	Operation  domain.Operation
	Downgraded bool
	Notified   bool
}

func (o Outcome) delta() domain.RunCounters {
	d := domain.RunCounters{Received: 1}
	switch o.Operation {
	case domain.OperationInsert:
		d.Inserted = 1
	case domain.OperationUpdate:
		d.Updated = 1
	case domain.OperationDuplicate:
		d.Duplicates = 1
	default:
		d.Errors = 1
	}
	if o.Downgraded {
		d.Warnings = 1
	}
	if o.Notified {
		d.NotificationsSent = 1
	}
	return d
}

// RunHandle is the run-scoped accumulator handed through one pipeline
// invocation.
type RunHandle struct {
	mu       sync.Mutex
	run      domain.IngestionRun
	counters domain.RunCounters
	finished bool
}

func (h *RunHandle) ID() uuid.UUID { return h.run.ID }

// Run returns the run as created.
func (h *RunHandle) Run() domain.IngestionRun { return h.run }

func (h *RunHandle) Counters() domain.RunCounters {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counters
}

// RunTracker opens, counts and finishes ingestion runs.
type RunTracker struct {
	runs    repository.RunRepository
	policy  StatusPolicy
	strict  bool
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewRunTracker(runs repository.RunRepository, policy StatusPolicy, strict bool, timeout time.Duration, logger *zap.Logger) *RunTracker {
	return &RunTracker{
		runs:    runs,
		policy:  policy,
		strict:  strict,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.Named("tracker"),
	}
}

func (t *RunTracker) Policy() StatusPolicy { return t.policy }

// Start creates a run in started status.
func (t *RunTracker) Start(ctx context.Context, executionID, workflowID string) (*RunHandle, error) {
	if executionID == "" || workflowID == "" {
		return nil, fmt.Errorf("execution id and workflow id are required")
	}

	ctx, cancel := storageContext(ctx, t.timeout)
	defer cancel()

	created, err := t.runs.Create(ctx, domain.NewIngestionRun(executionID, workflowID, t.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to start ingestion run: %w", err)
	}
	t.logger.Info("tracker: run started",
		zap.String("run_id", created.ID.String()),
		zap.String("execution_id", executionID),
		zap.String("workflow_id", workflowID),
	)
	return &RunHandle{run: created}, nil
}

// Record counts one outcome on the handle and persists it as a relative
// increment. The handle is updated even when persistence fails so Finish can
// still write the full snapshot.
func (t *RunTracker) Record(ctx context.Context, h *RunHandle, outcome Outcome) error {
	delta := outcome.delta()

	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return fmt.Errorf("ingestion run %s: %w", h.run.ID, domain.ErrRunAlreadyFinished)
	}
	h.counters = h.counters.Add(delta)
	h.mu.Unlock()

	ctx, cancel := storageContext(ctx, t.timeout)
	defer cancel()
	if err := t.runs.Increment(ctx, h.run.ID, delta); err != nil {
		return fmt.Errorf("failed to persist run counters: %w", err)
	}
	return nil
}

// Finish derives the final status, freezes the run and the handle. Finishing
// twice returns domain.ErrRunAlreadyFinished, or panics in strict mode.
func (t *RunTracker) Finish(ctx context.Context, h *RunHandle) (domain.IngestionRun, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return domain.IngestionRun{}, t.finishedTwice(h.run.ID)
	}

	status := t.policy.Decide(h.counters)
	writeCtx, cancel := storageContext(ctx, t.timeout)
	defer cancel()

	finished, err := t.runs.Finish(writeCtx, h.run.ID, status, h.counters, t.now())
	if errors.Is(err, domain.ErrRunAlreadyFinished) {
		h.finished = true
		return domain.IngestionRun{}, t.finishedTwice(h.run.ID)
	}
	if err != nil {
		return domain.IngestionRun{}, fmt.Errorf("failed to finish ingestion run: %w", err)
	}
	h.finished = true
	h.run = finished

	t.logger.Info("tracker: run finished",
		zap.String("run_id", finished.ID.String()),
		zap.String("status", string(finished.Status)),
		zap.Int("received", finished.Received),
		zap.Int("inserted", finished.Inserted),
		zap.Int("updated", finished.Updated),
		zap.Int("duplicates", finished.Duplicates),
		zap.Int("errors", finished.Errors),
	)
	return finished, nil
}

func (t *RunTracker) finishedTwice(runID uuid.UUID) error {
	err := fmt.Errorf("ingestion run %s: %w", runID, domain.ErrRunAlreadyFinished)
	if t.strict {
		panic(err)
	}
	return err
}

// Reconcile closes runs still started after olderThan as errors.
func (t *RunTracker) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("age must not be negative")
	}
	ctx, cancel := storageContext(ctx, t.timeout)
	defer cancel()

	closed, err := t.runs.MarkAbandoned(ctx, t.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile abandoned runs: %w", err)
	}
	if closed > 0 {
		t.logger.Warn("tracker: abandoned runs closed", zap.Int("count", closed), zap.Duration("older_than", olderThan))
	}
	return closed, nil
}

func (t *RunTracker) Get(ctx context.Context, runID uuid.UUID) (domain.IngestionRun, error) {
	ctx, cancel := storageContext(ctx, t.timeout)
	defer cancel()
	return t.runs.GetByID(ctx, runID)
}

func (t *RunTracker) List(ctx context.Context, filter domain.RunFilter) ([]domain.IngestionRun, error) {
	ctx, cancel := storageContext(ctx, t.timeout)
	defer cancel()
	return t.runs.List(ctx, filter)
}
