package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/metrics"
	"github.com/rpattn/contactsync/internal/repository"
	"go.uber.org/zap"
)

// ErrorEntry describes one failure to add to the ledger.
type ErrorEntry struct {
	RunID     uuid.UUID
	ContactID *int64
	Code      string
	Message   string
	// Details is encoded as JSON; nil stores no details.
	Details any
	Input   json.RawMessage
	Step    string
}

// ErrorRecorder is the error ledger. It keeps retry bookkeeping but never
// decides when to retry.
type ErrorRecorder struct {
	repo    repository.ProcessingErrorRepository
	logger  *zap.Logger
	timeout time.Duration
}

func NewErrorRecorder(repo repository.ProcessingErrorRepository, logger *zap.Logger, timeout time.Duration) *ErrorRecorder {
	return &ErrorRecorder{repo: repo, logger: logger.Named("recorder"), timeout: timeout}
}

// Record stores entry with retry_count 0 and resolved false.
func (r *ErrorRecorder) Record(ctx context.Context, entry ErrorEntry) (domain.ProcessingError, error) {
	if entry.RunID == uuid.Nil {
		return domain.ProcessingError{}, fmt.Errorf("run id is required")
	}
	if entry.Code == "" {
		return domain.ProcessingError{}, fmt.Errorf("error code is required")
	}

	var details json.RawMessage
	if entry.Details != nil {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return domain.ProcessingError{}, fmt.Errorf("failed to encode error details: %w", err)
		}
		details = encoded
	}

	ctx, cancel := storageContext(ctx, r.timeout)
	defer cancel()

	recorded, err := r.repo.Record(ctx, domain.ProcessingError{
		RunID:     entry.RunID,
		ContactID: entry.ContactID,
		Code:      entry.Code,
		Message:   entry.Message,
		Details:   details,
		Input:     entry.Input,
		Step:      entry.Step,
	})
	if err != nil {
		return domain.ProcessingError{}, fmt.Errorf("failed to record processing error: %w", err)
	}

	metrics.ProcessingErrors.WithLabelValues(entry.Code).Inc()
	r.logger.Warn("recorder: processing error recorded",
		zap.String("run_id", entry.RunID.String()),
		zap.Int64("error_id", recorded.ID),
		zap.String("code", entry.Code),
		zap.String("step", entry.Step),
		zap.String("message", entry.Message),
	)
	return recorded, nil
}

// IncrementRetry bumps the retry counter of an unresolved error.
func (r *ErrorRecorder) IncrementRetry(ctx context.Context, id int64) (domain.ProcessingError, error) {
	ctx, cancel := storageContext(ctx, r.timeout)
	defer cancel()
	return r.repo.IncrementRetry(ctx, id)
}

// Resolve marks an error resolved. Resolving twice returns domain.ErrErrorResolved.
func (r *ErrorRecorder) Resolve(ctx context.Context, id int64) (domain.ProcessingError, error) {
	ctx, cancel := storageContext(ctx, r.timeout)
	defer cancel()

	resolved, err := r.repo.Resolve(ctx, id)
	if err != nil {
		return domain.ProcessingError{}, err
	}
	r.logger.Info("recorder: processing error resolved", zap.Int64("error_id", id), zap.Int("retries", resolved.RetryCount))
	return resolved, nil
}

func (r *ErrorRecorder) Get(ctx context.Context, id int64) (domain.ProcessingError, error) {
	ctx, cancel := storageContext(ctx, r.timeout)
	defer cancel()
	return r.repo.GetByID(ctx, id)
}

func (r *ErrorRecorder) ListByRun(ctx context.Context, runID uuid.UUID, limit, offset int) ([]domain.ProcessingError, error) {
	ctx, cancel := storageContext(ctx, r.timeout)
	defer cancel()
	return r.repo.List(ctx, domain.ErrorFilter{RunID: &runID, Limit: limit, Offset: offset})
}

func (r *ErrorRecorder) ListUnresolved(ctx context.Context, limit, offset int) ([]domain.ProcessingError, error) {
	ctx, cancel := storageContext(ctx, r.timeout)
	defer cancel()
	return r.repo.List(ctx, domain.ErrorFilter{UnresolvedOnly: true, Limit: limit, Offset: offset})
}

// List passes an arbitrary filter to the ledger.
func (r *ErrorRecorder) List(ctx context.Context, filter domain.ErrorFilter) ([]domain.ProcessingError, error) {
	ctx, cancel := storageContext(ctx, r.timeout)
	defer cancel()
	return r.repo.List(ctx, filter)
}
