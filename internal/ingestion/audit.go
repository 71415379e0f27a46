package ingestion

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/repository"
	"go.uber.org/zap"
)

// LogEntry is one processing attempt to append to the audit log.
type LogEntry struct {
	RunID     uuid.UUID
	ContactID *int64
	Operation domain.Operation
	Status    domain.LogStatus
	Message   string
	Duration  time.Duration
	RawInput  json.RawMessage
	Step      string
}

// AuditLogger appends processing log entries. A failed append is recorded in
// the error ledger and, failing that, in the process log; it never reaches
// the caller.
type AuditLogger struct {
	repo     repository.ProcessingLogRepository
	recorder *ErrorRecorder
	logger   *zap.Logger
	timeout  time.Duration
}

func NewAuditLogger(repo repository.ProcessingLogRepository, recorder *ErrorRecorder, logger *zap.Logger, timeout time.Duration) *AuditLogger {
	return &AuditLogger{repo: repo, recorder: recorder, logger: logger.Named("audit"), timeout: timeout}
}

// Log appends entry and reports whether it reached the audit log.
func (a *AuditLogger) Log(ctx context.Context, entry LogEntry) bool {
	writeCtx, cancel := storageContext(ctx, a.timeout)
	_, err := a.repo.Append(writeCtx, domain.ProcessingLogEntry{
		RunID:     entry.RunID,
		ContactID: entry.ContactID,
		Operation: entry.Operation,
		Status:    entry.Status,
		Message:   entry.Message,
		Duration:  entry.Duration,
		RawInput:  entry.RawInput,
		Step:      entry.Step,
	})
	cancel()
	if err == nil {
		return true
	}

	fields := []zap.Field{
		zap.String("run_id", entry.RunID.String()),
		zap.String("operation", string(entry.Operation)),
		zap.String("step", entry.Step),
		zap.Error(err),
	}
	if entry.ContactID != nil {
		fields = append(fields, zap.Int64("contact_id", *entry.ContactID))
	}

	_, recordErr := a.recorder.Record(ctx, ErrorEntry{
		RunID:     entry.RunID,
		ContactID: entry.ContactID,
		Code:      domain.ErrorCodeAuditWriteFailure,
		Message:   err.Error(),
		Details: map[string]any{
			"operation": entry.Operation,
			"status":    entry.Status,
			"message":   entry.Message,
			"step":      entry.Step,
		},
		Input: entry.RawInput,
		Step:  domain.StepAudit,
	})
	if recordErr != nil {
		a.logger.Error("audit: failed to write processing log and error ledger",
			append(fields, zap.NamedError("ledger_error", recordErr))...)
		return false
	}
	a.logger.Warn("audit: failed to write processing log", fields...)
	return false
}

// ListByRun returns the audit trail of one run in append order.
func (a *AuditLogger) ListByRun(ctx context.Context, runID uuid.UUID, limit, offset int) ([]domain.ProcessingLogEntry, error) {
	ctx, cancel := storageContext(ctx, a.timeout)
	defer cancel()
	return a.repo.ListByRun(ctx, runID, limit, offset)
}

// ListByContact returns the audit trail of one contact, newest first.
func (a *AuditLogger) ListByContact(ctx context.Context, contactID int64, limit, offset int) ([]domain.ProcessingLogEntry, error) {
	ctx, cancel := storageContext(ctx, a.timeout)
	defer cancel()
	return a.repo.ListByContact(ctx, contactID, limit, offset)
}
