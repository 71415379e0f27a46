package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/events"
	"github.com/rpattn/contactsync/internal/metrics"
	"github.com/rpattn/contactsync/internal/repository"
	"github.com/rpattn/contactsync/pkg/normalize"

	"go.uber.org/zap"
)

// Options tunes a Service.
type Options struct {
	// StorageTimeout bounds every individual storage call.
	StorageTimeout time.Duration
	Policy         StatusPolicy
	// Strict makes programming errors such as finishing a run twice panic.
	Strict bool
}

// Service runs batches of raw contact records through normalization, upsert,
// run accounting, audit logging and the error ledger.
type Service struct {
	normalizer *normalize.Normalizer
	engine     *UpsertEngine
	tracker    *RunTracker
	audit      *AuditLogger
	recorder   *ErrorRecorder
	publisher  events.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a new ingestion service.
func NewService(
	normalizer *normalize.Normalizer,
	store repository.Store,
	publisher events.Publisher,
	logger *zap.Logger,
	opts Options,
) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if opts.Policy.ErrorThreshold == 0 {
		opts.Policy.ErrorThreshold = DefaultStatusPolicy().ErrorThreshold
	}

	recorder := NewErrorRecorder(store.Errors, logger, opts.StorageTimeout)
	return &Service{
		normalizer: normalizer,
		engine:     NewUpsertEngine(store.Contacts, opts.StorageTimeout),
		tracker:    NewRunTracker(store.Runs, opts.Policy, opts.Strict, opts.StorageTimeout, logger),
		audit:      NewAuditLogger(store.Logs, recorder, logger, opts.StorageTimeout),
		recorder:   recorder,
		publisher:  publisher,
		logger:     logger.Named("pipeline"),
		now:        time.Now,
	}
}

func (s *Service) Engine() *UpsertEngine { return s.engine }
func (s *Service) Tracker() *RunTracker { return s.tracker }
func (s *Service) Audit() *AuditLogger { return s.audit }
func (s *Service) Recorder() *ErrorRecorder { return s.recorder }

// Request identifies the trigger and carries one batch.
type Request struct {
	ExecutionID string
	WorkflowID  string
	Records     []normalize.RawRecord
}

// Run processes the batch sequentially and finishes the run. Per-record
// failures are recorded and counted; only opening or finishing the run is
// returned as an error. A cancelled ctx stops processing and leaves the run
// started for the reconciliation sweep.
func (s *Service) Run(ctx context.Context, req Request) (domain.RunSummary, error) {
	handle, err := s.tracker.Start(ctx, strings.TrimSpace(req.ExecutionID), strings.TrimSpace(req.WorkflowID))
	if err != nil {
		return domain.RunSummary{}, err
	}
	log := s.logger.With(zap.String("run_id", handle.ID().String()))
	log.Info("pipeline: processing batch", zap.Int("records", len(req.Records)))

	for idx, raw := range req.Records {
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Warn("pipeline: run interrupted", zap.Int("processed", idx), zap.Error(ctxErr))
			return domain.RunSummary{}, fmt.Errorf("ingestion run %s interrupted: %w", handle.ID(), ctxErr)
		}
		s.processRecord(ctx, handle, idx, raw, log)
	}

	run, err := s.tracker.Finish(ctx, handle)
	if err != nil {
		return domain.RunSummary{}, err
	}
	summary := run.Summary()

	metrics.RunsFinished.WithLabelValues(string(summary.Status)).Inc()
	metrics.RunDuration.Observe(summary.Duration.Seconds())

	if s.publisher.Enabled() {
		if pubErr := s.publisher.PublishRunFinished(ctx, summary); pubErr != nil {
			s.recordFailure(ctx, log, ErrorEntry{
				RunID:   run.ID,
				Code:    domain.ErrorCodeNotifyFailed,
				Message: pubErr.Error(),
				Details: map[string]any{"event": events.EventRunFinished},
				Step:    domain.StepNotify,
			})
		}
	}

	log.Info("pipeline: batch processed",
		zap.String("status", string(summary.Status)),
		zap.Int("received", summary.Received),
		zap.Int("inserted", summary.Inserted),
		zap.Int("updated", summary.Updated),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("warnings", summary.Warnings),
		zap.Int("errors", summary.Errors),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (s *Service) processRecord(ctx context.Context, handle *RunHandle, idx int, raw normalize.RawRecord, log *zap.Logger) {
	start := s.now()

	result, err := s.normalizer.Normalize(raw)
	if err != nil {
		details := map[string]any{"record_index": idx}
		var validationErr *normalize.ValidationError
		if errors.As(err, &validationErr) {
			details["field"] = validationErr.Field
		}
		s.fail(ctx, handle, raw, failure{
			code:    domain.ErrorCodeValidationFailed,
			step:    domain.StepNormalize,
			err:     err,
			details: details,
			start:   start,
		}, log)
		return
	}
	contact := result.Contact

	stored, op, err := s.engine.Apply(ctx, contact)
	if err != nil {
		s.fail(ctx, handle, raw, failure{
			code: storageErrorCode(err),
			step: domain.StepUpsert,
			err:  err,
			details: map[string]any{
				"record_index": idx,
				"source_id":    contact.SourceID,
			},
			start: start,
		}, log)
		return
	}

	outcome := Outcome{Operation: op, Downgraded: result.Downgraded()}
	if op == domain.OperationInsert && s.publisher.Enabled() {
		if pubErr := s.publisher.PublishContactInserted(ctx, handle.ID(), stored); pubErr != nil {
			s.recordFailure(ctx, log, ErrorEntry{
				RunID:     handle.ID(),
				ContactID: &stored.ID,
				Code:      domain.ErrorCodeNotifyFailed,
				Message:   pubErr.Error(),
				Details:   map[string]any{"event": events.EventContactInserted, "source_id": stored.SourceID},
				Input:     raw.Payload,
				Step:      domain.StepNotify,
			})
		} else {
			outcome.Notified = true
		}
	}
	s.count(ctx, handle, outcome, log)

	status := domain.LogStatusSuccess
	message := fmt.Sprintf("contact %s %s", contact.SourceID, operationVerb(op))
	if result.Downgraded() {
		status = domain.LogStatusWarning
		notes := make([]string, 0, len(result.Warnings))
		for _, warning := range result.Warnings {
			notes = append(notes, fmt.Sprintf("%s: %s", warning.Code, warning.Message))
			metrics.FieldDowngrades.WithLabelValues(warning.Field).Inc()
		}
		message = message + " with warnings (" + strings.Join(notes, "; ") + ")"
	}

	duration := s.now().Sub(start)
	s.audit.Log(ctx, LogEntry{
		RunID:     handle.ID(),
		ContactID: &stored.ID,
		Operation: op,
		Status:    status,
		Message:   message,
		Duration:  duration,
		RawInput:  raw.Payload,
		Step:      domain.StepUpsert,
	})

	metrics.ContactsProcessed.WithLabelValues(string(op)).Inc()
	metrics.ContactDuration.WithLabelValues(string(op)).Observe(duration.Seconds())
	log.Debug("pipeline: contact processed",
		zap.String("source_id", contact.SourceID),
		zap.String("operation", string(op)),
		zap.Int("warnings", len(result.Warnings)),
	)
}

type failure struct {
	code    string
	step    string
	err     error
	details map[string]any
	start   time.Time
}

// fail records a record-level failure in the ledger, the run counters and
// the audit log.
func (s *Service) fail(ctx context.Context, handle *RunHandle, raw normalize.RawRecord, f failure, log *zap.Logger) {
	s.recordFailure(ctx, log, ErrorEntry{
		RunID:   handle.ID(),
		Code:    f.code,
		Message: f.err.Error(),
		Details: f.details,
		Input:   raw.Payload,
		Step:    f.step,
	})
	s.count(ctx, handle, Outcome{Operation: domain.OperationError}, log)

	duration := s.now().Sub(f.start)
	s.audit.Log(ctx, LogEntry{
		RunID:     handle.ID(),
		Operation: domain.OperationError,
		Status:    domain.LogStatusError,
		Message:   fmt.Sprintf("%s: %v", f.code, f.err),
		Duration:  duration,
		RawInput:  raw.Payload,
		Step:      f.step,
	})

	metrics.ContactsProcessed.WithLabelValues(string(domain.OperationError)).Inc()
	metrics.ContactDuration.WithLabelValues(string(domain.OperationError)).Observe(duration.Seconds())
}

func (s *Service) count(ctx context.Context, handle *RunHandle, outcome Outcome, log *zap.Logger) {
	err := s.tracker.Record(ctx, handle, outcome)
	if err == nil {
		return
	}
	s.recordFailure(ctx, log, ErrorEntry{
		RunID:   handle.ID(),
		Code:    domain.ErrorCodeCounterWriteFailure,
		Message: err.Error(),
		Details: map[string]any{"operation": outcome.Operation},
		Step:    domain.StepRun,
	})
}

// recordFailure writes to the ledger; if even that fails the failure goes to
// the process log at error level.
func (s *Service) recordFailure(ctx context.Context, log *zap.Logger, entry ErrorEntry) {
	if _, err := s.recorder.Record(ctx, entry); err != nil {
		log.Error("pipeline: failed to record processing error",
			zap.String("code", entry.Code),
			zap.String("step", entry.Step),
			zap.String("message", entry.Message),
			zap.Error(err),
		)
	}
}

func operationVerb(op domain.Operation) string {
	switch op {
	case domain.OperationInsert:
		return "inserted"
	case domain.OperationUpdate:
		return "updated"
	case domain.OperationDuplicate:
		return "unchanged"
	default:
		return string(op)
	}
}
