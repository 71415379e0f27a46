package repository

import (
	"context"
	"time"

	"github.com/rpattn/contactsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ContactRepository owns stored contacts. Upsert is the only path that
// creates or changes canonical fields.
type ContactRepository interface {
	// Upsert atomically inserts, updates or leaves untouched the contact keyed
	// by the canonical source id and reports which one happened.
	Upsert(ctx context.Context, contact domain.CanonicalContact) (domain.StoredContact, domain.Operation, error)
	GetBySourceID(ctx context.Context, sourceID string) (domain.StoredContact, error)
	SetStatus(ctx context.Context, sourceID string, status domain.ContactStatus) (domain.StoredContact, error)
	ListActive(ctx context.Context, limit int, offset int) ([]domain.ActiveContact, error)
}

// RunRepository stores ingestion runs and their counters.
type RunRepository interface {
	Create(ctx context.Context, run domain.IngestionRun) (domain.IngestionRun, error)
	// Increment adds delta to the counters of an unfinished run.
	Increment(ctx context.Context, runID uuid.UUID, delta domain.RunCounters) error
	// Finish freezes an unfinished run with its final counters and status.
	Finish(ctx context.Context, runID uuid.UUID, status domain.RunStatus, counters domain.RunCounters, finishedAt time.Time) (domain.IngestionRun, error)
	GetByID(ctx context.Context, runID uuid.UUID) (domain.IngestionRun, error)
	List(ctx context.Context, filter domain.RunFilter) ([]domain.IngestionRun, error)
	// MarkAbandoned closes runs still started before the cutoff as errors.
	MarkAbandoned(ctx context.Context, startedBefore time.Time) (int, error)
}

// ProcessingLogRepository is the append-only audit log.
type ProcessingLogRepository interface {
	Append(ctx context.Context, entry domain.ProcessingLogEntry) (domain.ProcessingLogEntry, error)
	ListByRun(ctx context.Context, runID uuid.UUID, limit int, offset int) ([]domain.ProcessingLogEntry, error)
	ListByContact(ctx context.Context, contactID int64, limit int, offset int) ([]domain.ProcessingLogEntry, error)
}

// ProcessingErrorRepository is the error ledger.
type ProcessingErrorRepository interface {
	Record(ctx context.Context, entry domain.ProcessingError) (domain.ProcessingError, error)
	IncrementRetry(ctx context.Context, id int64) (domain.ProcessingError, error)
	Resolve(ctx context.Context, id int64) (domain.ProcessingError, error)
	GetByID(ctx context.Context, id int64) (domain.ProcessingError, error)
	List(ctx context.Context, filter domain.ErrorFilter) ([]domain.ProcessingError, error)
}

// Store bundles the repositories of one storage backend.
type Store struct {
	Contacts ContactRepository
	Runs     RunRepository
	Logs     ProcessingLogRepository
	Errors   ProcessingErrorRepository
}

func pageBounds(limit int, offset int) (int, int) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// NewStore wires the Postgres repositories over one pool.
func NewStore(pool *pgxpool.Pool) Store {
	return Store{
		Contacts: NewContactRepository(pool),
		Runs:     NewRunRepository(pool),
		Logs:     NewProcessingLogRepository(pool),
		Errors:   NewProcessingErrorRepository(pool),
	}
}
