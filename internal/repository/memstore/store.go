// Package memstore is an in-process implementation of the repository
// interfaces. Every operation runs under one mutex, which makes Upsert a
// compare-and-swap on the source id.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/repository"

	"github.com/google/uuid"
)

// Store holds contacts, runs, logs and errors in memory.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	contacts      map[string]domain.StoredContact
	nextContactID int64

	runs map[uuid.UUID]domain.IngestionRun

	logs      []domain.ProcessingLogEntry
	nextLogID int64

	errors      []domain.ProcessingError
	nextErrorID int64
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		contacts: make(map[string]domain.StoredContact),
		runs:     make(map[uuid.UUID]domain.IngestionRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repositories exposes the store through the repository interfaces.
func (s *Store) Repositories() repository.Store {
	return repository.Store{
		Contacts: contacts{s},
		Runs:     runs{s},
		Logs:     logs{s},
		Errors:   ledger{s},
	}
}

type contacts struct{ s *Store }

func (c contacts) Upsert(ctx context.Context, contact domain.CanonicalContact) (domain.StoredContact, domain.Operation, error) {
	if err := ctx.Err(); err != nil {
		return domain.StoredContact{}, "", err
	}
	if contact.SourceID == "" {
		return domain.StoredContact{}, "", fmt.Errorf("source id is required")
	}

	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	existing, found := s.contacts[contact.SourceID]
	switch {
	case !found:
		s.nextContactID++
		stored := domain.NewStoredContact(cloneCanonical(contact), now)
		stored.ID = s.nextContactID
		s.contacts[contact.SourceID] = stored
		return cloneStored(stored), domain.OperationInsert, nil
	case existing.SameFields(contact):
		return cloneStored(existing), domain.OperationDuplicate, nil
	default:
		updated := existing.WithCanonical(cloneCanonical(contact), now)
		s.contacts[contact.SourceID] = updated
		return cloneStored(updated), domain.OperationUpdate, nil
	}
}

func (c contacts) GetBySourceID(ctx context.Context, sourceID string) (domain.StoredContact, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	stored, ok := c.s.contacts[sourceID]
	if !ok {
		return domain.StoredContact{}, fmt.Errorf("contact %s: %w", sourceID, domain.ErrNotFound)
	}
	return cloneStored(stored), nil
}

func (c contacts) SetStatus(ctx context.Context, sourceID string, status domain.ContactStatus) (domain.StoredContact, error) {
	if !status.Valid() {
		return domain.StoredContact{}, fmt.Errorf("invalid contact status %q", status)
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	stored, ok := c.s.contacts[sourceID]
	if !ok {
		return domain.StoredContact{}, fmt.Errorf("contact %s: %w", sourceID, domain.ErrNotFound)
	}
	stored.Status = status
	stored.UpdatedAt = c.s.now().UTC()
	c.s.contacts[sourceID] = stored
	return cloneStored(stored), nil
}

func (c contacts) ListActive(ctx context.Context, limit int, offset int) ([]domain.ActiveContact, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	lastSuccess := make(map[int64]time.Time)
	for _, entry := range c.s.logs {
		if entry.ContactID == nil || entry.Status == domain.LogStatusError {
			continue
		}
		if entry.CreatedAt.After(lastSuccess[*entry.ContactID]) {
			lastSuccess[*entry.ContactID] = entry.CreatedAt
		}
	}

	active := []domain.ActiveContact{}
	for _, stored := range c.s.contacts {
		if stored.Status != domain.ContactStatusActive {
			continue
		}
		projection := domain.ActiveContact{StoredContact: cloneStored(stored), FullName: stored.FullName()}
		if ts, ok := lastSuccess[stored.ID]; ok {
			projection.LastSuccessfulRun = &ts
		}
		active = append(active, projection)
	}
	sort.Slice(active, func(i, j int) bool {
		return strings.Compare(active[i].SourceID, active[j].SourceID) < 0
	})
	return page(active, limit, offset), nil
}

type runs struct{ s *Store }

func (r runs) Create(ctx context.Context, run domain.IngestionRun) (domain.IngestionRun, error) {
	if err := ctx.Err(); err != nil {
		return domain.IngestionRun{}, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.runs[run.ID]; exists {
		return domain.IngestionRun{}, fmt.Errorf("ingestion run %s already exists", run.ID)
	}
	run.Status = domain.RunStatusStarted
	run.FinishedAt = nil
	run.RunCounters = domain.RunCounters{}
	r.s.runs[run.ID] = run
	return run, nil
}

func (r runs) Increment(ctx context.Context, runID uuid.UUID, delta domain.RunCounters) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	run, err := r.s.openRun(runID)
	if err != nil {
		return err
	}
	run.RunCounters = run.RunCounters.Add(delta)
	r.s.runs[runID] = run
	return nil
}

func (r runs) Finish(ctx context.Context, runID uuid.UUID, status domain.RunStatus, counters domain.RunCounters, finishedAt time.Time) (domain.IngestionRun, error) {
	if !status.Terminal() {
		return domain.IngestionRun{}, fmt.Errorf("invalid final run status %q", status)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	run, err := r.s.openRun(runID)
	if err != nil {
		return domain.IngestionRun{}, err
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.RunCounters = maxCounters(run.RunCounters, counters)
	r.s.runs[runID] = run
	return run, nil
}

func (r runs) GetByID(ctx context.Context, runID uuid.UUID) (domain.IngestionRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	run, ok := r.s.runs[runID]
	if !ok {
		return domain.IngestionRun{}, fmt.Errorf("ingestion run %s: %w", runID, domain.ErrNotFound)
	}
	return run, nil
}

func (r runs) List(ctx context.Context, filter domain.RunFilter) ([]domain.IngestionRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := []domain.IngestionRun{}
	for _, run := range r.s.runs {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, run.Status) {
			continue
		}
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (r runs) MarkAbandoned(ctx context.Context, startedBefore time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now().UTC()
	count := 0
	for id, run := range r.s.runs {
		if run.Finished() || run.Status != domain.RunStatusStarted || !run.StartedAt.Before(startedBefore) {
			continue
		}
		run.Status = domain.RunStatusError
		run.FinishedAt = &now
		r.s.runs[id] = run

		r.s.nextErrorID++
		r.s.errors = append(r.s.errors, domain.ProcessingError{
			ID:        r.s.nextErrorID,
			RunID:     id,
			Code:      domain.ErrorCodeRunAbandoned,
			Message:   fmt.Sprintf("run left in started status before %s", startedBefore.UTC().Format(time.RFC3339)),
			Step:      domain.StepRun,
			CreatedAt: now,
			UpdatedAt: now,
		})
		count++
	}
	return count, nil
}

func (s *Store) openRun(runID uuid.UUID) (domain.IngestionRun, error) {
	run, ok := s.runs[runID]
	if !ok {
		return domain.IngestionRun{}, fmt.Errorf("ingestion run %s: %w", runID, domain.ErrNotFound)
	}
	if run.Finished() {
		return domain.IngestionRun{}, fmt.Errorf("ingestion run %s: %w", runID, domain.ErrRunAlreadyFinished)
	}
	return run, nil
}

type logs struct{ s *Store }

func (l logs) Append(ctx context.Context, entry domain.ProcessingLogEntry) (domain.ProcessingLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProcessingLogEntry{}, err
	}

	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if _, ok := l.s.runs[entry.RunID]; !ok {
		return domain.ProcessingLogEntry{}, fmt.Errorf("ingestion run %s: %w", entry.RunID, domain.ErrNotFound)
	}
	l.s.nextLogID++
	entry.ID = l.s.nextLogID
	entry.CreatedAt = l.s.now().UTC()
	l.s.logs = append(l.s.logs, entry)
	return entry, nil
}

func (l logs) ListByRun(ctx context.Context, runID uuid.UUID, limit int, offset int) ([]domain.ProcessingLogEntry, error) {
	return l.filter(func(entry domain.ProcessingLogEntry) bool { return entry.RunID == runID }, limit, offset), nil
}

func (l logs) ListByContact(ctx context.Context, contactID int64, limit int, offset int) ([]domain.ProcessingLogEntry, error) {
	return l.filter(func(entry domain.ProcessingLogEntry) bool {
		return entry.ContactID != nil && *entry.ContactID == contactID
	}, limit, offset), nil
}

func (l logs) filter(keep func(domain.ProcessingLogEntry) bool, limit int, offset int) []domain.ProcessingLogEntry {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	out := []domain.ProcessingLogEntry{}
	for _, entry := range l.s.logs {
		if keep(entry) {
			out = append(out, entry)
		}
	}
	return page(out, limit, offset)
}

type ledger struct{ s *Store }

func (e ledger) Record(ctx context.Context, entry domain.ProcessingError) (domain.ProcessingError, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProcessingError{}, err
	}

	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	now := e.s.now().UTC()
	e.s.nextErrorID++
	entry.ID = e.s.nextErrorID
	entry.RetryCount = 0
	entry.Resolved = false
	entry.ResolvedAt = nil
	entry.CreatedAt = now
	entry.UpdatedAt = now
	e.s.errors = append(e.s.errors, entry)
	return entry, nil
}

func (e ledger) IncrementRetry(ctx context.Context, id int64) (domain.ProcessingError, error) {
	return e.mutate(id, func(entry *domain.ProcessingError, now time.Time) {
		entry.RetryCount++
	})
}

func (e ledger) Resolve(ctx context.Context, id int64) (domain.ProcessingError, error) {
	return e.mutate(id, func(entry *domain.ProcessingError, now time.Time) {
		entry.Resolved = true
		entry.ResolvedAt = &now
	})
}

func (e ledger) mutate(id int64, apply func(*domain.ProcessingError, time.Time)) (domain.ProcessingError, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	for i := range e.s.errors {
		entry := &e.s.errors[i]
		if entry.ID != id {
			continue
		}
		if entry.Resolved {
			return domain.ProcessingError{}, fmt.Errorf("processing error %d: %w", id, domain.ErrErrorResolved)
		}
		now := e.s.now().UTC()
		apply(entry, now)
		entry.UpdatedAt = now
		return *entry, nil
	}
	return domain.ProcessingError{}, fmt.Errorf("processing error %d: %w", id, domain.ErrNotFound)
}

func (e ledger) GetByID(ctx context.Context, id int64) (domain.ProcessingError, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	for _, entry := range e.s.errors {
		if entry.ID == id {
			return entry, nil
		}
	}
	return domain.ProcessingError{}, fmt.Errorf("processing error %d: %w", id, domain.ErrNotFound)
}

func (e ledger) List(ctx context.Context, filter domain.ErrorFilter) ([]domain.ProcessingError, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	out := []domain.ProcessingError{}
	for _, entry := range e.s.errors {
		if filter.RunID != nil && entry.RunID != *filter.RunID {
			continue
		}
		if filter.Code != "" && entry.Code != filter.Code {
			continue
		}
		if filter.UnresolvedOnly && entry.Resolved {
			continue
		}
		out = append(out, entry)
	}
	return page(out, filter.Limit, filter.Offset), nil
}

func cloneCanonical(contact domain.CanonicalContact) domain.CanonicalContact {
	contact.Tags = slices.Clone(contact.Tags)
	contact.RawPayload = slices.Clone(contact.RawPayload)
	return contact
}

// cloneStored detaches the returned contact from the map entry.
func cloneStored(stored domain.StoredContact) domain.StoredContact {
	stored.CanonicalContact = cloneCanonical(stored.CanonicalContact)
	return stored
}

func maxCounters(a, b domain.RunCounters) domain.RunCounters {
	return domain.RunCounters{
		Received:          max(a.Received, b.Received),
		Inserted:          max(a.Inserted, b.Inserted),
		Updated:           max(a.Updated, b.Updated),
		Duplicates:        max(a.Duplicates, b.Duplicates),
		Warnings:          max(a.Warnings, b.Warnings),
		NotificationsSent: max(a.NotificationsSent, b.NotificationsSent),
		Errors:            max(a.Errors, b.Errors),
	}
}

func page[T any](items []T, limit int, offset int) []T {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

var (
	_ repository.ContactRepository         = contacts{}
	_ repository.RunRepository             = runs{}
	_ repository.ProcessingLogRepository   = logs{}
	_ repository.ProcessingErrorRepository = ledger{}
)
