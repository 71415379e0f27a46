package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/contactsync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestUpsertInsertUpdateDuplicate(t *testing.T) {
	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	store := New(WithClock(func() time.Time { return clock }))
	repo := store.Repositories().Contacts
	ctx := context.Background()

	contact := domain.CanonicalContact{SourceID: "c1", FirstName: strPtr("JEAN"), Tags: []string{"lead"}}

	stored, op, err := repo.Upsert(ctx, contact)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationInsert, op)
	assert.Equal(t, domain.ContactStatusActive, stored.Status)
	assert.Equal(t, int64(1), stored.ID)
	insertedAt := stored.UpdatedAt

	clock = clock.Add(time.Minute)
	same, op, err := repo.Upsert(ctx, contact)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationDuplicate, op)
	assert.Equal(t, insertedAt, same.UpdatedAt)
	assert.Equal(t, stored.UUID, same.UUID)

	contact.JobTitle = strPtr("CTO")
	updated, op, err := repo.Upsert(ctx, contact)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationUpdate, op)
	assert.True(t, updated.UpdatedAt.After(insertedAt))
	assert.Equal(t, stored.CreatedAt, updated.CreatedAt)
	assert.Equal(t, stored.ID, updated.ID)
}

func TestConcurrentUpsertKeepsOneContact(t *testing.T) {
	store := New()
	repo := store.Repositories().Contacts
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	ops := make(chan domain.Operation, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, op, err := repo.Upsert(ctx, domain.CanonicalContact{
				SourceID: "shared",
				Company:  strPtr(fmt.Sprintf("company-%d", i%2)),
			})
			assert.NoError(t, err)
			ops <- op
		}(i)
	}
	wg.Wait()
	close(ops)

	inserts := 0
	for op := range ops {
		if op == domain.OperationInsert {
			inserts++
		}
	}
	assert.Equal(t, 1, inserts)

	active, err := repo.ListActive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].ID)
}

func TestRunFinishFreezesCounters(t *testing.T) {
	store := New()
	runs := store.Repositories().Runs
	ctx := context.Background()

	run, err := runs.Create(ctx, domain.NewIngestionRun("exec-1", "wf-1", time.Now()))
	require.NoError(t, err)

	require.NoError(t, runs.Increment(ctx, run.ID, domain.RunCounters{Received: 1, Inserted: 1}))
	require.NoError(t, runs.Increment(ctx, run.ID, domain.RunCounters{Received: 1, Errors: 1}))

	finished, err := runs.Finish(ctx, run.ID, domain.RunStatusWarning, domain.RunCounters{Received: 2, Inserted: 1, Errors: 1}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusWarning, finished.Status)
	assert.True(t, finished.Balanced())

	err = runs.Increment(ctx, run.ID, domain.RunCounters{Received: 1})
	assert.ErrorIs(t, err, domain.ErrRunAlreadyFinished)

	_, err = runs.Finish(ctx, run.ID, domain.RunStatusSuccess, domain.RunCounters{}, time.Now())
	assert.ErrorIs(t, err, domain.ErrRunAlreadyFinished)
}

func TestMarkAbandoned(t *testing.T) {
	store := New()
	runs := store.Repositories().Runs
	ctx := context.Background()

	old, err := runs.Create(ctx, domain.NewIngestionRun("exec-old", "wf", time.Now().Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = runs.Create(ctx, domain.NewIngestionRun("exec-new", "wf", time.Now()))
	require.NoError(t, err)

	count, err := runs.MarkAbandoned(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	reconciled, err := runs.GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusError, reconciled.Status)
	assert.True(t, reconciled.Finished())

	ledger, err := store.Repositories().Errors.List(ctx, domain.ErrorFilter{RunID: &old.ID})
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, domain.ErrorCodeRunAbandoned, ledger[0].Code)
}

func TestLedgerRetryAndResolve(t *testing.T) {
	store := New()
	ledger := store.Repositories().Errors
	ctx := context.Background()

	recorded, err := ledger.Record(ctx, domain.ProcessingError{Code: domain.ErrorCodeStorageUnavailable, Step: domain.StepUpsert})
	require.NoError(t, err)
	assert.Zero(t, recorded.RetryCount)
	assert.False(t, recorded.Resolved)

	retried, err := ledger.IncrementRetry(ctx, recorded.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)

	resolved, err := ledger.Resolve(ctx, recorded.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = ledger.Resolve(ctx, recorded.ID)
	assert.ErrorIs(t, err, domain.ErrErrorResolved)
	_, err = ledger.IncrementRetry(ctx, recorded.ID)
	assert.ErrorIs(t, err, domain.ErrErrorResolved)
	_, err = ledger.Resolve(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	unresolved, err := ledger.List(ctx, domain.ErrorFilter{UnresolvedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestSetStatusSoftDeletes(t *testing.T) {
	store := New()
	repo := store.Repositories().Contacts
	ctx := context.Background()

	_, _, err := repo.Upsert(ctx, domain.CanonicalContact{SourceID: "gone"})
	require.NoError(t, err)

	deleted, err := repo.SetStatus(ctx, "gone", domain.ContactStatusDeleted)
	require.NoError(t, err)
	assert.Equal(t, domain.ContactStatusDeleted, deleted.Status)

	stillThere, err := repo.GetBySourceID(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, domain.ContactStatusDeleted, stillThere.Status)

	active, err := repo.ListActive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = repo.SetStatus(ctx, "missing", domain.ContactStatusInactive)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReturnedContactDoesNotAliasStore(t *testing.T) {
	store := New()
	repo := store.Repositories().Contacts
	ctx := context.Background()

	stored, _, err := repo.Upsert(ctx, domain.CanonicalContact{
		SourceID:   "c1",
		Tags:       []string{"lead", "vip"},
		RawPayload: []byte(`{"id":"c1"}`),
	})
	require.NoError(t, err)
	stored.Tags[0] = "changed"
	stored.RawPayload[2] = 'X'

	fetched, err := repo.GetBySourceID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"lead", "vip"}, fetched.Tags)
	assert.Equal(t, `{"id":"c1"}`, string(fetched.RawPayload))

	fetched.Tags[1] = "changed"
	updated, err := repo.SetStatus(ctx, "c1", domain.ContactStatusActive)
	require.NoError(t, err)
	assert.Equal(t, []string{"lead", "vip"}, updated.Tags)

	updated.Tags[0] = "changed"
	active, err := repo.ListActive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, []string{"lead", "vip"}, active[0].Tags)

	active[0].Tags[0] = "changed"
	again, op, err := repo.Upsert(ctx, domain.CanonicalContact{
		SourceID:   "c1",
		Tags:       []string{"lead", "vip"},
		RawPayload: []byte(`{"id":"c1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OperationDuplicate, op)
	assert.Equal(t, []string{"lead", "vip"}, again.Tags)
}
