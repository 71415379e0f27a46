package ingestion

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/repository"
	"github.com/rpattn/contactsync/internal/repository/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStatusPolicyDecide(t *testing.T) {
	tests := []struct {
		name     string
		policy   StatusPolicy
		counters domain.RunCounters
		want     domain.RunStatus
	}{
		{"clean run", DefaultStatusPolicy(), domain.RunCounters{Received: 3, Inserted: 3}, domain.RunStatusSuccess},
		{"empty run", DefaultStatusPolicy(), domain.RunCounters{}, domain.RunStatusSuccess},
		{"downgrades ignored by default", DefaultStatusPolicy(), domain.RunCounters{Received: 1, Inserted: 1, Warnings: 1}, domain.RunStatusSuccess},
		{"downgrades as warning", StatusPolicy{ErrorThreshold: 1, DowngradesAsWarning: true}, domain.RunCounters{Received: 1, Inserted: 1, Warnings: 1}, domain.RunStatusWarning},
		{"mixed", DefaultStatusPolicy(), domain.RunCounters{Received: 4, Inserted: 3, Errors: 1}, domain.RunStatusWarning},
		{"nothing succeeded", DefaultStatusPolicy(), domain.RunCounters{Received: 2, Errors: 2}, domain.RunStatusError},
		{"threshold reached", StatusPolicy{ErrorThreshold: 0.5}, domain.RunCounters{Received: 4, Duplicates: 2, Errors: 2}, domain.RunStatusError},
		{"below threshold", StatusPolicy{ErrorThreshold: 0.5}, domain.RunCounters{Received: 4, Duplicates: 3, Errors: 1}, domain.RunStatusWarning},
		{"out of range threshold falls back", StatusPolicy{ErrorThreshold: 3}, domain.RunCounters{Received: 4, Duplicates: 3, Errors: 1}, domain.RunStatusWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Decide(tt.counters))
		})
	}
}

func TestTrackerRecordAndFinish(t *testing.T) {
	store := memstore.New().Repositories()
	tracker := NewRunTracker(store.Runs, DefaultStatusPolicy(), false, 0, zap.NewNop())
	ctx := context.Background()

	handle, err := tracker.Start(ctx, "exec-1", "crm-sync")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusStarted, handle.Run().Status)

	outcomes := []Outcome{
		{Operation: domain.OperationError},
		{Operation: domain.OperationInsert, Notified: true},
		{Operation: domain.OperationDuplicate},
		{Operation: domain.OperationUpdate, Downgraded: true},
	}
	for _, outcome := range outcomes {
		require.NoError(t, tracker.Record(ctx, handle, outcome))
	}
	assert.Equal(t, domain.RunCounters{
		Received:          4,
		Inserted:          1,
		Updated:           1,
		Duplicates:        1,
		Warnings:          1,
		NotificationsSent: 1,
		Errors:            1,
	}, handle.Counters())

	finished, err := tracker.Finish(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusWarning, finished.Status)
	require.NotNil(t, finished.FinishedAt)
	assert.Equal(t, handle.Counters(), finished.RunCounters)

	err = tracker.Record(ctx, handle, Outcome{Operation: domain.OperationInsert})
	assert.ErrorIs(t, err, domain.ErrRunAlreadyFinished)
	assert.Equal(t, 4, handle.Counters().Received)
}

func TestTrackerFinishTwice(t *testing.T) {
	store := memstore.New().Repositories()
	ctx := context.Background()

	lenient := NewRunTracker(store.Runs, DefaultStatusPolicy(), false, 0, zap.NewNop())
	handle, err := lenient.Start(ctx, "exec-1", "crm-sync")
	require.NoError(t, err)
	_, err = lenient.Finish(ctx, handle)
	require.NoError(t, err)
	_, err = lenient.Finish(ctx, handle)
	assert.ErrorIs(t, err, domain.ErrRunAlreadyFinished)

	strict := NewRunTracker(store.Runs, DefaultStatusPolicy(), true, 0, zap.NewNop())
	handle, err = strict.Start(ctx, "exec-2", "crm-sync")
	require.NoError(t, err)
	_, err = strict.Finish(ctx, handle)
	require.NoError(t, err)
	assert.Panics(t, func() {
		_, _ = strict.Finish(ctx, handle)
	})
}

func TestTrackerFinishAfterReconcile(t *testing.T) {
	store := memstore.New().Repositories()
	tracker := NewRunTracker(store.Runs, DefaultStatusPolicy(), false, 0, zap.NewNop())
	ctx := context.Background()

	handle, err := tracker.Start(ctx, "exec-1", "crm-sync")
	require.NoError(t, err)
	closed, err := tracker.Reconcile(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, closed)

	_, err = tracker.Finish(ctx, handle)
	assert.ErrorIs(t, err, domain.ErrRunAlreadyFinished)
}

type flakyRuns struct {
	repository.RunRepository
	failIncrement bool
}

func (f *flakyRuns) Increment(ctx context.Context, runID uuid.UUID, delta domain.RunCounters) error {
	if f.failIncrement {
		return errors.New("connection reset")
	}
	return f.RunRepository.Increment(ctx, runID, delta)
}

func TestTrackerFinishWritesSnapshotWhenIncrementsFail(t *testing.T) {
	store := memstore.New().Repositories()
	runs := &flakyRuns{RunRepository: store.Runs, failIncrement: true}
	tracker := NewRunTracker(runs, DefaultStatusPolicy(), false, 0, zap.NewNop())
	ctx := context.Background()

	handle, err := tracker.Start(ctx, "exec-1", "crm-sync")
	require.NoError(t, err)
	assert.Error(t, tracker.Record(ctx, handle, Outcome{Operation: domain.OperationInsert}))

	finished, err := tracker.Finish(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, 1, finished.Received)
	assert.Equal(t, 1, finished.Inserted)
	assert.True(t, finished.Balanced())
}
