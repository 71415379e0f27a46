package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/events"
	"github.com/rpattn/contactsync/internal/repository"
	"github.com/rpattn/contactsync/internal/repository/memstore"
	"github.com/rpattn/contactsync/pkg/normalize"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T, store repository.Store, publisher events.Publisher, opts Options) *Service {
	t.Helper()
	normalizer, err := normalize.New(normalize.DefaultConfig())
	require.NoError(t, err)
	return NewService(normalizer, store, publisher, zaptest.NewLogger(t), opts)
}

func records(t *testing.T, payloads ...string) []normalize.RawRecord {
	t.Helper()
	out := make([]normalize.RawRecord, 0, len(payloads))
	for _, payload := range payloads {
		record, err := normalize.ParseRecord([]byte(payload))
		require.NoError(t, err)
		out = append(out, record)
	}
	return out
}

func request(recs []normalize.RawRecord) Request {
	return Request{ExecutionID: "exec-" + uuid.NewString(), WorkflowID: "crm-sync", Records: recs}
}

const (
	jeanDupont  = `{"id":"crm-1","firstName":" jean ","lastName":"dupont","email":"Jean.Dupont@Example.FR","phone":"06 12 34 56 78","company":"Acme","jobTitle":"CTO"}`
	marieCurie  = `{"id":"crm-2","firstName":"Marie","lastName":"Curie","email":"marie@curie.fr","phone":"+33 1 23 45 67 89","tags":["science","vip"]}`
	noIdentifer = `{"firstName":"Ghost","email":"ghost@example.com"}`
)

func TestRunInsertsThenDeduplicates(t *testing.T) {
	mem := memstore.New()
	store := mem.Repositories()
	service := newTestService(t, store, nil, Options{})
	ctx := context.Background()

	first, err := service.Run(ctx, request(records(t, jeanDupont, marieCurie)))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, first.Status)
	assert.Equal(t, 2, first.Received)
	assert.Equal(t, 2, first.Inserted)
	assert.True(t, first.Balanced())

	stored, err := store.Contacts.GetBySourceID(ctx, "crm-1")
	require.NoError(t, err)
	require.NotNil(t, stored.PhoneE164)
	assert.Equal(t, "+33612345678", *stored.PhoneE164)
	assert.Equal(t, "jean.dupont@example.fr", *stored.Email)
	assert.Equal(t, "JEAN DUPONT", *stored.FullName())

	second, err := service.Run(ctx, request(records(t, jeanDupont, marieCurie)))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, second.Status)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.Duplicates)
	assert.True(t, second.Balanced())

	again, err := store.Contacts.GetBySourceID(ctx, "crm-1")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, again.ID)
	assert.Equal(t, stored.UUID, again.UUID)
	assert.Equal(t, stored.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, stored.LastProcessedAt, again.LastProcessedAt)

	active, err := store.Contacts.ListActive(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestRunUpdatesChangedContact(t *testing.T) {
	store := memstore.New().Repositories()
	service := newTestService(t, store, nil, Options{})
	ctx := context.Background()

	_, err := service.Run(ctx, request(records(t, jeanDupont)))
	require.NoError(t, err)

	changed := `{"id":"crm-1","firstName":"jean","lastName":"dupont","email":"jean.dupont@example.fr","phone":"0612345678","company":"Acme","jobTitle":"CEO"}`
	summary, err := service.Run(ctx, request(records(t, changed)))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 0, summary.Inserted)

	stored, err := store.Contacts.GetBySourceID(ctx, "crm-1")
	require.NoError(t, err)
	assert.Equal(t, "CEO", *stored.JobTitle)
	assert.Equal(t, domain.ContactStatusActive, stored.Status)

	logs, err := store.Logs.ListByRun(ctx, summary.RunID, 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.OperationUpdate, logs[0].Operation)
	require.NotNil(t, logs[0].ContactID)
	assert.Equal(t, stored.ID, *logs[0].ContactID)
	assert.JSONEq(t, changed, string(logs[0].RawInput))
}

func TestRunMissingIdentifierIsValidationFailure(t *testing.T) {
	store := memstore.New().Repositories()
	service := newTestService(t, store, nil, Options{})
	ctx := context.Background()

	summary, err := service.Run(ctx, request(records(t, jeanDupont, noIdentifer, marieCurie)))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Received)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, domain.RunStatusWarning, summary.Status)
	assert.True(t, summary.Balanced())

	ledger, err := store.Errors.List(ctx, domain.ErrorFilter{RunID: &summary.RunID})
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	entry := ledger[0]
	assert.Equal(t, domain.ErrorCodeValidationFailed, entry.Code)
	assert.Nil(t, entry.ContactID)
	assert.Equal(t, domain.StepNormalize, entry.Step)
	assert.Equal(t, 0, entry.RetryCount)
	assert.False(t, entry.Resolved)
	assert.JSONEq(t, noIdentifer, string(entry.Input))

	var details map[string]any
	require.NoError(t, json.Unmarshal(entry.Details, &details))
	assert.Equal(t, "id", details["field"])
	assert.EqualValues(t, 1, details["record_index"])
}

func TestRunWithOnlyFailuresIsError(t *testing.T) {
	store := memstore.New().Repositories()
	service := newTestService(t, store, nil, Options{})

	summary, err := service.Run(context.Background(), request(records(t, noIdentifer, `{"name":"nobody"}`)))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusError, summary.Status)
	assert.Equal(t, 2, summary.Errors)
}

func TestRunEmptyBatchSucceeds(t *testing.T) {
	service := newTestService(t, memstore.New().Repositories(), nil, Options{})

	summary, err := service.Run(context.Background(), request(nil))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, summary.Status)
	assert.Equal(t, domain.RunCounters{}, summary.RunCounters)
}

func TestRunRequiresTriggerIdentity(t *testing.T) {
	service := newTestService(t, memstore.New().Repositories(), nil, Options{})

	_, err := service.Run(context.Background(), Request{WorkflowID: "crm-sync"})
	assert.Error(t, err)
}

func TestRunFieldDowngradeIsWarningNotError(t *testing.T) {
	badEmail := `{"id":"crm-9","firstName":"Paul","email":"paul@@nowhere","phone":"12"}`

	store := memstore.New().Repositories()
	service := newTestService(t, store, nil, Options{})
	ctx := context.Background()

	summary, err := service.Run(ctx, request(records(t, badEmail)))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, summary.Status)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 1, summary.Warnings)
	assert.Equal(t, 0, summary.Errors)

	stored, err := store.Contacts.GetBySourceID(ctx, "crm-9")
	require.NoError(t, err)
	assert.Nil(t, stored.Email)
	assert.Nil(t, stored.PhoneE164)
	require.NotNil(t, stored.PhoneRaw)
	assert.Equal(t, "12", *stored.PhoneRaw)

	logs, err := store.Logs.ListByRun(ctx, summary.RunID, 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.LogStatusWarning, logs[0].Status)
	assert.Contains(t, logs[0].Message, normalize.WarningEmailInvalid)
	assert.Contains(t, logs[0].Message, normalize.WarningPhoneInvalid)

	ledger, err := store.Errors.List(ctx, domain.ErrorFilter{RunID: &summary.RunID})
	require.NoError(t, err)
	assert.Empty(t, ledger)

	strict := newTestService(t, memstore.New().Repositories(), nil, Options{
		Policy: StatusPolicy{ErrorThreshold: 1, DowngradesAsWarning: true},
	})
	summary, err = strict.Run(ctx, request(records(t, badEmail)))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusWarning, summary.Status)
}

func TestRunCountersMatchAuditTrail(t *testing.T) {
	store := memstore.New().Repositories()
	service := newTestService(t, store, nil, Options{})
	ctx := context.Background()

	_, err := service.Run(ctx, request(records(t, jeanDupont)))
	require.NoError(t, err)

	changedMarie := `{"id":"crm-2","firstName":"Marie","lastName":"Curie","email":"not-an-email"}`
	summary, err := service.Run(ctx, request(records(t, jeanDupont, marieCurie, changedMarie, noIdentifer)))
	require.NoError(t, err)
	assert.Equal(t, domain.RunCounters{
		Received:   4,
		Inserted:   1,
		Updated:    1,
		Duplicates: 1,
		Warnings:   1,
		Errors:     1,
	}, summary.RunCounters)

	run, err := store.Runs.GetByID(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, summary.RunCounters, run.RunCounters)
	assert.True(t, run.Finished())

	logs, err := store.Logs.ListByRun(ctx, summary.RunID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, summary.RunCounters, domain.TallyLog(logs))
}

type failingLogs struct {
	repository.ProcessingLogRepository
}

func (failingLogs) Append(context.Context, domain.ProcessingLogEntry) (domain.ProcessingLogEntry, error) {
	return domain.ProcessingLogEntry{}, errors.New("disk full")
}

func TestRunAuditFailureIsRecordedAndDoesNotRollBack(t *testing.T) {
	store := memstore.New().Repositories()
	store.Logs = failingLogs{store.Logs}
	service := newTestService(t, store, nil, Options{})
	ctx := context.Background()

	summary, err := service.Run(ctx, request(records(t, jeanDupont)))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, summary.Status)
	assert.Equal(t, 1, summary.Inserted)

	stored, err := store.Contacts.GetBySourceID(ctx, "crm-1")
	require.NoError(t, err)

	ledger, err := store.Errors.List(ctx, domain.ErrorFilter{RunID: &summary.RunID})
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, domain.ErrorCodeAuditWriteFailure, ledger[0].Code)
	assert.Equal(t, domain.StepAudit, ledger[0].Step)
	require.NotNil(t, ledger[0].ContactID)
	assert.Equal(t, stored.ID, *ledger[0].ContactID)
	assert.Contains(t, ledger[0].Message, "disk full")
}

type failingContacts struct {
	repository.ContactRepository
	fail func(sourceID string) error
}

func (f failingContacts) Upsert(ctx context.Context, contact domain.CanonicalContact) (domain.StoredContact, domain.Operation, error) {
	if err := f.fail(contact.SourceID); err != nil {
		return domain.StoredContact{}, "", err
	}
	return f.ContactRepository.Upsert(ctx, contact)
}

func TestRunClassifiesStorageFailures(t *testing.T) {
	store := memstore.New().Repositories()
	store.Contacts = failingContacts{
		ContactRepository: store.Contacts,
		fail: func(sourceID string) error {
			switch sourceID {
			case "crm-1":
				return fmt.Errorf("upsert: %w", context.DeadlineExceeded)
			case "crm-2":
				return errors.New("check constraint violated")
			}
			return nil
		},
	}
	service := newTestService(t, store, nil, Options{})
	ctx := context.Background()

	third := `{"id":"crm-3","firstName":"Ada"}`
	summary, err := service.Run(ctx, request(records(t, jeanDupont, marieCurie, third)))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Errors)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, domain.RunStatusWarning, summary.Status)

	ledger, err := store.Errors.List(ctx, domain.ErrorFilter{RunID: &summary.RunID})
	require.NoError(t, err)
	codes := map[string]int{}
	for _, entry := range ledger {
		codes[entry.Code]++
		assert.Equal(t, domain.StepUpsert, entry.Step)
	}
	assert.Equal(t, map[string]int{
		domain.ErrorCodeStorageUnavailable: 1,
		domain.ErrorCodeStorageError:       1,
	}, codes)
}

func TestRunWholeBatchUnavailableIsError(t *testing.T) {
	store := memstore.New().Repositories()
	store.Contacts = failingContacts{
		ContactRepository: store.Contacts,
		fail:              func(string) error { return domain.ErrStorageUnavailable },
	}
	service := newTestService(t, store, nil, Options{})

	summary, err := service.Run(context.Background(), request(records(t, jeanDupont, marieCurie)))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusError, summary.Status)
	assert.Equal(t, 2, summary.Errors)
}

type recordingPublisher struct {
	mu       sync.Mutex
	inserted []string
	runs     []domain.RunSummary
	failFor  string
}

func (p *recordingPublisher) Enabled() bool { return true }

func (p *recordingPublisher) PublishContactInserted(_ context.Context, _ uuid.UUID, contact domain.StoredContact) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if contact.SourceID == p.failFor {
		return errors.New("broker unreachable")
	}
	p.inserted = append(p.inserted, contact.SourceID)
	return nil
}

func (p *recordingPublisher) PublishRunFinished(_ context.Context, summary domain.RunSummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, summary)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestRunPublishesInsertAndRunEvents(t *testing.T) {
	store := memstore.New().Repositories()
	publisher := &recordingPublisher{failFor: "crm-2"}
	service := newTestService(t, store, publisher, Options{})
	ctx := context.Background()

	summary, err := service.Run(ctx, request(records(t, jeanDupont, marieCurie)))
	require.NoError(t, err)
	assert.Equal(t, []string{"crm-1"}, publisher.inserted)
	assert.Equal(t, 1, summary.NotificationsSent)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, domain.RunStatusSuccess, summary.Status)

	require.Len(t, publisher.runs, 1)
	assert.Equal(t, summary.RunID, publisher.runs[0].RunID)

	ledger, err := store.Errors.List(ctx, domain.ErrorFilter{RunID: &summary.RunID})
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, domain.ErrorCodeNotifyFailed, ledger[0].Code)
	assert.Equal(t, domain.StepNotify, ledger[0].Step)

	// duplicates publish nothing
	_, err = service.Run(ctx, request(records(t, jeanDupont)))
	require.NoError(t, err)
	assert.Equal(t, []string{"crm-1"}, publisher.inserted)
}

func TestRunCancelledLeavesRunStarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memstore.New().Repositories()
	store.Contacts = failingContacts{
		ContactRepository: store.Contacts,
		fail: func(string) error {
			cancel()
			return nil
		},
	}
	service := newTestService(t, store, nil, Options{})

	_, err := service.Run(ctx, request(records(t, jeanDupont, marieCurie)))
	require.ErrorIs(t, err, context.Canceled)

	background := context.Background()
	runs, err := store.Runs.List(background, domain.RunFilter{Statuses: []domain.RunStatus{domain.RunStatusStarted}})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	_, err = service.Tracker().Reconcile(background, -time.Second)
	assert.Error(t, err)

	closed, err := service.Tracker().Reconcile(background, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	run, err := store.Runs.GetByID(background, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusError, run.Status)
}

func TestConcurrentRunsInsertOnce(t *testing.T) {
	store := memstore.New().Repositories()
	service := newTestService(t, store, nil, Options{})

	const workers = 8
	batch := records(t, jeanDupont)
	summaries := make([]domain.RunSummary, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			summary, err := service.Run(context.Background(), request(batch))
			assert.NoError(t, err)
			summaries[i] = summary
		}(i)
	}
	wg.Wait()

	inserted, duplicates := 0, 0
	for _, summary := range summaries {
		inserted += summary.Inserted
		duplicates += summary.Duplicates
	}
	assert.Equal(t, 1, inserted)
	assert.Equal(t, workers-1, duplicates)
}
