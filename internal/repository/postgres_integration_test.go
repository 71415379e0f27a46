//go:build integration

package repository_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/contactsync/internal/db"
	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func startPostgres(t *testing.T) *db.Connection {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "contactsync",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	port, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)

	cfg := db.DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.Password = "postgres"
	cfg.MaxConns = 10

	require.NoError(t, db.RunMigrations(cfg, zaptest.NewLogger(t)))

	conn, err := db.NewConnection(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func strPtr(s string) *string { return &s }

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	conn := startPostgres(t)
	store := repository.NewStore(conn.Pool)
	ctx := context.Background()

	t.Run("upsert insert update duplicate", func(t *testing.T) {
		contact := domain.CanonicalContact{
			SourceID:   "pg-1",
			FirstName:  strPtr("Ada"),
			Email:      strPtr("ada@example.com"),
			Tags:       []string{"vip"},
			RawPayload: []byte(`{"id":"pg-1"}`),
		}

		inserted, op, err := store.Contacts.Upsert(ctx, contact)
		require.NoError(t, err)
		assert.Equal(t, domain.OperationInsert, op)
		assert.Equal(t, domain.ContactStatusActive, inserted.Status)

		duplicate, op, err := store.Contacts.Upsert(ctx, contact)
		require.NoError(t, err)
		assert.Equal(t, domain.OperationDuplicate, op)
		assert.Equal(t, inserted.ID, duplicate.ID)
		assert.True(t, duplicate.UpdatedAt.Equal(inserted.UpdatedAt))

		contact.Company = strPtr("Analytical Engines")
		updated, op, err := store.Contacts.Upsert(ctx, contact)
		require.NoError(t, err)
		assert.Equal(t, domain.OperationUpdate, op)
		assert.Equal(t, inserted.UUID, updated.UUID)
		require.NotNil(t, updated.Company)
		assert.Equal(t, "Analytical Engines", *updated.Company)
	})

	t.Run("raw payload kept verbatim", func(t *testing.T) {
		payload := []byte("{\"id\":\"pg-raw\",  \"zeta\": 1,\n  \"alpha\": \"a\\u0000b\", \"zeta\": 2 }")
		contact := domain.CanonicalContact{SourceID: "pg-raw", Tags: []string{}, RawPayload: payload}

		inserted, op, err := store.Contacts.Upsert(ctx, contact)
		require.NoError(t, err)
		assert.Equal(t, domain.OperationInsert, op)
		assert.Equal(t, string(payload), string(inserted.RawPayload))

		stored, err := store.Contacts.GetBySourceID(ctx, "pg-raw")
		require.NoError(t, err)
		assert.Equal(t, string(payload), string(stored.RawPayload))

		run, err := store.Runs.Create(ctx, domain.NewIngestionRun("exec-raw", "wf-raw", time.Now().UTC()))
		require.NoError(t, err)

		_, err = store.Logs.Append(ctx, domain.ProcessingLogEntry{
			RunID:     run.ID,
			ContactID: &stored.ID,
			Operation: domain.OperationInsert,
			Status:    domain.LogStatusSuccess,
			RawInput:  payload,
			Step:      domain.StepUpsert,
		})
		require.NoError(t, err)
		logs, err := store.Logs.ListByRun(ctx, run.ID, 10, 0)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, string(payload), string(logs[0].RawInput))

		recorded, err := store.Errors.Record(ctx, domain.ProcessingError{
			RunID: run.ID,
			Code:  domain.ErrorCodeValidationFailed,
			Input: payload,
			Step:  domain.StepNormalize,
		})
		require.NoError(t, err)
		fetched, err := store.Errors.GetByID(ctx, recorded.ID)
		require.NoError(t, err)
		assert.Equal(t, string(payload), string(fetched.Input))
	})

	t.Run("concurrent upserts insert once", func(t *testing.T) {
		contact := domain.CanonicalContact{SourceID: "pg-race", Tags: []string{}, RawPayload: []byte(`{}`)}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			inserts int
			errs    []error
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, op, err := store.Contacts.Upsert(ctx, contact)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if op == domain.OperationInsert {
					inserts++
				}
			}()
		}
		wg.Wait()

		assert.Empty(t, errs)
		assert.Equal(t, 1, inserts)
	})

	t.Run("run lifecycle", func(t *testing.T) {
		run, err := store.Runs.Create(ctx, domain.NewIngestionRun("exec-1", "wf-1", time.Now().UTC()))
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusStarted, run.Status)

		require.NoError(t, store.Runs.Increment(ctx, run.ID, domain.RunCounters{Received: 2, Inserted: 1, Errors: 1}))

		finished, err := store.Runs.Finish(ctx, run.ID, domain.RunStatusWarning, domain.RunCounters{Received: 2, Inserted: 1, Errors: 1}, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusWarning, finished.Status)
		assert.True(t, finished.Finished())
		assert.True(t, finished.Balanced())

		err = store.Runs.Increment(ctx, run.ID, domain.RunCounters{Received: 1})
		assert.ErrorIs(t, err, domain.ErrRunAlreadyFinished)

		_, err = store.Runs.Finish(ctx, run.ID, domain.RunStatusSuccess, domain.RunCounters{}, time.Now().UTC())
		assert.ErrorIs(t, err, domain.ErrRunAlreadyFinished)
	})

	t.Run("abandoned runs are reconciled", func(t *testing.T) {
		stale, err := store.Runs.Create(ctx, domain.NewIngestionRun("exec-stale", "wf-1", time.Now().UTC().Add(-2*time.Hour)))
		require.NoError(t, err)

		closed, err := store.Runs.MarkAbandoned(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, closed)

		run, err := store.Runs.GetByID(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusError, run.Status)

		entries, err := store.Errors.List(ctx, domain.ErrorFilter{RunID: &stale.ID})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, domain.ErrorCodeRunAbandoned, entries[0].Code)
	})

	t.Run("ledger and append-only log", func(t *testing.T) {
		run, err := store.Runs.Create(ctx, domain.NewIngestionRun("exec-ledger", "wf-1", time.Now().UTC()))
		require.NoError(t, err)
		contact, err := store.Contacts.GetBySourceID(ctx, "pg-1")
		require.NoError(t, err)

		entry, err := store.Logs.Append(ctx, domain.ProcessingLogEntry{
			RunID:     run.ID,
			ContactID: &contact.ID,
			Operation: domain.OperationUpdate,
			Status:    domain.LogStatusSuccess,
			Message:   "contact updated",
			Duration:  3 * time.Millisecond,
			RawInput:  []byte(`{"id":"pg-1"}`),
			Step:      domain.StepUpsert,
		})
		require.NoError(t, err)

		_, err = conn.Pool.Exec(ctx, `UPDATE processing_logs SET message = 'edited' WHERE id = $1`, entry.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "append-only")
		_, err = conn.Pool.Exec(ctx, `DELETE FROM processing_logs WHERE id = $1`, entry.ID)
		require.Error(t, err)

		byContact, err := store.Logs.ListByContact(ctx, contact.ID, 10, 0)
		require.NoError(t, err)
		require.Len(t, byContact, 1)
		assert.Equal(t, "contact updated", byContact[0].Message)

		recorded, err := store.Errors.Record(ctx, domain.ProcessingError{
			RunID:   run.ID,
			Code:    domain.ErrorCodeNotifyFailed,
			Message: "broker unreachable",
			Step:    domain.StepNotify,
		})
		require.NoError(t, err)

		retried, err := store.Errors.IncrementRetry(ctx, recorded.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, retried.RetryCount)

		resolved, err := store.Errors.Resolve(ctx, recorded.ID)
		require.NoError(t, err)
		assert.True(t, resolved.Resolved)
		assert.NotNil(t, resolved.ResolvedAt)

		unresolved, err := store.Errors.List(ctx, domain.ErrorFilter{RunID: &run.ID, UnresolvedOnly: true})
		require.NoError(t, err)
		assert.Empty(t, unresolved)
	})

	t.Run("active contacts view", func(t *testing.T) {
		_, err := store.Contacts.SetStatus(ctx, "pg-race", domain.ContactStatusInactive)
		require.NoError(t, err)

		active, err := store.Contacts.ListActive(ctx, 100, 0)
		require.NoError(t, err)

		ids := make([]string, 0, len(active))
		for _, c := range active {
			ids = append(ids, c.SourceID)
			if c.SourceID == "pg-1" {
				require.NotNil(t, c.LastSuccessfulRun)
				require.NotNil(t, c.FullName)
				assert.Equal(t, "Ada", *c.FullName)
			}
		}
		assert.Contains(t, ids, "pg-1")
		assert.NotContains(t, ids, "pg-race")
	})
}
