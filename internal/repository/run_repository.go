package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/contactsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const runColumns = `id, execution_id, workflow_id, status, started_at, finished_at,
	received_count, inserted_count, updated_count, duplicate_count, warning_count,
	notifications_sent, error_count`

type runRepository struct {
	pool *pgxpool.Pool
}

// NewRunRepository wires a run repository backed by pgxpool.
func NewRunRepository(pool *pgxpool.Pool) RunRepository {
	return &runRepository{pool: pool}
}

func (r *runRepository) Create(ctx context.Context, run domain.IngestionRun) (domain.IngestionRun, error) {
	if r.pool == nil {
		return domain.IngestionRun{}, fmt.Errorf("run repository not initialized")
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO ingestion_runs (id, execution_id, workflow_id, status, started_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+runColumns,
		run.ID,
		run.ExecutionID,
		run.WorkflowID,
		string(domain.RunStatusStarted),
		run.StartedAt,
	)
	created, err := scanRun(row)
	if err != nil {
		return domain.IngestionRun{}, fmt.Errorf("failed to create ingestion run: %w", err)
	}
	return created, nil
}

func (r *runRepository) Increment(ctx context.Context, runID uuid.UUID, delta domain.RunCounters) error {
	if r.pool == nil {
		return fmt.Errorf("run repository not initialized")
	}

	tag, err := r.pool.Exec(
		ctx,
		`UPDATE ingestion_runs SET
			received_count = received_count + $2,
			inserted_count = inserted_count + $3,
			updated_count = updated_count + $4,
			duplicate_count = duplicate_count + $5,
			warning_count = warning_count + $6,
			notifications_sent = notifications_sent + $7,
			error_count = error_count + $8
		 WHERE id = $1 AND finished_at IS NULL`,
		runID,
		delta.Received,
		delta.Inserted,
		delta.Updated,
		delta.Duplicates,
		delta.Warnings,
		delta.NotificationsSent,
		delta.Errors,
	)
	if err != nil {
		return fmt.Errorf("failed to increment run counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrFinished(ctx, runID)
	}
	return nil
}

// Finish never lowers a persisted counter, so counters stay monotonic even if
// the snapshot lags an increment.
func (r *runRepository) Finish(ctx context.Context, runID uuid.UUID, status domain.RunStatus, counters domain.RunCounters, finishedAt time.Time) (domain.IngestionRun, error) {
	if r.pool == nil {
		return domain.IngestionRun{}, fmt.Errorf("run repository not initialized")
	}
	if !status.Terminal() {
		return domain.IngestionRun{}, fmt.Errorf("invalid final run status %q", status)
	}

	row := r.pool.QueryRow(
		ctx,
		`UPDATE ingestion_runs SET
			status = $2,
			finished_at = $3,
			received_count = GREATEST(received_count, $4),
			inserted_count = GREATEST(inserted_count, $5),
			updated_count = GREATEST(updated_count, $6),
			duplicate_count = GREATEST(duplicate_count, $7),
			warning_count = GREATEST(warning_count, $8),
			notifications_sent = GREATEST(notifications_sent, $9),
			error_count = GREATEST(error_count, $10)
		 WHERE id = $1 AND finished_at IS NULL
		 RETURNING `+runColumns,
		runID,
		string(status),
		finishedAt,
		counters.Received,
		counters.Inserted,
		counters.Updated,
		counters.Duplicates,
		counters.Warnings,
		counters.NotificationsSent,
		counters.Errors,
	)
	finished, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IngestionRun{}, r.missingOrFinished(ctx, runID)
	}
	if err != nil {
		return domain.IngestionRun{}, fmt.Errorf("failed to finish ingestion run: %w", err)
	}
	return finished, nil
}

func (r *runRepository) GetByID(ctx context.Context, runID uuid.UUID) (domain.IngestionRun, error) {
	if r.pool == nil {
		return domain.IngestionRun{}, fmt.Errorf("run repository not initialized")
	}

	row := r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM ingestion_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IngestionRun{}, fmt.Errorf("ingestion run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.IngestionRun{}, fmt.Errorf("failed to get ingestion run: %w", err)
	}
	return run, nil
}

func (r *runRepository) List(ctx context.Context, filter domain.RunFilter) ([]domain.IngestionRun, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("run repository not initialized")
	}
	limit, offset := pageBounds(filter.Limit, filter.Offset)

	statuses := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses = append(statuses, string(status))
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+runColumns+`
		 FROM ingestion_runs
		 WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		   AND ($2 = '' OR workflow_id = $2)
		 ORDER BY started_at DESC
		 LIMIT $3 OFFSET $4`,
		statuses,
		filter.WorkflowID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.IngestionRun{}
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan ingestion run: %w", scanErr)
		}
		runs = append(runs, run)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate ingestion runs: %w", rowsErr)
	}
	return runs, nil
}

// MarkAbandoned closes stale started runs and records one ledger entry per
// run in the same transaction.
func (r *runRepository) MarkAbandoned(ctx context.Context, startedBefore time.Time) (int, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("run repository not initialized")
	}

	var count int
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(
			ctx,
			`UPDATE ingestion_runs SET status = $1, finished_at = now()
			 WHERE finished_at IS NULL AND status = $2 AND started_at < $3
			 RETURNING id`,
			string(domain.RunStatusError),
			string(domain.RunStatusStarted),
			startedBefore,
		)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.Exec(
				ctx,
				`INSERT INTO processing_errors (run_id, error_code, message, step)
				 VALUES ($1, $2, $3, $4)`,
				id,
				domain.ErrorCodeRunAbandoned,
				fmt.Sprintf("run left in started status before %s", startedBefore.UTC().Format(time.RFC3339)),
				domain.StepRun,
			); err != nil {
				return err
			}
		}
		count = len(ids)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile abandoned runs: %w", err)
	}
	return count, nil
}

func (r *runRepository) missingOrFinished(ctx context.Context, runID uuid.UUID) error {
	var finished bool
	err := r.pool.QueryRow(ctx, `SELECT finished_at IS NOT NULL FROM ingestion_runs WHERE id = $1`, runID).Scan(&finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ingestion run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check ingestion run: %w", err)
	}
	return fmt.Errorf("ingestion run %s: %w", runID, domain.ErrRunAlreadyFinished)
}

func scanRun(row pgx.Row) (domain.IngestionRun, error) {
	var (
		run    domain.IngestionRun
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.ExecutionID,
		&run.WorkflowID,
		&status,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Received,
		&run.Inserted,
		&run.Updated,
		&run.Duplicates,
		&run.Warnings,
		&run.NotificationsSent,
		&run.Errors,
	)
	if err != nil {
		return domain.IngestionRun{}, err
	}
	run.Status = domain.RunStatus(status)
	return run, nil
}
