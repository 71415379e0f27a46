package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/contactsync/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const processingErrorColumns = `id, run_id, contact_id, error_code, message, details, input, step,
	retry_count, resolved, resolved_at, created_at, updated_at`

type processingErrorRepository struct {
	pool *pgxpool.Pool
}

// NewProcessingErrorRepository wires the error ledger backed by pgxpool.
func NewProcessingErrorRepository(pool *pgxpool.Pool) ProcessingErrorRepository {
	return &processingErrorRepository{pool: pool}
}

func (r *processingErrorRepository) Record(ctx context.Context, entry domain.ProcessingError) (domain.ProcessingError, error) {
	if r.pool == nil {
		return domain.ProcessingError{}, fmt.Errorf("processing error repository not initialized")
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO processing_errors (run_id, contact_id, error_code, message, details, input, step)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+processingErrorColumns,
		entry.RunID,
		entry.ContactID,
		entry.Code,
		entry.Message,
		jsonArg(entry.Details),
		jsonArg(entry.Input),
		entry.Step,
	)
	recorded, err := scanProcessingError(row)
	if err != nil {
		return domain.ProcessingError{}, fmt.Errorf("failed to record processing error: %w", err)
	}
	return recorded, nil
}

func (r *processingErrorRepository) IncrementRetry(ctx context.Context, id int64) (domain.ProcessingError, error) {
	return r.mutate(ctx, id, `retry_count = retry_count + 1, updated_at = now()`)
}

func (r *processingErrorRepository) Resolve(ctx context.Context, id int64) (domain.ProcessingError, error) {
	return r.mutate(ctx, id, `resolved = true, resolved_at = now(), updated_at = now()`)
}

// mutate applies set to an unresolved entry; resolved entries are frozen.
func (r *processingErrorRepository) mutate(ctx context.Context, id int64, set string) (domain.ProcessingError, error) {
	if r.pool == nil {
		return domain.ProcessingError{}, fmt.Errorf("processing error repository not initialized")
	}

	row := r.pool.QueryRow(
		ctx,
		`UPDATE processing_errors SET `+set+`
		 WHERE id = $1 AND NOT resolved
		 RETURNING `+processingErrorColumns,
		id,
	)
	updated, err := scanProcessingError(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return domain.ProcessingError{}, getErr
		}
		return domain.ProcessingError{}, fmt.Errorf("processing error %d: %w", id, domain.ErrErrorResolved)
	}
	if err != nil {
		return domain.ProcessingError{}, fmt.Errorf("failed to update processing error: %w", err)
	}
	return updated, nil
}

func (r *processingErrorRepository) GetByID(ctx context.Context, id int64) (domain.ProcessingError, error) {
	if r.pool == nil {
		return domain.ProcessingError{}, fmt.Errorf("processing error repository not initialized")
	}

	row := r.pool.QueryRow(ctx, `SELECT `+processingErrorColumns+` FROM processing_errors WHERE id = $1`, id)
	entry, err := scanProcessingError(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProcessingError{}, fmt.Errorf("processing error %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ProcessingError{}, fmt.Errorf("failed to get processing error: %w", err)
	}
	return entry, nil
}

func (r *processingErrorRepository) List(ctx context.Context, filter domain.ErrorFilter) ([]domain.ProcessingError, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("processing error repository not initialized")
	}
	limit, offset := pageBounds(filter.Limit, filter.Offset)

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+processingErrorColumns+`
		 FROM processing_errors
		 WHERE ($1::uuid IS NULL OR run_id = $1)
		   AND ($2 = '' OR error_code = $2)
		   AND (NOT $3 OR NOT resolved)
		 ORDER BY id
		 LIMIT $4 OFFSET $5`,
		filter.RunID,
		filter.Code,
		filter.UnresolvedOnly,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing errors: %w", err)
	}
	defer rows.Close()

	entries := []domain.ProcessingError{}
	for rows.Next() {
		entry, scanErr := scanProcessingError(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan processing error: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate processing errors: %w", rowsErr)
	}
	return entries, nil
}

func scanProcessingError(row pgx.Row) (domain.ProcessingError, error) {
	var (
		entry   domain.ProcessingError
		details []byte
		input   []byte
	)
	err := row.Scan(
		&entry.ID,
		&entry.RunID,
		&entry.ContactID,
		&entry.Code,
		&entry.Message,
		&details,
		&input,
		&entry.Step,
		&entry.RetryCount,
		&entry.Resolved,
		&entry.ResolvedAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return domain.ProcessingError{}, err
	}
	entry.Details = details
	entry.Input = input
	return entry, nil
}

func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
