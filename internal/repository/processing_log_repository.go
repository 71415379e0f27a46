package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/contactsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const processingLogColumns = `id, run_id, contact_id, operation, status, message, duration_ms, raw_input, step, created_at`

type processingLogRepository struct {
	pool *pgxpool.Pool
}

// NewProcessingLogRepository wires the audit log backed by pgxpool.
func NewProcessingLogRepository(pool *pgxpool.Pool) ProcessingLogRepository {
	return &processingLogRepository{pool: pool}
}

func (r *processingLogRepository) Append(ctx context.Context, entry domain.ProcessingLogEntry) (domain.ProcessingLogEntry, error) {
	if r.pool == nil {
		return domain.ProcessingLogEntry{}, fmt.Errorf("processing log repository not initialized")
	}

	var rawInput any
	if len(entry.RawInput) > 0 {
		rawInput = []byte(entry.RawInput)
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO processing_logs (run_id, contact_id, operation, status, message, duration_ms, raw_input, step)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+processingLogColumns,
		entry.RunID,
		entry.ContactID,
		string(entry.Operation),
		string(entry.Status),
		entry.Message,
		entry.Duration.Milliseconds(),
		rawInput,
		entry.Step,
	)
	appended, err := scanProcessingLog(row)
	if err != nil {
		return domain.ProcessingLogEntry{}, fmt.Errorf("failed to append processing log: %w", err)
	}
	return appended, nil
}

func (r *processingLogRepository) ListByRun(ctx context.Context, runID uuid.UUID, limit int, offset int) ([]domain.ProcessingLogEntry, error) {
	return r.list(ctx, `run_id = $1`, runID, limit, offset)
}

func (r *processingLogRepository) ListByContact(ctx context.Context, contactID int64, limit int, offset int) ([]domain.ProcessingLogEntry, error) {
	return r.list(ctx, `contact_id = $1`, contactID, limit, offset)
}

func (r *processingLogRepository) list(ctx context.Context, where string, arg any, limit int, offset int) ([]domain.ProcessingLogEntry, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("processing log repository not initialized")
	}
	limit, offset = pageBounds(limit, offset)

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+processingLogColumns+`
		 FROM processing_logs
		 WHERE `+where+`
		 ORDER BY id
		 LIMIT $2 OFFSET $3`,
		arg,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.ProcessingLogEntry{}
	for rows.Next() {
		entry, scanErr := scanProcessingLog(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan processing log: %w", scanErr)
		}
		logs = append(logs, entry)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate processing logs: %w", rowsErr)
	}
	return logs, nil
}

func scanProcessingLog(row pgx.Row) (domain.ProcessingLogEntry, error) {
	var (
		entry      domain.ProcessingLogEntry
		operation  string
		status     string
		durationMS int64
		rawInput   []byte
	)
	err := row.Scan(
		&entry.ID,
		&entry.RunID,
		&entry.ContactID,
		&operation,
		&status,
		&entry.Message,
		&durationMS,
		&rawInput,
		&entry.Step,
		&entry.CreatedAt,
	)
	if err != nil {
		return domain.ProcessingLogEntry{}, err
	}

	entry.Operation = domain.Operation(operation)
	entry.Status = domain.LogStatus(status)
	entry.Duration = time.Duration(durationMS) * time.Millisecond
	entry.RawInput = rawInput
	return entry, nil
}
