package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/contactsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const contactColumns = `id, uuid, source_id, first_name, last_name, email, phone_e164, phone_raw,
	company, job_title, tags, raw_payload, status, created_at, updated_at, last_processed_at`

// upsertContactSQL is the atomic conditional write behind Upsert. The unique
// index on source_id arbitrates concurrent inserts; the WHERE clause turns an
// unchanged row into a no-op, in which case nothing is returned.
const upsertContactSQL = `
INSERT INTO contacts (uuid, source_id, first_name, last_name, email, phone_e164, phone_raw,
	company, job_title, tags, raw_payload, status, created_at, updated_at, last_processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'active', $12, $12, $12)
ON CONFLICT (source_id) DO UPDATE SET
	first_name = EXCLUDED.first_name,
	last_name = EXCLUDED.last_name,
	email = EXCLUDED.email,
	phone_e164 = EXCLUDED.phone_e164,
	phone_raw = EXCLUDED.phone_raw,
	company = EXCLUDED.company,
	job_title = EXCLUDED.job_title,
	tags = EXCLUDED.tags,
	raw_payload = EXCLUDED.raw_payload,
	updated_at = EXCLUDED.updated_at,
	last_processed_at = EXCLUDED.last_processed_at
WHERE (contacts.first_name, contacts.last_name, contacts.email, contacts.phone_e164,
		contacts.phone_raw, contacts.company, contacts.job_title, contacts.tags)
	IS DISTINCT FROM
	(EXCLUDED.first_name, EXCLUDED.last_name, EXCLUDED.email, EXCLUDED.phone_e164,
		EXCLUDED.phone_raw, EXCLUDED.company, EXCLUDED.job_title, EXCLUDED.tags)
RETURNING ` + contactColumns + `, (xmax = 0) AS inserted`

type contactRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewContactRepository wires a contact repository backed by pgxpool.
func NewContactRepository(pool *pgxpool.Pool) ContactRepository {
	return &contactRepository{pool: pool, now: time.Now}
}

func (r *contactRepository) Upsert(ctx context.Context, contact domain.CanonicalContact) (domain.StoredContact, domain.Operation, error) {
	if r.pool == nil {
		return domain.StoredContact{}, "", fmt.Errorf("contact repository not initialized")
	}
	if contact.SourceID == "" {
		return domain.StoredContact{}, "", fmt.Errorf("source id is required")
	}

	tags := contact.Tags
	if tags == nil {
		tags = []string{}
	}
	payload := []byte(contact.RawPayload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	row := r.pool.QueryRow(
		ctx,
		upsertContactSQL,
		uuid.New(),
		contact.SourceID,
		contact.FirstName,
		contact.LastName,
		contact.Email,
		contact.PhoneE164,
		contact.PhoneRaw,
		contact.Company,
		contact.JobTitle,
		tags,
		payload,
		r.now().UTC(),
	)

	var inserted bool
	stored, err := scanContact(row, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := r.GetBySourceID(ctx, contact.SourceID)
		if getErr != nil {
			return domain.StoredContact{}, "", getErr
		}
		return existing, domain.OperationDuplicate, nil
	}
	if err != nil {
		return domain.StoredContact{}, "", fmt.Errorf("failed to upsert contact %s: %w", contact.SourceID, err)
	}

	if inserted {
		return stored, domain.OperationInsert, nil
	}
	return stored, domain.OperationUpdate, nil
}

func (r *contactRepository) GetBySourceID(ctx context.Context, sourceID string) (domain.StoredContact, error) {
	if r.pool == nil {
		return domain.StoredContact{}, fmt.Errorf("contact repository not initialized")
	}

	row := r.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE source_id = $1`, sourceID)
	stored, err := scanContact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StoredContact{}, fmt.Errorf("contact %s: %w", sourceID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.StoredContact{}, fmt.Errorf("failed to get contact %s: %w", sourceID, err)
	}
	return stored, nil
}

func (r *contactRepository) SetStatus(ctx context.Context, sourceID string, status domain.ContactStatus) (domain.StoredContact, error) {
	if r.pool == nil {
		return domain.StoredContact{}, fmt.Errorf("contact repository not initialized")
	}
	if !status.Valid() {
		return domain.StoredContact{}, fmt.Errorf("invalid contact status %q", status)
	}

	row := r.pool.QueryRow(
		ctx,
		`UPDATE contacts SET status = $2, updated_at = $3 WHERE source_id = $1 RETURNING `+contactColumns,
		sourceID,
		string(status),
		r.now().UTC(),
	)
	stored, err := scanContact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StoredContact{}, fmt.Errorf("contact %s: %w", sourceID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.StoredContact{}, fmt.Errorf("failed to update contact status: %w", err)
	}
	return stored, nil
}

func (r *contactRepository) ListActive(ctx context.Context, limit int, offset int) ([]domain.ActiveContact, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("contact repository not initialized")
	}
	limit, offset = pageBounds(limit, offset)

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+contactColumns+`, last_success_at
		 FROM active_contacts
		 ORDER BY source_id
		 LIMIT $1 OFFSET $2`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active contacts: %w", err)
	}
	defer rows.Close()

	contacts := []domain.ActiveContact{}
	for rows.Next() {
		var lastSuccess pgtype.Timestamptz
		stored, scanErr := scanContact(rows, &lastSuccess)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan active contact: %w", scanErr)
		}

		active := domain.ActiveContact{
			StoredContact: stored,
			FullName:      stored.FullName(),
		}
		if lastSuccess.Valid {
			ts := lastSuccess.Time
			active.LastSuccessfulRun = &ts
		}
		contacts = append(contacts, active)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate active contacts: %w", rowsErr)
	}
	return contacts, nil
}

// scanContact reads contactColumns followed by any extra destinations.
func scanContact(row pgx.Row, extra ...any) (domain.StoredContact, error) {
	var (
		stored  domain.StoredContact
		payload []byte
		status  string
	)
	dest := []any{
		&stored.ID,
		&stored.UUID,
		&stored.SourceID,
		&stored.FirstName,
		&stored.LastName,
		&stored.Email,
		&stored.PhoneE164,
		&stored.PhoneRaw,
		&stored.Company,
		&stored.JobTitle,
		&stored.Tags,
		&payload,
		&status,
		&stored.CreatedAt,
		&stored.UpdatedAt,
		&stored.LastProcessedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.StoredContact{}, err
	}

	stored.RawPayload = payload
	stored.Status = domain.ContactStatus(status)
	if stored.Tags == nil {
		stored.Tags = []string{}
	}
	return stored, nil
}
