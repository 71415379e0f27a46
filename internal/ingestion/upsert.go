package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/repository"
)

// UpsertEngine is the only writer of stored contacts.
type UpsertEngine struct {
	contacts repository.ContactRepository
	timeout  time.Duration
}

func NewUpsertEngine(contacts repository.ContactRepository, timeout time.Duration) *UpsertEngine {
	return &UpsertEngine{contacts: contacts, timeout: timeout}
}

// Apply stores contact keyed by its source id and reports whether it was
// inserted, updated or already identical. Concurrent applies of the same
// source id are arbitrated by the repository's atomic conditional write.
func (e *UpsertEngine) Apply(ctx context.Context, contact domain.CanonicalContact) (domain.StoredContact, domain.Operation, error) {
	if contact.SourceID == "" {
		return domain.StoredContact{}, "", fmt.Errorf("source id is required")
	}
	ctx, cancel := storageContext(ctx, e.timeout)
	defer cancel()
	return e.contacts.Upsert(ctx, contact)
}

// SetStatus moves a contact between active, inactive and deleted. Contacts are
// never physically removed.
func (e *UpsertEngine) SetStatus(ctx context.Context, sourceID string, status domain.ContactStatus) (domain.StoredContact, error) {
	if !status.Valid() {
		return domain.StoredContact{}, fmt.Errorf("invalid contact status %q", status)
	}
	ctx, cancel := storageContext(ctx, e.timeout)
	defer cancel()
	return e.contacts.SetStatus(ctx, sourceID, status)
}

func (e *UpsertEngine) Get(ctx context.Context, sourceID string) (domain.StoredContact, error) {
	ctx, cancel := storageContext(ctx, e.timeout)
	defer cancel()
	return e.contacts.GetBySourceID(ctx, sourceID)
}

func (e *UpsertEngine) ListActive(ctx context.Context, limit, offset int) ([]domain.ActiveContact, error) {
	ctx, cancel := storageContext(ctx, e.timeout)
	defer cancel()
	return e.contacts.ListActive(ctx, limit, offset)
}
