package domain

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ContactStatus is the lifecycle state of a stored contact.
type ContactStatus string

const (
	ContactStatusActive   ContactStatus = "active"
	ContactStatusInactive ContactStatus = "inactive"
	ContactStatusDeleted  ContactStatus = "deleted"
)

// Valid reports whether s is a known contact status.
func (s ContactStatus) Valid() bool {
	switch s {
	case ContactStatusActive, ContactStatusInactive, ContactStatusDeleted:
		return true
	}
	return false
}

// CanonicalContact is the normalized form of one CRM contact record.
type CanonicalContact struct {
	SourceID   string          `json:"source_id"`
	FirstName  *string         `json:"first_name,omitempty"`
	LastName   *string         `json:"last_name,omitempty"`
	Email      *string         `json:"email,omitempty"`
	PhoneE164  *string         `json:"phone_e164,omitempty"`
	PhoneRaw   *string         `json:"phone_raw,omitempty"`
	Company    *string         `json:"company,omitempty"`
	JobTitle   *string         `json:"job_title,omitempty"`
	Tags       []string        `json:"tags"`
	RawPayload json.RawMessage `json:"raw_payload"`
}

// FullName derives the display name from first and last name. It is never stored.
func (c CanonicalContact) FullName() *string {
	parts := make([]string, 0, 2)
	if c.FirstName != nil && *c.FirstName != "" {
		parts = append(parts, *c.FirstName)
	}
	if c.LastName != nil && *c.LastName != "" {
		parts = append(parts, *c.LastName)
	}
	if len(parts) == 0 {
		return nil
	}
	full := strings.Join(parts, " ")
	return &full
}

// SameFields reports whether both contacts carry identical canonical fields.
// The raw payload is not a canonical field and is ignored.
func (c CanonicalContact) SameFields(other CanonicalContact) bool {
	return c.SourceID == other.SourceID &&
		equalPtr(c.FirstName, other.FirstName) &&
		equalPtr(c.LastName, other.LastName) &&
		equalPtr(c.Email, other.Email) &&
		equalPtr(c.PhoneE164, other.PhoneE164) &&
		equalPtr(c.PhoneRaw, other.PhoneRaw) &&
		equalPtr(c.Company, other.Company) &&
		equalPtr(c.JobTitle, other.JobTitle) &&
		slices.Equal(normalizeTags(c.Tags), normalizeTags(other.Tags))
}

// StoredContact is the persisted contact entity.
type StoredContact struct {
	CanonicalContact
	ID              int64         `json:"id"`
	UUID            uuid.UUID     `json:"uuid"`
	Status          ContactStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	LastProcessedAt time.Time     `json:"last_processed_at"`
}

// NewStoredContact creates an active contact from its canonical form.
func NewStoredContact(canonical CanonicalContact, now time.Time) StoredContact {
	return StoredContact{
		CanonicalContact: canonical,
		UUID:             uuid.New(),
		Status:           ContactStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastProcessedAt:  now,
	}
}

// WithCanonical returns a copy with canonical fields overwritten and timestamps bumped.
func (s StoredContact) WithCanonical(canonical CanonicalContact, now time.Time) StoredContact {
	s.CanonicalContact = canonical
	s.UpdatedAt = now
	s.LastProcessedAt = now
	return s
}

// ActiveContact is the reporting projection of an active contact joined with
// its latest successful processing time.
type ActiveContact struct {
	StoredContact
	FullName          *string    `json:"full_name,omitempty"`
	LastSuccessfulRun *time.Time `json:"last_successful_processing_at,omitempty"`
}

// Operation is the outcome tag of an upsert.
type Operation string

const (
	OperationInsert    Operation = "insert"
	OperationUpdate    Operation = "update"
	OperationDuplicate Operation = "duplicate"
	OperationError     Operation = "error"
)

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := slices.Clone(tags)
	slices.Sort(out)
	return slices.Compact(out)
}
