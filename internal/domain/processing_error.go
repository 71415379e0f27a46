package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Error codes recorded in the error ledger.
const (
	ErrorCodeValidationFailed    = "VALIDATION_FAILED"
	ErrorCodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	ErrorCodeStorageError        = "STORAGE_ERROR"
	ErrorCodeAuditWriteFailure   = "AUDIT_WRITE_FAILURE"
	ErrorCodeNotifyFailed        = "NOTIFY_FAILED"
	ErrorCodeCounterWriteFailure = "RUN_COUNTER_WRITE_FAILED"
	ErrorCodeRunAbandoned        = "RUN_ABANDONED"
)

// ProcessingError is one row of the error ledger.
type ProcessingError struct {
	ID         int64           `json:"id"`
	RunID      uuid.UUID       `json:"run_id"`
	ContactID  *int64          `json:"contact_id,omitempty"`
	Code       string          `json:"error_code"`
	Message    string          `json:"message"`
	Details    json.RawMessage `json:"details,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Step       string          `json:"step"`
	RetryCount int             `json:"retry_count"`
	Resolved   bool            `json:"resolved"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ErrorFilter narrows error ledger listings.
type ErrorFilter struct {
	RunID          *uuid.UUID
	Code           string
	UnresolvedOnly bool
	Limit          int
	Offset         int
}
