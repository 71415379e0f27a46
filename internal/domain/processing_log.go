package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LogStatus is the outcome status of a processing attempt.
type LogStatus string

const (
	LogStatusSuccess LogStatus = "success"
	LogStatusWarning LogStatus = "warning"
	LogStatusError   LogStatus = "error"
)

// Pipeline step names recorded on log entries and errors.
const (
	StepNormalize = "normalize"
	StepUpsert    = "upsert"
	StepAudit     = "audit"
	StepNotify    = "notify"
	StepRun       = "run"
)

// ProcessingLogEntry is one immutable audit row per contact-processing attempt.
type ProcessingLogEntry struct {
	ID        int64           `json:"id"`
	RunID     uuid.UUID       `json:"run_id"`
	ContactID *int64          `json:"contact_id,omitempty"`
	Operation Operation       `json:"operation"`
	Status    LogStatus       `json:"status"`
	Message   string          `json:"message"`
	Duration  time.Duration   `json:"duration"`
	RawInput  json.RawMessage `json:"raw_input,omitempty"`
	Step      string          `json:"step"`
	CreatedAt time.Time       `json:"created_at"`
}

// TallyLog rebuilds run counters from the audit trail of one run. Notifications
// are not logged and stay zero.
func TallyLog(entries []ProcessingLogEntry) RunCounters {
	var counters RunCounters
	for _, entry := range entries {
		counters.Received++
		switch entry.Operation {
		case OperationInsert:
			counters.Inserted++
		case OperationUpdate:
			counters.Updated++
		case OperationDuplicate:
			counters.Duplicates++
		default:
			counters.Errors++
		}
		if entry.Status == LogStatusWarning {
			counters.Warnings++
		}
	}
	return counters
}
