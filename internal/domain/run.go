package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of an ingestion run.
type RunStatus string

const (
	RunStatusStarted RunStatus = "started"
	RunStatusSuccess RunStatus = "success"
	RunStatusWarning RunStatus = "warning"
	RunStatusError   RunStatus = "error"
)

// Terminal reports whether the status can only be reached by finishing a run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusWarning || s == RunStatusError
}

// RunCounters aggregates per-run outcome counts.
type RunCounters struct {
	Received          int `json:"received"`
	Inserted          int `json:"inserted"`
	Updated           int `json:"updated"`
	Duplicates        int `json:"duplicates"`
	Warnings          int `json:"warnings"`
	NotificationsSent int `json:"notifications_sent"`
	Errors            int `json:"errors"`
}

// Add returns the component-wise sum of both counters.
func (c RunCounters) Add(delta RunCounters) RunCounters {
	return RunCounters{
		Received:          c.Received + delta.Received,
		Inserted:          c.Inserted + delta.Inserted,
		Updated:           c.Updated + delta.Updated,
		Duplicates:        c.Duplicates + delta.Duplicates,
		Warnings:          c.Warnings + delta.Warnings,
		NotificationsSent: c.NotificationsSent + delta.NotificationsSent,
		Errors:            c.Errors + delta.Errors,
	}
}

// Successes counts records that reached storage.
func (c RunCounters) Successes() int {
	return c.Inserted + c.Updated + c.Duplicates
}

// Balanced reports whether every received record was counted exactly once.
func (c RunCounters) Balanced() bool {
	return c.Received == c.Successes()+c.Errors
}

// IngestionRun is the aggregate record of one pipeline invocation.
type IngestionRun struct {
	ID          uuid.UUID  `json:"id"`
	ExecutionID string     `json:"execution_id"`
	WorkflowID  string     `json:"workflow_id"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	RunCounters
}

// NewIngestionRun creates a run in started status.
func NewIngestionRun(executionID, workflowID string, now time.Time) IngestionRun {
	return IngestionRun{
		ID:          uuid.New(),
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      RunStatusStarted,
		StartedAt:   now,
	}
}

// Finished reports whether the run has been frozen.
func (r IngestionRun) Finished() bool {
	return r.FinishedAt != nil
}

// RunSummary is what notification dispatchers consume once a run is finished.
type RunSummary struct {
	RunID       uuid.UUID     `json:"run_id"`
	ExecutionID string        `json:"execution_id"`
	WorkflowID  string        `json:"workflow_id"`
	Status      RunStatus     `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
	RunCounters
}

// Summary builds the notification summary of a finished run.
func (r IngestionRun) Summary() RunSummary {
	summary := RunSummary{
		RunID:       r.ID,
		ExecutionID: r.ExecutionID,
		WorkflowID:  r.WorkflowID,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		RunCounters: r.RunCounters,
	}
	if r.FinishedAt != nil {
		summary.FinishedAt = *r.FinishedAt
		summary.Duration = r.FinishedAt.Sub(r.StartedAt)
	}
	return summary
}

// RunFilter narrows run listings.
type RunFilter struct {
	Statuses   []RunStatus
	WorkflowID string
	Limit      int
	Offset     int
}
