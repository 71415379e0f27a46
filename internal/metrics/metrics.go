// Package metrics provides Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ContactsProcessed counts processed records by operation (insert, update, duplicate, error).
	ContactsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contactsync",
			Subsystem: "pipeline",
			Name:      "contacts_total",
			Help:      "Total number of processed contact records by operation",
		},
		[]string{"operation"},
	)

	// FieldDowngrades counts fields dropped to null during normalization.
	FieldDowngrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contactsync",
			Subsystem: "pipeline",
			Name:      "field_downgrades_total",
			Help:      "Total number of fields nulled during normalization",
		},
		[]string{"field"},
	)

	// ContactDuration tracks per-record processing time.
	ContactDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "contactsync",
			Subsystem: "pipeline",
			Name:      "contact_duration_seconds",
			Help:      "Duration of processing one contact record in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	// RunsFinished tracks finished runs by final status
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contactsync",
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Total number of finished ingestion runs by status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "contactsync",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Duration of ingestion runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// ProcessingErrors counts ledger entries by error code.
	ProcessingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contactsync",
			Subsystem: "ledger",
			Name:      "errors_total",
			Help:      "Total number of processing errors recorded by code",
		},
		[]string{"code"},
	)

	// EventsPublished counts published events by topic and result.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contactsync",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of published events by topic and result",
		},
		[]string{"topic", "result"},
	)

	// ExportedContacts counts rows written by active contact exports.
	ExportedContacts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contactsync",
			Subsystem: "export",
			Name:      "rows_total",
			Help:      "Total number of exported active contact rows by format",
		},
		[]string{"format"},
	)

	// HTTPRequestsTotal tracks monitoring API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contactsync",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of monitoring API requests",
		},
		[]string{"method", "route", "status_code"},
	)
)
