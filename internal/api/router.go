// Package api serves the read-mostly monitoring surface of the pipeline: runs,
// the audit trail, the error ledger and the active contacts projection.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rpattn/contactsync/internal/export"
	"github.com/rpattn/contactsync/internal/ingestion"
	"github.com/rpattn/contactsync/internal/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// HealthCheck reports whether the backing store is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	engine   *ingestion.UpsertEngine
	tracker  *ingestion.RunTracker
	audit    *ingestion.AuditLogger
	recorder *ingestion.ErrorRecorder
	exporter *export.Exporter
	health   HealthCheck
	logger   *zap.Logger
}

func NewHandler(svc *ingestion.Service, health HealthCheck, logger *zap.Logger) *Handler {
	return &Handler{
		engine:   svc.Engine(),
		tracker:  svc.Tracker(),
		audit:    svc.Audit(),
		recorder: svc.Recorder(),
		exporter: export.NewExporter(svc.Engine(), logger),
		health:   health,
		logger:   logger.Named("api"),
	}
}

// NewRouter mounts every route behind CORS, logging and panic recovery.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer(h.logger))
	r.Use(middleware.Logging(h.logger))

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", h.listRuns)
		r.Get("/{runID}", h.getRun)
		r.Get("/{runID}/logs", h.listRunLogs)
		r.Get("/{runID}/errors", h.listRunErrors)
	})

	r.Route("/errors", func(r chi.Router) {
		r.Get("/", h.listErrors)
		r.Get("/{errorID}", h.getError)
		r.Post("/{errorID}/retry", h.retryError)
		r.Post("/{errorID}/resolve", h.resolveError)
	})

	r.Route("/contacts", func(r chi.Router) {
		r.Get("/active", h.listActiveContacts)
		r.Method(http.MethodGet, "/active/export", export.NewHTTPHandler(h.exporter))
		r.Get("/{sourceID}", h.getContact)
	})

	if len(allowedOrigins) == 0 {
		return r
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
	})
	return corsHandler.Handler(r)
}
