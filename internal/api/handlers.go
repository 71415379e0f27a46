package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/ingestion"
	"go.uber.org/zap"
)

const historyLimit = 50

var errBadRequest = errors.New("bad request")

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	filter := domain.RunFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      limit,
		Offset:     offset,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := domain.RunStatus(strings.TrimSpace(part))
			if status != domain.RunStatusStarted && !status.Terminal() {
				h.writeError(w, fmt.Errorf("%w: unknown run status %q", errBadRequest, part))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	runs, err := h.tracker.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuidParam(r, "runID")
	if err != nil {
		h.writeError(w, err)
		return
	}
	run, err := h.tracker.Get(r.Context(), runID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) listRunLogs(w http.ResponseWriter, r *http.Request) {
	runID, err := uuidParam(r, "runID")
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if _, err := h.tracker.Get(r.Context(), runID); err != nil {
		h.writeError(w, err)
		return
	}
	entries, err := h.audit.ListByRun(r.Context(), runID, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func (h *Handler) listRunErrors(w http.ResponseWriter, r *http.Request) {
	runID, err := uuidParam(r, "runID")
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if _, err := h.tracker.Get(r.Context(), runID); err != nil {
		h.writeError(w, err)
		return
	}
	entries, err := h.recorder.ListByRun(r.Context(), runID, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": entries})
}

func (h *Handler) listErrors(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	query := r.URL.Query()
	filter := domain.ErrorFilter{
		Code:   query.Get("code"),
		Limit:  limit,
		Offset: offset,
	}
	if raw := query.Get("unresolved"); raw != "" {
		unresolved, parseErr := strconv.ParseBool(raw)
		if parseErr != nil {
			h.writeError(w, fmt.Errorf("%w: unresolved must be a boolean", errBadRequest))
			return
		}
		filter.UnresolvedOnly = unresolved
	}
	if raw := query.Get("run_id"); raw != "" {
		runID, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			h.writeError(w, fmt.Errorf("%w: invalid run_id", errBadRequest))
			return
		}
		filter.RunID = &runID
	}

	entries, err := h.recorder.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": entries})
}

func (h *Handler) getError(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "errorID")
	if err != nil {
		h.writeError(w, err)
		return
	}
	entry, err := h.recorder.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) retryError(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "errorID")
	if err != nil {
		h.writeError(w, err)
		return
	}
	entry, err := h.recorder.IncrementRetry(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) resolveError(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "errorID")
	if err != nil {
		h.writeError(w, err)
		return
	}
	entry, err := h.recorder.Resolve(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) listActiveContacts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	contacts, err := h.engine.ListActive(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts})
}

type contactResponse struct {
	domain.StoredContact
	FullName *string                     `json:"full_name,omitempty"`
	History  []domain.ProcessingLogEntry `json:"history"`
}

func (h *Handler) getContact(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	contact, err := h.engine.Get(r.Context(), sourceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	history, err := h.audit.ListByContact(r.Context(), contact.ID, historyLimit, 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contactResponse{
		StoredContact: contact,
		FullName:      contact.FullName(),
		History:       history,
	})
}

func pageParams(r *http.Request) (int, int, error) {
	query := r.URL.Query()
	limit, err := optionalInt(query.Get("limit"))
	if err != nil || limit < 0 || limit > 1000 {
		return 0, 0, fmt.Errorf("%w: limit must be between 0 and 1000", errBadRequest)
	}
	offset, err := optionalInt(query.Get("offset"))
	if err != nil || offset < 0 {
		return 0, 0, fmt.Errorf("%w: offset must be a non-negative integer", errBadRequest)
	}
	return limit, offset, nil
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", errBadRequest, name)
	}
	return id, nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", errBadRequest, name)
	}
	return id, nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrErrorResolved):
		status = http.StatusConflict
	case ingestion.IsStorageUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("api: request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
