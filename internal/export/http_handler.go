package export

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DownloadWriteTimeout bounds a single export download. It replaces the
// server wide write timeout for this route only.
const DownloadWriteTimeout = 10 * time.Minute

type Handler struct {
	exporter     *Exporter
	writeTimeout time.Duration
}

// NewHTTPHandler serves the active contacts export as a download. The format
// comes from the "format" query parameter and defaults to csv.
func NewHTTPHandler(exporter *Exporter) http.Handler {
	return &Handler{exporter: exporter, writeTimeout: DownloadWriteTimeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	format := FormatCSV
	if raw := r.URL.Query().Get("format"); raw != "" {
		parsed, err := ParseFormat(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		format = parsed
	}

	err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.exporter.logger.Warn("export write deadline not extended", zap.Error(err))
	}

	filename := h.exporter.FileName(format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))

	result, err := h.exporter.Write(r.Context(), w, format)
	if err != nil {
		// The response may already be partially written.
		level := zap.ErrorLevel
		if errors.Is(err, r.Context().Err()) {
			level = zap.WarnLevel
		}
		h.exporter.logger.Log(level, "export download failed", zap.String("format", string(format)), zap.Error(err))
		return
	}
	h.exporter.logger.Debug("export downloaded",
		zap.String("format", string(format)),
		zap.Int("rows", result.RowsExported),
		zap.Int64("bytes", result.BytesWritten),
	)
}
