// Package export writes the active contacts projection to CSV or XLSX files.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/metrics"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for formats other than csv and xlsx.
var ErrUnsupportedFormat = errors.New("unsupported export format")

const (
	defaultPageSize = 500
	sheetName       = "Contacts"
)

// Columns is the header row of every export.
var Columns = []string{
	"source_id", "first_name", "last_name", "full_name", "email", "phone_e164", "phone_raw",
	"company", "job_title", "tags", "status", "created_at", "updated_at", "last_processed_at",
	"last_successful_processing_at",
}

// ParseFormat accepts "csv" or "xlsx" in any case.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, value)
}

// FormatFromPath derives the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

// ContentType is the MIME type served for f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// ActiveSource pages through active contacts.
type ActiveSource interface {
	ListActive(ctx context.Context, limit, offset int) ([]domain.ActiveContact, error)
}

// Result describes a finished export.
type Result struct {
	Format       Format `json:"format"`
	RowsExported int    `json:"rows_exported"`
	BytesWritten int64  `json:"bytes_written"`
	Path         string `json:"path,omitempty"`
}

type Exporter struct {
	source   ActiveSource
	pageSize int
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Exporter)

func WithPageSize(size int) Option {
	return func(e *Exporter) {
		if size > 0 {
			e.pageSize = size
		}
	}
}

func NewExporter(source ActiveSource, logger *zap.Logger, opts ...Option) *Exporter {
	e := &Exporter{
		source:   source,
		pageSize: defaultPageSize,
		logger:   logger.Named("export"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Write streams every active contact to w in the given format.
func (e *Exporter) Write(ctx context.Context, w io.Writer, format Format) (Result, error) {
	buffered := bufio.NewWriterSize(w, 1<<16)
	counter := &countingWriter{writer: buffered}

	var (
		rows int
		err  error
	)
	switch format {
	case FormatCSV:
		rows, err = e.writeCSV(ctx, counter)
	case FormatXLSX:
		rows, err = e.writeXLSX(ctx, counter)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return Result{}, err
	}
	if err := buffered.Flush(); err != nil {
		return Result{}, fmt.Errorf("flush export: %w", err)
	}

	metrics.ExportedContacts.WithLabelValues(string(format)).Add(float64(rows))
	return Result{Format: format, RowsExported: rows, BytesWritten: counter.count}, nil
}

// ExportFile writes the export next to path and renames it into place once
// complete, so readers never see a partial file.
func (e *Exporter) ExportFile(ctx context.Context, path string) (Result, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return Result{}, err
	}

	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, fmt.Sprintf(".%s-*.tmp", filepath.Base(path)))
	if err != nil {
		return Result{}, fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	result, err := e.Write(ctx, tempFile, format)
	if err != nil {
		return Result{}, err
	}
	if err := tempFile.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync export file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return Result{}, fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return Result{}, fmt.Errorf("promote export file: %w", err)
	}
	cleanup = false

	result.Path = path
	e.logger.Info("export completed",
		zap.String("path", path),
		zap.String("format", string(format)),
		zap.Int("rows", result.RowsExported),
	)
	return result, nil
}

// FileName is the default download name of an export taken now.
func (e *Exporter) FileName(format Format) string {
	return fmt.Sprintf("active-contacts-%s.%s", e.now().UTC().Format("20060102T150405Z"), format)
}

func (e *Exporter) writeCSV(ctx context.Context, w io.Writer) (int, error) {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(Columns); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	rows, err := e.each(ctx, func(contact domain.ActiveContact) error {
		if err := csvWriter.Write(row(contact)); err != nil {
			return fmt.Errorf("write contact row: %w", err)
		}
		return nil
	})
	if err != nil {
		return rows, err
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return rows, fmt.Errorf("flush rows: %w", err)
	}
	return rows, nil
}

func (e *Exporter) writeXLSX(ctx context.Context, w io.Writer) (int, error) {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			e.logger.Warn("failed to close workbook", zap.Error(err))
		}
	}()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return 0, fmt.Errorf("rename sheet: %w", err)
	}
	stream, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return 0, fmt.Errorf("open sheet stream: %w", err)
	}

	line := 1
	writeLine := func(values []string) error {
		cell, err := excelize.CoordinatesToCellName(1, line)
		if err != nil {
			return err
		}
		cells := make([]interface{}, len(values))
		for i, v := range values {
			cells[i] = v
		}
		line++
		return stream.SetRow(cell, cells)
	}

	if err := writeLine(Columns); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	rows, err := e.each(ctx, func(contact domain.ActiveContact) error {
		if err := writeLine(row(contact)); err != nil {
			return fmt.Errorf("write contact row: %w", err)
		}
		return nil
	})
	if err != nil {
		return rows, err
	}

	if err := stream.Flush(); err != nil {
		return rows, fmt.Errorf("flush sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return rows, fmt.Errorf("write workbook: %w", err)
	}
	return rows, nil
}

// each visits active contacts page by page in source id order.
func (e *Exporter) each(ctx context.Context, fn func(domain.ActiveContact) error) (int, error) {
	visited := 0
	for offset := 0; ; offset += e.pageSize {
		if err := ctx.Err(); err != nil {
			return visited, err
		}
		page, err := e.source.ListActive(ctx, e.pageSize, offset)
		if err != nil {
			return visited, fmt.Errorf("list active contacts: %w", err)
		}
		for _, contact := range page {
			if err := fn(contact); err != nil {
				return visited, err
			}
			visited++
		}
		if len(page) < e.pageSize {
			return visited, nil
		}
	}
}

func row(c domain.ActiveContact) []string {
	return []string{
		c.SourceID,
		text(c.FirstName),
		text(c.LastName),
		text(c.FullName),
		text(c.Email),
		text(c.PhoneE164),
		text(c.PhoneRaw),
		text(c.Company),
		text(c.JobTitle),
		strings.Join(c.Tags, ";"),
		string(c.Status),
		timestamp(&c.CreatedAt),
		timestamp(&c.UpdatedAt),
		timestamp(&c.LastProcessedAt),
		timestamp(c.LastSuccessfulRun),
	}
}

func text(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func timestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}
