package ingestion

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rpattn/contactsync/pkg/normalize"
	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned when a batch file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

// ParseBatch reads a batch of raw contact records. JSON batches are either an
// array of objects or a CRM list response ({"contacts": [...]}); CSV and XLSX
// batches use their first non-empty row as header. Elements that are not
// objects become empty records so the pipeline rejects them individually.
func ParseBatch(fileName string, payload []byte) ([]normalize.RawRecord, error) {
	payload = bytes.TrimPrefix(payload, byteOrderMark)
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errors.New("file is empty")
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".json":
		return parseJSON(payload)
	case ".csv":
		return tableRecords(parseCSV(payload))
	case ".xlsx":
		return tableRecords(parseExcel(payload))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseJSON(payload []byte) ([]normalize.RawRecord, error) {
	trimmed := bytes.TrimSpace(payload)

	var elements []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, fmt.Errorf("failed to read json batch: %w", err)
		}
	case '{':
		var envelope struct {
			Contacts *[]json.RawMessage `json:"contacts"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("failed to read json batch: %w", err)
		}
		if envelope.Contacts == nil {
			return nil, errors.New("json batch object has no contacts array")
		}
		elements = *envelope.Contacts
	default:
		return nil, errors.New("json batch must be an array or an object with a contacts array")
	}

	records := make([]normalize.RawRecord, 0, len(elements))
	for _, element := range elements {
		record, err := normalize.ParseRecord(element)
		if err != nil {
			record = normalize.RawRecord{
				Fields:  map[string]any{},
				Payload: append(json.RawMessage(nil), element...),
			}
		}
		records = append(records, record)
	}
	return records, nil
}

type tableData struct {
	headers []string
	rows    [][]string
}

func tableRecords(table tableData, err error) ([]normalize.RawRecord, error) {
	if err != nil {
		return nil, err
	}

	records := make([]normalize.RawRecord, 0, len(table.rows))
	for _, row := range table.rows {
		fields := make(map[string]any, len(table.headers))
		for idx, header := range table.headers {
			value := strings.TrimSpace(row[idx])
			if value == "" {
				continue
			}
			fields[header] = value
		}
		record, recErr := normalize.RecordFromFields(fields)
		if recErr != nil {
			return nil, recErr
		}
		records = append(records, record)
	}
	return records, nil
}

func parseCSV(payload []byte) (tableData, error) {
	csvReader := csv.NewReader(bytes.NewReader(payload))
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	// Semicolon separated exports are common in French locales.
	header := firstLineOf(payload)
	if bytes.Count(header, []byte(";")) > bytes.Count(header, []byte(",")) {
		csvReader.Comma = ';'
	}

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records)
}

// firstLineOf returns the first non-blank line of data.
func firstLineOf(data []byte) []byte {
	for len(data) > 0 {
		line := data
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			line, data = data[:idx], data[idx+1:]
		} else {
			data = nil
		}
		if len(bytes.TrimSpace(line)) > 0 {
			return line
		}
	}
	return nil
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows)
}

func normalizeTable(records [][]string) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	var headerRow []string
	var dataRows [][]string
	for _, row := range records {
		if isEmptyRow(row) {
			continue
		}
		if headerRow == nil {
			headerRow = row
			continue
		}
		dataRows = append(dataRows, row)
	}
	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	for i := range dataRows {
		dataRows[i] = padRow(dataRows[i], len(headers))
	}
	return tableData{headers: headers, rows: dataRows}, nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// sanitizeHeaders trims header cells, names blank ones by position and
// suffixes repeated names.
func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}
	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}
