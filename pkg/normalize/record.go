package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RawRecord is one loosely typed contact record as delivered by the CRM, along
// with the exact bytes it was decoded from.
type RawRecord struct {
	Fields  map[string]any
	Payload json.RawMessage
}

// ParseRecord decodes a JSON object into a raw record. Numbers are kept as
// json.Number so identifiers survive without float rounding.
func ParseRecord(payload []byte) (RawRecord, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil {
		return RawRecord{}, fmt.Errorf("failed to decode contact record: %w", err)
	}
	if fields == nil {
		return RawRecord{}, fmt.Errorf("contact record is not a JSON object")
	}

	return RawRecord{
		Fields:  fields,
		Payload: append(json.RawMessage(nil), payload...),
	}, nil
}

// RecordFromFields builds a raw record from already decoded fields, e.g. a
// spreadsheet row. The payload is the JSON encoding of the fields.
func RecordFromFields(fields map[string]any) (RawRecord, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return RawRecord{}, fmt.Errorf("failed to encode contact record: %w", err)
	}
	return RawRecord{Fields: fields, Payload: payload}, nil
}

// lookup returns the value of the first name present in the record. Keys are
// matched exactly first, then ignoring case, underscores, dashes and spaces
// (in sorted key order so the result stays deterministic).
func (r RawRecord) lookup(names ...string) (any, bool) {
	if len(r.Fields) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(r.Fields))
	for key := range r.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, name := range names {
		if value, ok := r.Fields[name]; ok && value != nil {
			return value, true
		}
		folded := foldKey(name)
		for _, key := range keys {
			if foldKey(key) == folded && r.Fields[key] != nil {
				return r.Fields[key], true
			}
		}
	}
	return nil, false
}

func (r RawRecord) lookupString(names ...string) (string, bool) {
	value, ok := r.lookup(names...)
	if !ok {
		return "", false
	}
	return stringValue(value)
}

func foldKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		switch r {
		case '_', '-', ' ', '.':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stringValue(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	default:
		return "", false
	}
}

// jsonType names the JSON kind of a decoded value for warning messages.
func jsonType(value any) string {
	switch value.(type) {
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case nil:
		return "null"
	default:
		return "number"
	}
}
