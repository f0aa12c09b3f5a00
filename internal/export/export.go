// Package export renders inference results and plain records as JSON or
// CSV documents.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Formats lists the supported export formats.
var Formats = []string{FormatJSON, FormatCSV}

// FormatError reports an export format that is not supported.
type FormatError struct{ Format string }

func (e *FormatError) Error() string {
	return fmt.Sprintf("unknown export format %q (available: %s)", e.Format, strings.Join(Formats, ", "))
}
func (e *FormatError) StatusCode() int { return http.StatusBadRequest }

// Options tune one export.
type Options struct {
	// Columns fixes the CSV header. Empty uses every record key, leading
	// with the identifying columns.
	Columns []string
	Pretty  bool
}

// Document is a rendered export.
type Document struct {
	Body        []byte
	ContentType string
	Ext         string
}

// Manager dispatches exports by format name.
type Manager struct {
	formats map[string]func(any, Options) (Document, error)
}

func NewManager() *Manager {
	return &Manager{formats: map[string]func(any, Options) (Document, error){
		FormatJSON: exportJSON,
		FormatCSV:  exportCSV,
	}}
}

// Export renders data in format. Format names are case-insensitive.
func (m *Manager) Export(data any, format string, opts Options) (Document, error) {
	f, ok := m.formats[strings.ToLower(strings.TrimSpace(format))]
	if !ok {
		return Document{}, &FormatError{Format: format}
	}
	return f(data, opts)
}

func exportJSON(data any, opts Options) (Document, error) {
	b, err := JSON(data, opts.Pretty)
	if err != nil {
		return Document{}, err
	}
	return Document{Body: b, ContentType: "application/json", Ext: ".json"}, nil
}

func exportCSV(data any, opts Options) (Document, error) {
	b, err := CSV(Records(data), opts.Columns)
	if err != nil {
		return Document{}, err
	}
	return Document{Body: b, ContentType: "text/csv; charset=utf-8", Ext: ".csv"}, nil
}

// JSON encodes data, indented when pretty is set.
func JSON(data any, pretty bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(data); err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return buf.Bytes(), nil
}

// CSV writes records under a header row. Nested values are written as
// JSON and missing keys as empty cells. No records gives an empty body.
func CSV(records []map[string]any, columns []string) ([]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if len(columns) == 0 {
		columns = Columns(records)
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	row := make([]string, len(columns))
	for _, rec := range records {
		for i, c := range columns {
			row[i] = cell(rec[c])
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// leading columns come first in a derived header when present.
var leading = []string{"index", "page", "task", "status", "error", "name", "type", "value"}

// Columns derives a header from every key of records: the identifying
// columns first, then the rest sorted.
func Columns(records []map[string]any) []string {
	seen := map[string]bool{}
	for _, r := range records {
		for k := range r {
			seen[k] = true
		}
	}
	var cols []string
	for _, k := range leading {
		if seen[k] {
			cols = append(cols, k)
			delete(seen, k)
		}
	}
	rest := make([]string, 0, len(seen))
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(cols, rest...)
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
