package session

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/neobase-ai/neobase-web-ui/internal/models"
)

// Export formats.
const (
	ExportCSV  = "csv"
	ExportJSON = "json"
)

// Export returns every result row of a query known to the client, in the given format along with its
// content type. The rows of all cached pages are merged in page order, falling back to the result the query
// carries; identical rows are kept once.
func (s *Session) Export(messageID, queryID, format string) ([]byte, string, error) {
	q, ok := s.store.Query(messageID, queryID)
	if !ok {
		return nil, "", ErrQueryNotFound
	}

	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()

	var rows []json.RawMessage
	for _, n := range cache.Pages(queryID) {
		page, ok := cache.Get(queryID, n)
		if ok {
			rows = append(rows, page.Rows...)
		}
	}
	if len(rows) == 0 {
		raw := q.ExecutionResult
		if !q.HasResult() && q.ShowsExample() {
			raw = q.ExampleResult
		}
		rows = models.ParseResults(raw)
	}
	rows = dedupeRows(rows)
	if len(rows) == 0 {
		return nil, "", ErrNoExportData
	}

	switch format {
	case ExportJSON:
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode rows: %w", err)
		}
		return data, "application/json", nil
	case ExportCSV:
		data, err := encodeCSV(rows)
		if err != nil {
			return nil, "", err
		}
		return data, "text/csv", nil
	default:
		return nil, "", fmt.Errorf("unknown export format %q", format)
	}
}

// dedupeRows drops rows whose compact JSON equals an earlier row.
func dedupeRows(rows []json.RawMessage) []json.RawMessage {
	seen := make(map[string]struct{}, len(rows))
	out := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		var buf bytes.Buffer
		key := string(row)
		if err := json.Compact(&buf, row); err == nil {
			key = buf.String()
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out
}

// encodeCSV writes one line per row under a header holding the union of the row columns in order of first
// appearance. Rows that are not objects are written in a single "value" column. Nested values are written as
// compact JSON.
func encodeCSV(rows []json.RawMessage) ([]byte, error) {
	var columns []string
	objects := make([]map[string]json.RawMessage, len(rows))
	for i, row := range rows {
		keys, obj, err := models.DecodeRow(row)
		if err != nil {
			obj = map[string]json.RawMessage{"value": row}
			keys = []string{"value"}
		}
		objects[i] = obj
		for _, k := range keys {
			if !slices.Contains(columns, k) {
				columns = append(columns, k)
			}
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	record := make([]string, len(columns))
	for _, obj := range objects {
		for i, col := range columns {
			record[i] = models.CellText(obj[col])
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to write csv: %w", err)
	}
	return buf.Bytes(), nil
}
