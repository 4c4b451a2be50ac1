package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ParseResults turns a raw query result into rows. The backend answers with one of several shapes:
//
//   - an array of rows;
//   - an object with a "results" array;
//   - any other object (DML summaries like {"rowsAffected": 3}), which becomes a single row;
//   - a JSON string holding one of the above (example results are stored that way);
//   - a primitive, which becomes a single row.
//
// Rows keep their original bytes so that a page served twice is byte-identical.
func ParseResults(raw json.RawMessage) []json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if isEmptyJSON(raw) {
		return nil
	}

	switch raw[0] {
	case '[':
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return []json.RawMessage{raw}
		}
		return rows
	case '{':
		var obj struct {
			Results json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && len(obj.Results) > 0 && obj.Results[0] == '[' {
			var rows []json.RawMessage
			if err := json.Unmarshal(obj.Results, &rows); err == nil {
				return rows
			}
		}
		return []json.RawMessage{raw}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return []json.RawMessage{raw}
		}
		inner := json.RawMessage(strings.TrimSpace(s))
		if len(inner) > 0 && (inner[0] == '[' || inner[0] == '{') && json.Valid(inner) {
			return ParseResults(inner)
		}
		return []json.RawMessage{raw}
	default:
		return []json.RawMessage{raw}
	}
}

// Columns returns the keys of the first row in their original order, for table rendering. Rows that are not
// objects produce no columns.
func Columns(rows []json.RawMessage) []string {
	if len(rows) == 0 {
		return nil
	}
	cols, _, err := DecodeRow(rows[0])
	if err != nil {
		return nil
	}
	return cols
}

// DecodeRow decodes a row object and returns its keys in document order along with their raw values.
func DecodeRow(row json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(row))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if tok != json.Delim('{') {
		return nil, nil, errors.New("row is not an object")
	}

	var keys []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, dup := values[key]; !dup {
			keys = append(keys, key)
		}
		values[key] = v
	}
	return keys, values, nil
}

// CellText returns the text shown for a value in a result table or CSV cell. Strings are unquoted, null is
// empty, and nested objects and arrays are kept as compact JSON.
func CellText(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err == nil {
			return buf.String()
		}
	}
	return string(v)
}

func isEmptyJSON(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	return s == "" || s == "null" || s == "{}" || s == `""`
}

var sentenceSplit = regexp.MustCompile(`([.!?])\s+`)

// DedupeQueries removes statements that appear more than once in a query text. Statements are separated by
// semicolons and joined back one per line.
func DedupeQueries(query string) string {
	seen := make(map[string]struct{})
	var unique []string
	for _, q := range strings.Split(query, ";") {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		unique = append(unique, q)
	}
	return strings.Join(unique, ";\n")
}

// DedupeContent removes text the backend echoed twice. A body that consists of the same text repeated is
// cut in half; otherwise repeated sentences are dropped, comparing case-insensitively.
func DedupeContent(content string) string {
	if content == "" {
		return ""
	}

	if n := len(content); n > 20 {
		half := n / 2
		for offset := -10; offset <= 10; offset++ {
			split := half + offset
			if split <= 0 || split >= n {
				continue
			}
			first := strings.TrimSpace(content[:split])
			if first != "" && first == strings.TrimSpace(content[split:]) {
				return first
			}
		}
	}

	marked := sentenceSplit.ReplaceAllString(content, "$1\x00")
	seen := make(map[string]struct{})
	var unique []string
	for _, sentence := range strings.Split(marked, "\x00") {
		key := strings.ToLower(strings.TrimSpace(sentence))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, sentence)
	}
	return strings.Join(unique, " ")
}

// Words splits text into the units revealed by the typing animation.
func Words(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, " ")
}
