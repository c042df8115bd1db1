package plugin

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
)

// Generic parses CSV and JSON sources. CSV needs a header row; JSON must
// be an array of flat objects.
type Generic struct{}

var _ Parser = (*Generic)(nil)

func (g *Generic) Parse(_ context.Context, raw []byte, opts Options) ([]Record, error) {
	switch opts.Format {
	case "csv":
		return parseCSV(raw, opts)
	case "json":
		return parseJSON(raw)
	case "":
		if looksLikeJSON(raw) {
			return parseJSON(raw)
		}
		return parseCSV(raw, opts)
	default:
		return nil, fmt.Errorf("%w: generic parser cannot handle format %q", ErrParse, opts.Format)
	}
}

func looksLikeJSON(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n﻿")
	return len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{')
}

func parseCSV(raw []byte, opts Options) ([]Record, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	if d := optString(opts.Extra, "delimiter"); d != "" {
		r.Comma = []rune(d)[0]
	}

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: csv: %v", ErrParse, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: csv: empty input", ErrParse)
	}

	header := rows[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "﻿")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	recs := make([]Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(Record, len(header))
		empty := true
		for i, name := range header {
			if name == "" {
				continue
			}
			var cell string
			if i < len(row) {
				cell = strings.TrimSpace(row[i])
			}
			if cell != "" {
				empty = false
			}
			rec[name] = cell
		}
		if !empty {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func parseJSON(raw []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var items []map[string]any
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrParse, err)
	}

	recs := make([]Record, 0, len(items))
	for _, item := range items {
		rec := make(Record, len(item))
		for k, v := range item {
			rec[k] = cellString(v)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// cellString renders a decoded JSON value the way it appeared in the
// source. Numbers keep their exact decimal text via json.Number.
func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}

func optString(extra map[string]any, key string) string {
	if extra == nil {
		return ""
	}
	if s, ok := extra[key].(string); ok {
		return s
	}
	return ""
}

func optInt(extra map[string]any, key string) int {
	if extra == nil {
		return 0
	}
	switch t := extra[key].(type) {
	case int:
		return t
	case float64:
		return int(t)
	}
	return 0
}
