package plugin

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSX parses Excel workbooks. Options: "sheet" selects a sheet by name
// (default first), "skip_rows" drops leading rows before the header.
type XLSX struct{}

var _ Parser = (*XLSX)(nil)

func (x *XLSX) Parse(_ context.Context, raw []byte, opts Options) ([]Record, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %v", ErrParse, err)
	}
	defer f.Close()

	sheet := optString(opts.Extra, "sheet")
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: sheet %q: %v", ErrParse, sheet, err)
	}

	skip := optInt(opts.Extra, "skip_rows")
	if skip >= len(rows) {
		return nil, fmt.Errorf("%w: sheet %q has no header row after skipping %d", ErrParse, sheet, skip)
	}
	rows = rows[skip:]

	header := rows[0]
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
			// GetRows trims trailing empty cells per row.
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
