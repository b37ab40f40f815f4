// Package sheet reads uploaded spreadsheets into header-keyed rows used for pre-upload validation
package sheet

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Row maps column header to cell value
type Row map[string]string

// Table is a parsed sheet, Header keeps the original column order
type Table struct {
	Sheet  string
	Header []string
	Rows   []Row
}

// Read parses the first sheet of xlsx data. The first non-empty row is a header,
// fully empty rows are skipped.
func Read(data []byte) (Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Table{}, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Table{}, fmt.Errorf("spreadsheet has no sheets")
	}
	res := Table{Sheet: sheets[0]}

	rows, err := f.GetRows(res.Sheet)
	if err != nil {
		return Table{}, fmt.Errorf("failed to read rows of %s: %w", res.Sheet, err)
	}

	for _, cells := range rows {
		if isEmpty(cells) {
			continue
		}
		if res.Header == nil {
			for _, c := range cells {
				res.Header = append(res.Header, strings.TrimSpace(c))
			}
			continue
		}
		row := Row{}
		for i, h := range res.Header {
			if h == "" {
				continue
			}
			if i < len(cells) {
				row[h] = strings.TrimSpace(cells[i])
				continue
			}
			row[h] = ""
		}
		res.Rows = append(res.Rows, row)
	}
	if res.Header == nil {
		return Table{}, fmt.Errorf("sheet %s is empty", res.Sheet)
	}
	return res, nil
}

// MissingColumns returns required columns absent in rows or empty in any row, case-insensitive
func MissingColumns(rows []Row, required []string) []string {
	var missing []string
	for _, col := range required {
		for _, r := range rows {
			if v, ok := lookup(r, col); !ok || v == "" {
				missing = append(missing, col)
				break
			}
		}
	}
	return missing
}

func lookup(r Row, col string) (string, bool) {
	if v, ok := r[col]; ok {
		return v, true
	}
	for k, v := range r {
		if strings.EqualFold(k, col) {
			return v, true
		}
	}
	return "", false
}

func isEmpty(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
