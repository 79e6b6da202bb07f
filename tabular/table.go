/*
Package tabular reads spreadsheets into header-keyed tables and writes
ledger reports as XLSX workbooks.

SOURCES:
  - .xlsx (excelize): first sheet unless one is named
  - .csv: comma or semicolon separated, detected from the header line
  - Google Sheets (sheets/v4): a named range, see sheets.go

  The first non-empty row is the header. Fully empty rows are dropped.
  Every row is padded to the header width.

SEE ALSO:
  - dues/importer.go: Consumes Table via dues.RowsFromTable
  - export.go: Report workbooks
*/
package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

type Table struct {
	Header []string
	Rows   [][]string
}

// Format is a file format Read understands.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// FormatOf picks a format from a file name's extension.
func FormatOf(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".csv", ".txt":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported file type %q (want .xlsx or .csv)", filepath.Ext(filename))
	}
}

// Read parses r according to filename's extension.
func Read(r io.Reader, filename string) (Table, error) {
	format, err := FormatOf(filename)
	if err != nil {
		return Table{}, err
	}
	if format == FormatXLSX {
		return ReadXLSX(r, "")
	}
	return ReadCSV(r)
}

// ReadXLSX reads sheet, or the first sheet when sheet is empty.
func ReadXLSX(r io.Reader, sheet string) (Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Table{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return Table{}, fmt.Errorf("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return Table{}, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return FromRows(rows), nil
}

// ReadCSV reads comma- or semicolon-separated text.
func ReadCSV(r io.Reader) (Table, error) {
	br := bufio.NewReader(r)
	// Spreadsheet exports often start with a UTF-8 BOM.
	if b, err := br.Peek(3); err == nil && bytes.Equal(b, []byte{0xef, 0xbb, 0xbf}) {
		br.Discard(3)
	}
	first, _ := br.Peek(4096)

	cr := csv.NewReader(br)
	cr.Comma = detectComma(first)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("read csv: %w", err)
	}
	return FromRows(rows), nil
}

func detectComma(head []byte) rune {
	line := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		line = head[:i]
	}
	if bytes.Count(line, []byte{';'}) > bytes.Count(line, []byte{','}) {
		return ';'
	}
	return ','
}

// FromRows builds a Table from raw cell rows.
func FromRows(rows [][]string) Table {
	var t Table
	for _, row := range rows {
		if blank(row) {
			continue
		}
		if t.Header == nil {
			t.Header = trimAll(row)
			continue
		}
		cells := make([]string, len(t.Header))
		for i := range cells {
			if i < len(row) {
				cells[i] = strings.TrimSpace(row[i])
			}
		}
		t.Rows = append(t.Rows, cells)
	}
	return t
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func trimAll(row []string) []string {
	out := make([]string, len(row))
	for i, c := range row {
		out[i] = strings.TrimSpace(c)
	}
	return out
}
