// Package sheets reads and writes the spreadsheets that back excel data
// sources, and implements the two multi-file operations: vertical
// concatenation and horizontal merge.
package sheets

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned for files that are neither xlsx nor csv.
	ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")
	// ErrEmptySheet is returned when a sheet has no header row.
	ErrEmptySheet = errors.New("sheet has no header row")
)

// Table is one sheet: a header row and data rows. Rows are padded to the
// header width.
type Table struct {
	Name   string
	Header []string
	Rows   [][]string
}

// Read parses a workbook. The format is chosen by the file extension; csv
// files yield one table named after the file.
func Read(r io.Reader, filename string) ([]Table, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm", ".xls":
		return readXLSX(r)
	case ".csv":
		t, err := readCSV(r, strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))
		if err != nil {
			return nil, err
		}
		return []Table{t}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
}

func readXLSX(r io.Reader) ([]Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		// Legacy binary .xls ends up here too.
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer f.Close()

	var out []Table
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", name, err)
		}
		if len(rows) == 0 {
			continue
		}
		out = append(out, newTable(name, rows))
	}
	if len(out) == 0 {
		return nil, ErrEmptySheet
	}
	return out, nil
}

func readCSV(r io.Reader, name string) (Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) == 0 {
		return Table{}, ErrEmptySheet
	}
	return newTable(name, rows), nil
}

func newTable(name string, rows [][]string) Table {
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
	}
	t := Table{Name: name, Header: header, Rows: make([][]string, 0, len(rows)-1)}
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		t.Rows = append(t.Rows, pad(row, len(header)))
	}
	return t
}

func pad(row []string, n int) []string {
	out := make([]string, n)
	copy(out, row)
	return out
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Write stores tables as sheets of one xlsx workbook with a styled header.
func Write(w io.Writer, tables []Table) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	for i, t := range tables {
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("Sheet%d", i+1)
		}
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}

		if err := f.SetSheetRow(name, "A1", &t.Header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		if len(t.Header) > 0 {
			last, _ := excelize.CoordinatesToCellName(len(t.Header), 1)
			_ = f.SetCellStyle(name, "A1", last, headerStyle)
		}
		for r, row := range t.Rows {
			cell, _ := excelize.CoordinatesToCellName(1, r+2)
			if err := f.SetSheetRow(name, cell, &row); err != nil {
				return fmt.Errorf("write row %d: %w", r+2, err)
			}
		}
	}
	_, err = f.WriteTo(w)
	return err
}

// Bytes is Write into memory.
func Bytes(tables []Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, tables); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TableName derives the storage table name of a sheet: the sheet name with
// non-alphanumerics replaced by "_", then "_" and ten random hex digits.
func TableName(sheet string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, strings.TrimSpace(sheet))
	if clean == "" {
		clean = "sheet"
	}
	return clean + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
