package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned when an uploaded file is not supported.
var ErrUnsupportedFormat = errors.New("unsupported file format")

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// Table is a parsed upload: a header row plus data rows. HeaderLine is the
// 1-based source line of the header; Lines carries the original source line
// of each data row, since blank lines between rows are dropped and row index
// alone would drift.
type Table struct {
	Headers    []string
	Rows       [][]string
	Lines      []int
	HeaderLine int
	Separator  rune
}

// SourceLine returns the 1-based source line of data row index i.
func (t Table) SourceLine(i int) int {
	if i >= 0 && i < len(t.Lines) {
		return t.Lines[i]
	}
	return t.HeaderLine + i + 1
}

// RawLine reconstructs the original text of data row i for diagnostics.
func (t Table) RawLine(i int) string {
	if i < 0 || i >= len(t.Rows) {
		return ""
	}
	return strings.Join(t.Rows[i], string(t.Separator))
}

// ParseTable dispatches on the file extension. Files without a recognized
// extension are treated as CSV, which is what most exports arrive as.
func ParseTable(fileName string, payload []byte) (Table, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv", ".txt", "":
		return parseCSV(payload)
	case ".xlsx":
		return parseExcel(payload)
	default:
		return Table{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(fileName))
	}
}

func parseCSV(payload []byte) (Table, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	separator := detectSeparator(payload)

	csvReader := csv.NewReader(reader)
	csvReader.Comma = separator
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	var records [][]string
	var lines []int
	for {
		record, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("failed to read csv: %w", err)
		}
		// The csv reader skips blank source lines, so the record index
		// cannot be trusted as a line number. FieldPos reports the real one.
		line, _ := csvReader.FieldPos(0)
		records = append(records, record)
		lines = append(lines, line)
	}

	table, err := normalizeTable(records, lines)
	if err != nil {
		return Table{}, err
	}
	table.Separator = separator
	return table, nil
}

func parseExcel(payload []byte) (Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return Table{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Table{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Table{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}

	// GetRows preserves interior empty rows, so sheet row idx+1 is the
	// original position.
	lines := make([]int, len(rows))
	for idx := range rows {
		lines[idx] = idx + 1
	}

	table, err := normalizeTable(rows, lines)
	if err != nil {
		return Table{}, err
	}
	table.Separator = ','
	return table, nil
}

// detectSeparator picks between comma and semicolon by counting occurrences
// on the first line. European exports are frequently semicolon-delimited.
func detectSeparator(payload []byte) rune {
	line := payload
	if idx := bytes.IndexByte(payload, '\n'); idx >= 0 {
		line = payload[:idx]
	}
	if bytes.Count(line, []byte{';'}) > bytes.Count(line, []byte{','}) {
		return ';'
	}
	return ','
}

func normalizeTable(records [][]string, lines []int) (Table, error) {
	if len(records) == 0 {
		return Table{}, errors.New("no rows found in file")
	}

	var headers []string
	var dataRows [][]string
	var dataLines []int
	headerLine := 0

	for idx, row := range records {
		if isEmptyRow(row) {
			continue
		}
		if headers == nil {
			headers = row
			headerLine = lines[idx]
			continue
		}
		dataRows = append(dataRows, padRow(row, len(headers)))
		dataLines = append(dataLines, lines[idx])
	}

	if headers == nil {
		return Table{}, errors.New("header row could not be detected")
	}

	trimmed := make([]string, len(headers))
	for i, value := range headers {
		trimmed[i] = strings.TrimSpace(value)
	}

	return Table{
		Headers:    trimmed,
		Rows:       dataRows,
		Lines:      dataLines,
		HeaderLine: headerLine,
	}, nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}
