// Package contacts parses uploaded contact files (CSV, XLSX) into recipient
// lists for bulk sends.
//
// Expected columns (case-insensitive): "phone" (required), "name" (optional).
// Files without a header row are accepted too: the first column is taken as
// the phone number, the second as the name.
package contacts

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"relaybot/pkg/logx"
)

// Contact is one parsed row: an E.164 phone number and an optional name.
type Contact struct {
	Phone string
	Name  string
}

var ErrNoContacts = errors.New("no valid contacts found")

type Parser struct {
	log logx.Logger
}

func NewParser(log logx.Logger) *Parser {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Parser{log: log}
}

// ParseFile dispatches on the file extension.
func (p *Parser) ParseFile(filename string, data []byte) ([]Contact, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".csv":
		return p.ParseCSV(data)
	case ".xlsx":
		return p.ParseXLSX(data)
	default:
		return nil, fmt.Errorf("unsupported file format %q: upload a .csv or .xlsx file", ext)
	}
}

// ParseCSV parses CSV content. A UTF-8 BOM is tolerated.
func (p *Parser) ParseCSV(data []byte) ([]Contact, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return p.fromRows(rows, "csv")
}

// ParseXLSX parses the first sheet of an Excel workbook.
func (p *Parser) ParseXLSX(data []byte) ([]Contact, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, errors.New("xlsx file has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read xlsx rows: %w", err)
	}
	return p.fromRows(rows, "xlsx")
}

func (p *Parser) fromRows(rows [][]string, format string) ([]Contact, error) {
	if len(rows) == 0 {
		return nil, ErrNoContacts
	}

	phoneIdx, nameIdx := 0, 1
	start := 0
	if pi, ni, ok := headerColumns(rows[0]); ok {
		phoneIdx, nameIdx = pi, ni
		start = 1
	}

	var contacts []Contact
	skipped := 0
	for _, row := range rows[start:] {
		if len(row) <= phoneIdx {
			skipped++
			continue
		}
		phone, err := NormalizePhone(row[phoneIdx])
		if err != nil {
			p.log.Warn("skipping invalid phone number", logx.String("raw", row[phoneIdx]))
			skipped++
			continue
		}
		name := ""
		if nameIdx >= 0 && len(row) > nameIdx {
			name = strings.TrimSpace(row[nameIdx])
		}
		contacts = append(contacts, Contact{Phone: phone, Name: name})
	}

	if skipped > 0 {
		p.log.Info("skipped invalid contact rows",
			logx.Int("skipped", skipped), logx.String("format", format))
	}
	if len(contacts) == 0 {
		return nil, ErrNoContacts
	}
	p.log.Info("parsed contacts", logx.Int("count", len(contacts)), logx.String("format", format))
	return contacts, nil
}

// headerColumns reports the phone/name column indexes when the first row is a
// header ("phone" present, case-insensitive). nameIdx is -1 when absent.
func headerColumns(first []string) (phoneIdx, nameIdx int, ok bool) {
	phoneIdx, nameIdx = -1, -1
	for i, cell := range first {
		switch strings.ToLower(strings.TrimSpace(cell)) {
		case "phone":
			phoneIdx = i
		case "name":
			nameIdx = i
		}
	}
	return phoneIdx, nameIdx, phoneIdx >= 0
}

// NormalizePhone coerces a raw value into E.164 form: separators stripped, a
// leading '+' added when missing, digits only after the '+'.
func NormalizePhone(raw string) (string, error) {
	n := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	if n == "" {
		return "", errors.New("empty phone number")
	}
	if !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	digits := n[1:]
	if digits == "" {
		return "", fmt.Errorf("invalid phone number %q", raw)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid phone number %q", raw)
		}
	}
	return n, nil
}
