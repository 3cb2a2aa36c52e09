package ingestion

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/balanceo/finflow/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	minYear = 1900
	maxYear = 2100
)

var ledgerDateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
}

// ParsedRow is a validated row in canonical form, ready for staging.
type ParsedRow struct {
	Concept  string
	Section  string
	Period   domain.Period
	Amount   decimal.Decimal
	Currency string
}

// RowError describes why a row was rejected. Every validation failure is a
// value, not a panic: the pipeline folds over results and keeps going.
type RowError struct {
	Column string
	Code   string
	Detail string
}

func (e *RowError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Column, e.Detail)
}

// SectionTable maps normalized section variants to canonical section names.
type SectionTable map[string]string

// DefaultSections covers the accepted variants for standardized statements.
func DefaultSections() SectionTable {
	return SectionTable{
		"activo":          "activo",
		"activos":         "activo",
		"assets":          "activo",
		"pasivo":          "pasivo",
		"pasivos":         "pasivo",
		"liabilities":     "pasivo",
		"patrimonio":      "patrimonio_neto",
		"patrimonio_neto": "patrimonio_neto",
		"equity":          "patrimonio_neto",
		"ingresos":        "ingresos",
		"ventas":          "ingresos",
		"revenue":         "ingresos",
		"income":          "ingresos",
		"gastos":          "gastos",
		"costes":          "gastos",
		"costos":          "gastos",
		"expenses":        "gastos",
		"resultado":       "resultado",
		"profit":          "resultado",
	}
}

// Canonical resolves a raw section value, passing it through untouched when
// no mapping exists.
func (t SectionTable) Canonical(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if canonical, ok := t[NormalizeHeader(raw)]; ok {
		return canonical
	}
	return raw
}

// Validator turns raw rows into ParsedRows under one header map.
type Validator struct {
	Kind        domain.FileKind
	Fields      HeaderMap
	Sections    SectionTable
	DefaultYear int // used when a statement file has no usable year cell
}

// ParseRow validates one data row. It returns either a canonical row or a
// rejection reason, never both.
func (v *Validator) ParseRow(fields []string) (ParsedRow, *RowError) {
	if v.Kind == domain.FileKindLedger {
		return v.parseLedgerRow(fields)
	}
	return v.parseStatementRow(fields)
}

func (v *Validator) parseStatementRow(fields []string) (ParsedRow, *RowError) {
	concept := strings.TrimSpace(v.cell(fields, FieldConcept))
	if concept == "" {
		return ParsedRow{}, &RowError{Column: FieldConcept, Code: domain.RejectEmptyConcept, Detail: "concept is required"}
	}

	year := v.DefaultYear
	if rawYear := strings.TrimSpace(v.cell(fields, FieldYear)); rawYear != "" {
		parsed, err := strconv.Atoi(rawYear)
		if err != nil {
			return ParsedRow{}, &RowError{Column: FieldYear, Code: domain.RejectBadYear, Detail: fmt.Sprintf("not an integer: %q", rawYear)}
		}
		year = parsed
	}
	if year < minYear || year > maxYear {
		return ParsedRow{}, &RowError{Column: FieldYear, Code: domain.RejectBadYear, Detail: fmt.Sprintf("year %d outside [%d, %d]", year, minYear, maxYear)}
	}

	period, err := ParsePeriod(v.cell(fields, FieldPeriod), year)
	if err != nil {
		return ParsedRow{}, &RowError{Column: FieldPeriod, Code: domain.RejectBadPeriod, Detail: err.Error()}
	}

	rawAmount := strings.TrimSpace(v.cell(fields, FieldAmount))
	amount, err := ParseAmount(rawAmount)
	if err != nil {
		return ParsedRow{}, &RowError{Column: FieldAmount, Code: domain.RejectBadAmount, Detail: fmt.Sprintf("not a number: %q", rawAmount)}
	}

	return ParsedRow{
		Concept:  concept,
		Section:  v.Sections.Canonical(v.cell(fields, FieldSection)),
		Period:   period,
		Amount:   amount,
		Currency: strings.ToUpper(strings.TrimSpace(v.cell(fields, FieldCurrency))),
	}, nil
}

func (v *Validator) parseLedgerRow(fields []string) (ParsedRow, *RowError) {
	account := strings.TrimSpace(v.cell(fields, FieldAccount))
	concept := strings.TrimSpace(v.cell(fields, FieldDescription))
	if concept == "" {
		concept = account
	}
	if concept == "" {
		return ParsedRow{}, &RowError{Column: FieldDescription, Code: domain.RejectEmptyConcept, Detail: "description or account is required"}
	}

	rawDate := strings.TrimSpace(v.cell(fields, FieldTxDate))
	txDate, err := parseLedgerDate(rawDate)
	if err != nil {
		return ParsedRow{}, &RowError{Column: FieldTxDate, Code: domain.RejectBadPeriod, Detail: err.Error()}
	}
	if txDate.Year() < minYear || txDate.Year() > maxYear {
		return ParsedRow{}, &RowError{Column: FieldTxDate, Code: domain.RejectBadYear, Detail: fmt.Sprintf("year %d outside [%d, %d]", txDate.Year(), minYear, maxYear)}
	}

	rawDebit := strings.TrimSpace(v.cell(fields, FieldDebit))
	rawCredit := strings.TrimSpace(v.cell(fields, FieldCredit))
	if rawDebit == "" && rawCredit == "" {
		return ParsedRow{}, &RowError{Column: FieldDebit, Code: domain.RejectBadAmount, Detail: "debit and credit both empty"}
	}

	debit := decimal.Zero
	if rawDebit != "" {
		if debit, err = ParseAmount(rawDebit); err != nil {
			return ParsedRow{}, &RowError{Column: FieldDebit, Code: domain.RejectBadAmount, Detail: fmt.Sprintf("not a number: %q", rawDebit)}
		}
	}
	credit := decimal.Zero
	if rawCredit != "" {
		if credit, err = ParseAmount(rawCredit); err != nil {
			return ParsedRow{}, &RowError{Column: FieldCredit, Code: domain.RejectBadAmount, Detail: fmt.Sprintf("not a number: %q", rawCredit)}
		}
	}

	return ParsedRow{
		Concept:  concept,
		Section:  account,
		Period:   domain.NewPeriod(txDate.Year(), int(txDate.Month())),
		Amount:   debit.Sub(credit),
		Currency: strings.ToUpper(strings.TrimSpace(v.cell(fields, FieldCurrency))),
	}, nil
}

func (v *Validator) cell(fields []string, canonical string) string {
	col, ok := v.Fields[canonical]
	if !ok || col < 0 || col >= len(fields) {
		return ""
	}
	return fields[col]
}

// ParsePeriod collapses any supported period notation onto the month-end
// date for that month: a bare month number ("3"), "YYYY-MM", or a full
// "YYYY-MM-DD" all yield the same Period. The year argument is the fallback
// for notations that do not carry one.
func ParsePeriod(raw string, year int) (domain.Period, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Period{}, fmt.Errorf("empty period")
	}

	// Bare month number.
	if month, err := strconv.Atoi(raw); err == nil {
		if month < 1 || month > 12 {
			return domain.Period{}, fmt.Errorf("month %d out of range", month)
		}
		return domain.NewPeriod(year, month), nil
	}

	normalized := strings.ReplaceAll(raw, "/", "-")
	for _, layout := range []string{"2006-01-02", "2006-01"} {
		if ts, err := time.Parse(layout, normalized); err == nil {
			return domain.NewPeriod(ts.Year(), int(ts.Month())), nil
		}
	}

	return domain.Period{}, fmt.Errorf("unrecognized period %q", raw)
}

func parseLedgerDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range ledgerDateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

// ParseAmount parses a localized decimal. Thousands separators are removed
// and a decimal comma becomes a dot: "1.234,56" and "1,234.56" both parse to
// 1234.56. When both separators appear, whichever occurs last is the decimal
// mark.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "")

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			// European: dot is thousands, comma is decimal.
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			// Multiple commas can only be thousands separators.
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	value, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}
