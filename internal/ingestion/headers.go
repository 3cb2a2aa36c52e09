package ingestion

import (
	"sort"
	"strings"
	"unicode"

	"github.com/balanceo/finflow/internal/domain"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// AliasTable maps canonical field names to the raw header variants that may
// appear in uploads. Variants are matched after normalization, so accents
// and casing in the table itself are irrelevant.
type AliasTable map[string][]string

// Canonical statement fields.
const (
	FieldConcept  = "concept"
	FieldSection  = "section"
	FieldYear     = "year"
	FieldPeriod   = "period"
	FieldAmount   = "amount"
	FieldCurrency = "currency"
)

// Canonical ledger fields.
const (
	FieldEntryNo     = "entry_no"
	FieldTxDate      = "tx_date"
	FieldAccount     = "account"
	FieldDescription = "description"
	FieldDebit       = "debit"
	FieldCredit      = "credit"
)

// DefaultAliases returns the built-in alias table for a file kind. Callers
// may extend or replace it via configuration.
func DefaultAliases(kind domain.FileKind) AliasTable {
	if kind == domain.FileKindLedger {
		return AliasTable{
			FieldEntryNo:     {"asiento", "entry_no", "num_asiento", "numero", "entry"},
			FieldTxDate:      {"fecha", "date", "tx_date", "fecha_asiento", "posting_date"},
			FieldAccount:     {"cuenta", "account", "codigo_cuenta", "account_code"},
			FieldDescription: {"concepto", "descripcion", "description", "detalle", "glosa"},
			FieldDebit:       {"debe", "debit", "cargo"},
			FieldCredit:      {"haber", "credit", "abono"},
			FieldCurrency:    {"moneda", "currency", "divisa"},
		}
	}
	return AliasTable{
		FieldConcept:  {"concepto", "concept", "descripcion", "description", "rubro", "partida"},
		FieldSection:  {"seccion", "section", "apartado", "categoria", "category"},
		FieldYear:     {"año", "ano", "anio", "ejercicio", "year", "fiscal_year"},
		FieldPeriod:   {"periodo", "period", "mes", "month"},
		FieldAmount:   {"importe", "amount", "monto", "valor", "value", "total"},
		FieldCurrency: {"moneda", "currency", "divisa"},
	}
}

// RequiredFields lists the canonical fields a file kind cannot do without.
func RequiredFields(kind domain.FileKind) []string {
	if kind == domain.FileKindLedger {
		return []string{FieldTxDate, FieldAccount, FieldDebit, FieldCredit}
	}
	return []string{FieldConcept, FieldYear, FieldPeriod, FieldAmount}
}

// HeaderMap maps canonical field names to source column indices.
type HeaderMap map[string]int

// MappingReport is the outcome of header mapping, with enough detail for an
// operator to fix a bad map by hand.
type MappingReport struct {
	Fields     HeaderMap `json:"fields"`
	Missing    []string  `json:"missing"`
	Raw        []string  `json:"raw_headers"`
	Normalized []string  `json:"normalized_headers"`
}

// NeedsMapping reports whether confidence is too low to proceed: nothing
// mapped at all, or more than two required fields left unmapped.
func (r MappingReport) NeedsMapping() bool {
	return len(r.Fields) == 0 || len(r.Missing) > 2
}

// MapHeaders resolves raw column headers onto canonical fields. Matching is
// deterministic: canonical fields are considered in sorted order and each
// scans columns left to right; the first unclaimed alias match wins.
func MapHeaders(raw []string, kind domain.FileKind, aliases AliasTable) MappingReport {
	normalized := make([]string, len(raw))
	for i, header := range raw {
		normalized[i] = NormalizeHeader(header)
	}

	variantSets := make(map[string]map[string]bool, len(aliases))
	for field, variants := range aliases {
		set := make(map[string]bool, len(variants))
		for _, variant := range variants {
			set[NormalizeHeader(variant)] = true
		}
		variantSets[field] = set
	}

	fields := make([]string, 0, len(aliases))
	for field := range aliases {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	mapped := HeaderMap{}
	claimed := make(map[int]bool)
	for _, field := range fields {
		for col, name := range normalized {
			if claimed[col] || name == "" {
				continue
			}
			if variantSets[field][name] {
				mapped[field] = col
				claimed[col] = true
				break
			}
		}
	}

	var missing []string
	for _, field := range RequiredFields(kind) {
		if _, ok := mapped[field]; !ok {
			missing = append(missing, field)
		}
	}

	rawCopy := make([]string, len(raw))
	for i, value := range raw {
		rawCopy[i] = strings.TrimSpace(value)
	}

	return MappingReport{
		Fields:     mapped,
		Missing:    missing,
		Raw:        rawCopy,
		Normalized: normalized,
	}
}

// NormalizeHeader folds a raw header into a canonical lookup key:
// lowercase, accents stripped (NFD, drop combining marks, NFC), separators
// collapsed to underscores, everything else dropped.
func NormalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.' || r == '/':
			if !prevUnderscore && b.Len() > 0 {
				b.WriteRune('_')
				prevUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
