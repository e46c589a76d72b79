package models

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// DateField is the field injected into every record with the trading day
const DateField = "Date"

// DateLayout is the calendar-day format used for dates and key prefixes
const DateLayout = "2006-01-02"

// Record is one row of the trade summary table.
// Keys are sanitized field names, values are the cell text as published.
type Record map[string]string

// Snapshot is the full set of records captured by one fetch
type Snapshot []Record

// SanitizeFieldName replaces characters that are not allowed in store keys
// ($ # [ ] / . and whitespace) with an underscore.
func SanitizeFieldName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '$', '#', '[', ']', '/', '.':
			return '_'
		}
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, name)
}

// NewRecord builds a record from raw header/value pairs and stamps it with date.
// Extra values without a header are dropped.
func NewRecord(headers, values []string, date string) Record {
	rec := make(Record, len(headers)+1)
	for i, h := range headers {
		if i >= len(values) {
			break
		}
		rec[SanitizeFieldName(strings.TrimSpace(h))] = strings.TrimSpace(values[i])
	}
	rec[DateField] = date
	return rec
}

// Date returns the injected trading day
func (r Record) Date() string {
	return r[DateField]
}

// With returns a copy of the record with field set to value
func (r Record) With(field, value string) Record {
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	out[SanitizeFieldName(field)] = value
	return out
}

// Decimal parses a numeric cell. Thousands separators, a trailing percent
// sign and surrounding parentheses (negative values) are accepted.
func (r Record) Decimal(field string) (decimal.Decimal, bool) {
	raw, ok := r[field]
	if !ok {
		return decimal.Zero, false
	}
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(s, "%")
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "-" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if negative {
		d = d.Neg()
	}
	return d, true
}

// Date returns the trading day shared by the snapshot's records
func (s Snapshot) Date() string {
	if len(s) == 0 {
		return ""
	}
	return s[0].Date()
}

// IsEmpty reports whether the snapshot carries no records
func (s Snapshot) IsEmpty() bool {
	return len(s) == 0
}
