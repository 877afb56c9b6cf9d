package model

import (
	"strconv"
	"strings"
)

// ParseNumeric reads the number in a threshold or rate value such as "25%",
// "£90,000" or "0.2". Rates written with a percent sign are returned as the
// number shown, so "25%" and "25" compare equal.
func ParseNumeric(v string) (float64, bool) {
	s := strings.TrimSpace(v)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '.' && r != ',' && r != '-'
	})
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// CanonicalValue returns the comparison form of a value: numbers for
// numeric types, trimmed lower-case text with collapsed spaces otherwise
func CanonicalValue(t ValueType, v string) string {
	if t.Numeric() {
		if f, ok := ParseNumeric(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}
