package parser

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// NormalizePrice turns a locale-dependent price string into a decimal. It
// never fails: anything unparseable is zero.
//
// Only digits, '.' and ',' survive. With both separators present the later
// one is the decimal point. A lone comma is decimal only when at most two
// digits follow it. Repeated dots are thousands separators.
func NormalizePrice(raw string) decimal.Decimal {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return decimal.Zero
	}

	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')

	switch {
	case lastDot >= 0 && lastComma >= 0:
		s = splitAt(s, max(lastDot, lastComma))
	case lastComma >= 0:
		if len(s)-lastComma-1 <= 2 {
			s = splitAt(s, lastComma)
		} else {
			s = stripSeparators(s)
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 {
			s = stripSeparators(s)
		}
	}

	s = strings.TrimSuffix(s, ".")
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	if s == "" {
		return decimal.Zero
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// splitAt treats position i as the decimal point and drops every other
// separator.
func splitAt(s string, i int) string {
	return stripSeparators(s[:i]) + "." + stripSeparators(s[i+1:])
}

func stripSeparators(s string) string {
	return strings.NewReplacer(".", "", ",", "").Replace(s)
}

var (
	isoCurrencyPattern = regexp.MustCompile(`\b(EUR|USD|GBP|MXN|COP|ARS|CLP|PEN|BRL|CHF|UYU)\b`)

	currencySymbols = []struct {
		symbol string
		code   string
	}{
		{"R$", "BRL"},
		{"US$", "USD"},
		{"€", "EUR"},
		{"£", "GBP"},
		{"¥", "JPY"},
		{"S/", "PEN"},
		{"$", "USD"},
	}
)

// DetectCurrency returns an ISO 4217 code for the symbol or code found in
// raw, or "" when none is present.
func DetectCurrency(raw string) string {
	if m := isoCurrencyPattern.FindStringSubmatch(strings.ToUpper(raw)); m != nil {
		return m[1]
	}
	for _, c := range currencySymbols {
		if strings.Contains(raw, c.symbol) {
			return c.code
		}
	}
	return ""
}
