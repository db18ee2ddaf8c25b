package parser

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{"1.200,50", "1200.50"},
		{"1,200.50", "1200.50"},
		{"1200,50", "1200.50"},
		{"", "0"},
		{"€ 1.234.567,89", "1234567.89"},
		{"$1,234,567.89", "1234567.89"},
		{"1,234", "1234"},
		{"12,5", "12.5"},
		{"1.299", "1.299"},
		{"1.234.567", "1234567"},
		{"49,99 €", "49.99"},
		{"US$ 15", "15"},
		{"Consultar precio", "0"},
		{"12,", "12"},
		{",50", "0.50"},
		{"...", "0"},
		{"1,2,3", "12.3"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := NormalizePrice(tt.raw)
			want := decimal.RequireFromString(tt.expected)
			assert.True(t, want.Equal(got), "NormalizePrice(%q) = %s, want %s", tt.raw, got, want)
		})
	}
}

func TestNormalizePrice_Idempotent(t *testing.T) {
	inputs := []string{
		"1.200,50", "1,200.50", "1200,50", "", "abc", "0,99", "1.234.567,891",
		"99.", "7,000", "3.50 EUR", "R$ 2.500,00", "1.5.5,5", ",", "0000,10",
	}

	for _, in := range inputs {
		first := NormalizePrice(in)
		second := NormalizePrice(first.String())
		assert.True(t, first.Equal(second), "not idempotent for %q: %s then %s", in, first, second)
	}
}

func TestDetectCurrency(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"49,99 €", "EUR"},
		{"R$ 2.500,00", "BRL"},
		{"$ 120.000", "USD"},
		{"1.200 MXN", "MXN"},
		{"£12", "GBP"},
		{"1200", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectCurrency(tt.raw))
		})
	}
}
