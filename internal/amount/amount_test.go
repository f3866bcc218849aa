package amount

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"whole", "30", 3000},
		{"two decimals", "30.00", 3000},
		{"one decimal", "30.5", 3050},
		{"cents only", "0.01", 1},
		{"leading dot", ".50", 50},
		{"trailing zeros whole", "100", 10000},
		{"zero", "0", 0},
		{"leading zeros", "007.25", 725},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_InvalidInputs(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"negative", "-1.00"},
		{"plus sign", "+1.00"},
		{"alphabetic", "abc"},
		{"multiple dots", "1.2.3"},
		{"three decimals", "1.005"},
		{"bare dot", "."},
		{"trailing dot", "5."},
		{"spaces", " 5"},
		{"too large", "1000000000000.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.input); ok {
				t.Errorf("Parse(%q) should return ok=false", tt.input)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		units int64
		want  string
	}{
		{0, "0.00"},
		{1, "0.01"},
		{3000, "30.00"},
		{9900, "99.00"},
		{123456, "1234.56"},
		{-50, "-0.50"},
	}
	for _, tt := range tests {
		if got := Format(big.NewInt(tt.units)); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.units, got, tt.want)
		}
	}
	if got := Format(nil); got != "0.00" {
		t.Errorf("Format(nil) = %q, want 0.00", got)
	}
}

func TestNormalize(t *testing.T) {
	got, ok := Normalize("99")
	if !ok || got != "99.00" {
		t.Errorf("Normalize(99) = %q, %v", got, ok)
	}
	if _, ok := Normalize("nope"); ok {
		t.Error("Normalize should reject garbage")
	}
}

func TestSignHelpers(t *testing.T) {
	if !IsPositive("0.01") {
		t.Error("0.01 should be positive")
	}
	if IsPositive("0.00") {
		t.Error("0.00 should not be positive")
	}
	if !IsZero("0") {
		t.Error("0 should be zero")
	}
	if IsZero("bad") {
		t.Error("invalid input is not zero")
	}
}
