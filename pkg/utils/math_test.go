package utils

import (
	"math"
	"testing"
)

func TestPositionPNL(t *testing.T) {
	tests := []struct {
		name      string
		direction int
		entry     float64
		mark      float64
		quantity  float64
		expected  float64
	}{
		{"long profit", 1, 100.0, 110.0, 1.0, 10.0},
		{"long loss", 1, 100.0, 90.0, 1.0, -10.0},
		{"short profit", -1, 100.0, 90.0, 1.0, 10.0},
		{"short loss", -1, 100.0, 110.0, 1.0, -10.0},
		{"long with qty", 1, 100.0, 110.0, 0.5, 5.0},
		{"short with qty", -1, 100.0, 90.0, 2.0, 20.0},
		{"zero quantity", 1, 100.0, 110.0, 0, 0},
		{"flat", 0, 100.0, 110.0, 1.0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := PositionPNL(tt.direction, tt.entry, tt.mark, tt.quantity)
			if !floatEquals(result, tt.expected) {
				t.Errorf("PositionPNL(%d, %v, %v, %v) = %v, want %v",
					tt.direction, tt.entry, tt.mark, tt.quantity, result, tt.expected)
			}
		})
	}
}

func TestWeightedEntry(t *testing.T) {
	tests := []struct {
		name                             string
		size, entry, addSize, addPrice   float64
		expected                         float64
	}{
		{"open from flat", 0, 0, 1, 50000, 50000},
		{"pyramid equal size", 1, 50000, 1, 52000, 51000},
		{"pyramid weighted", 3, 100, 1, 200, 125},
		{"nothing", 0, 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WeightedEntry(tt.size, tt.entry, tt.addSize, tt.addPrice)
			if !floatEquals(got, tt.expected) {
				t.Errorf("WeightedEntry() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNotional(t *testing.T) {
	if got := Notional(-2, 100); got != 200 {
		t.Errorf("Notional(-2, 100) = %v, want 200", got)
	}
}

func TestRatio(t *testing.T) {
	tests := []struct {
		name     string
		a, b     float64
		expected float64
	}{
		{"equal", 100, 100, 0},
		{"five percent", 95, 100, 0.05},
		{"above", 110, 100, 0.1},
		{"both zero", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ratio(tt.a, tt.b); !floatEquals(got, tt.expected) {
				t.Errorf("Ratio(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.expected)
			}
		})
	}

	if !math.IsInf(Ratio(1, 0), 1) {
		t.Error("Ratio with zero base should be +Inf")
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		value, min, max, expected float64
	}{
		{5, 0, 10, 5},
		{-5, 0, 10, 0},
		{15, 0, 10, 10},
	}

	for _, tt := range tests {
		if got := Clamp(tt.value, tt.min, tt.max); got != tt.expected {
			t.Errorf("Clamp(%v, %v, %v) = %v, want %v", tt.value, tt.min, tt.max, got, tt.expected)
		}
	}
}

const floatEpsilon = 1e-6

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < floatEpsilon
}

func TestFormatFloat(t *testing.T) {
	if got := FormatFloat(0.12345, 3); got != "0.123" {
		t.Errorf("FormatFloat = %q, want 0.123", got)
	}
	if got := FormatFloat(5, 2); got != "5.00" {
		t.Errorf("FormatFloat = %q, want 5.00", got)
	}
}
