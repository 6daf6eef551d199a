package utils

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// validator.go - проверка входных данных команд и политики

var (
	ErrEmptySymbol   = errors.New("symbol is empty")
	ErrInvalidSymbol = errors.New("invalid symbol format")
	ErrNotPositive   = errors.New("value must be positive")
	ErrNotFinite     = errors.New("value must be finite")
)

// символ: 2..24 символа, буквы/цифры и разделители -, _, /
var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9/_-]{1,23}$`)

// ValidateSymbol проверяет формат торгового символа (BTC/USDT, ETH-USDT, 1INCHUSDT)
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return ErrEmptySymbol
	}
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// CanonicalSymbol приводит символ к виду BASE/QUOTE в верхнем регистре.
// Разделители - и _ заменяются на /, символы без разделителя не меняются.
func CanonicalSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("-", "/", "_", "/").Replace(s)
}

// ValidatePositive проверяет что значение конечное и > 0
func ValidatePositive(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s: %w", name, ErrNotFinite)
	}
	if v <= 0 {
		return fmt.Errorf("%s: %w", name, ErrNotPositive)
	}
	return nil
}

// ValidateNonNegative проверяет что значение конечное и >= 0
func ValidateNonNegative(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s: %w", name, ErrNotFinite)
	}
	if v < 0 {
		return fmt.Errorf("%s: must not be negative", name)
	}
	return nil
}

var hexDigestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// IsHexDigest - строка в формате SHA256Hex (64 hex-символа в нижнем регистре)
func IsHexDigest(s string) bool {
	return hexDigestPattern.MatchString(s)
}
