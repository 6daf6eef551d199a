package utils

import (
	"math"
	"strconv"
)

// math.go - математика позиций для теневого состояния и проверок риска

// PositionPNL считает PnL позиции со знаком направления.
//
// Формулы:
//   - Long PNL = (P_mark - P_entry) × qty
//   - Short PNL = (P_entry - P_mark) × qty
//
// direction: +1 для лонга, -1 для шорта, 0 для плоской позиции
func PositionPNL(direction int, entryPrice, markPrice, quantity float64) float64 {
	if quantity <= 0 || direction == 0 {
		return 0
	}
	return float64(direction) * (markPrice - entryPrice) * quantity
}

// WeightedEntry возвращает среднюю цену входа после доливки позиции
func WeightedEntry(size, entry, addSize, addPrice float64) float64 {
	total := size + addSize
	if total <= 0 {
		return 0
	}
	return (size*entry + addSize*addPrice) / total
}

// Notional возвращает абсолютный номинал size × price
func Notional(size, price float64) float64 {
	return math.Abs(size * price)
}

// Ratio возвращает |a - b| / |b|; при b == 0 и a != 0 отклонение бесконечно
func Ratio(a, b float64) float64 {
	if b == 0 {
		if a == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(a-b) / math.Abs(b)
}

// Abs возвращает модуль числа
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Clamp ограничивает значение диапазоном [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// FormatFloat форматирует число с фиксированной точностью для сообщений
func FormatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}
