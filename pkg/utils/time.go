package utils

import (
	"time"
)

// time.go - утилиты для работы со временем
//
// Торговый день гейта считается в UTC: дневной realized PnL
// и kill-switch по дневному убытку сбрасываются в 00:00:00 UTC.
// Временные метки конвертов передаются в миллисекундах Unix.

// GetDayStartFrom возвращает начало дня (00:00:00 UTC) для указанного времени
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameTradingDay проверяет, что оба момента относятся к одному торговому дню
func SameTradingDay(a, b time.Time) bool {
	return GetDayStartFrom(a).Equal(GetDayStartFrom(b))
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// AbsAge возвращает модуль разницы между now и отметкой ts.
// Отметки из будущего (рассинхрон часов) считаются так же, как из прошлого.
func AbsAge(now time.Time, ts time.Time) time.Duration {
	d := now.Sub(ts)
	if d < 0 {
		return -d
	}
	return d
}

// Millis - длительность в миллисекундах с дробной частью (для полей latency_ms)
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
