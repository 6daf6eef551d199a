package models

import (
	"math"
	"time"
)

// PositionSide - направление теневой позиции
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

// SizeEpsilon - остаток размера, который считается нулевым после частичных закрытий
const SizeEpsilon = 1e-12

// Position - позиция по символу в теневом состоянии.
// Size всегда неотрицателен, направление задает Side.
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	EntryPrice    float64      `json:"entry_price"`
	MarkPrice     float64      `json:"mark_price"`
	UnrealizedPnl float64      `json:"unrealized_pnl"`
	Leverage      float64      `json:"leverage"` // notional / equity на момент последнего обновления
	LastUpdate    time.Time    `json:"last_update"`
}

// Direction: +1 лонг, -1 шорт, 0 плоская
func (p Position) Direction() int {
	switch p.Side {
	case PositionLong:
		return 1
	case PositionShort:
		return -1
	}
	return 0
}

// IsFlat - позиции нет
func (p Position) IsFlat() bool {
	return p.Direction() == 0 || p.Size <= SizeEpsilon
}

// SignedSize - размер со знаком направления
func (p Position) SignedSize() float64 {
	if p.IsFlat() {
		return 0
	}
	return float64(p.Direction()) * p.Size
}

// Notional - номинал по mark (или по цене входа, пока mark неизвестна)
func (p Position) Notional() float64 {
	if p.IsFlat() {
		return 0
	}
	price := p.MarkPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return math.Abs(p.Size * price)
}

// SideForSigned возвращает направление позиции для размера со знаком
func SideForSigned(signed float64) PositionSide {
	switch {
	case signed > SizeEpsilon:
		return PositionLong
	case signed < -SizeEpsilon:
		return PositionShort
	}
	return PositionFlat
}
