package models

import "time"

// Fill - подтвержденное исполнение от биржи
type Fill struct {
	FillID    string    `json:"fill_id" db:"fill_id"`
	OrderID   string    `json:"order_id" db:"order_id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Side      Side      `json:"side" db:"side"`
	Size      float64   `json:"size" db:"size"`
	Price     float64   `json:"price" db:"price"`
	Fee       float64   `json:"fee" db:"fee"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}

// OrderStatus - статус ордера на бирже
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "OPEN"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// Terminal - ордер больше не занимает слот открытых ордеров
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusRejected
}

// OrderUpdate - подтверждение (ack) или смена статуса ордера
type OrderUpdate struct {
	OrderID   string      `json:"order_id"`
	Symbol    string      `json:"symbol"`
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// EquitySnapshot - эквити по данным биржи (внешняя истина)
type EquitySnapshot struct {
	Equity    float64   `json:"equity"`
	Timestamp time.Time `json:"timestamp"`
}

// MarkPrice - текущая цена символа для нереализованного PnL
type MarkPrice struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfidenceSignal - оценка уверенности от контура скоринга, [0, 1]
type ConfidenceSignal struct {
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PolicyAnnouncement - подписант заявляет хеш своей политики (handshake без команды)
type PolicyAnnouncement struct {
	Producer   string `json:"producer"`
	PolicyHash string `json:"policy_hash"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature,omitempty"`
	KeyID      string `json:"key_id,omitempty"`
}

// RejectionEvent - структурированное событие отклонения для аудита
type RejectionEvent struct {
	ID            string     `json:"id" db:"id"`
	CommandID     string     `json:"command_id" db:"command_id"`
	CorrelationID string     `json:"correlation_id,omitempty" db:"correlation_id"`
	Producer      string     `json:"producer,omitempty" db:"producer"`
	Symbol        string     `json:"symbol,omitempty" db:"symbol"`
	Kind          string     `json:"kind,omitempty" db:"kind"`
	Reason        ReasonCode `json:"reason_code" db:"reason_code"`
	Detail        string     `json:"detail" db:"detail"`
	Mode          string     `json:"mode" db:"mode"`
	Timestamp     time.Time  `json:"timestamp" db:"ts"`
}
