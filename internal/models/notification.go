package models

import "time"

// Notification - событие гейта для наблюдателей (websocket) и журнала
type Notification struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`     // REJECTED, APPROVED, MODE, HALT, POLICY
	Severity  string                 `json:"severity"` // info, warn, error
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Типы уведомлений
const (
	NotificationTypeRejected = "REJECTED" // команда отклонена
	NotificationTypeApproved = "APPROVED" // команда пропущена на исполнение
	NotificationTypeMode     = "MODE"     // смена режима circuit breaker
	NotificationTypeHalt     = "HALT"     // остановка или снятие остановки
	NotificationTypePolicy   = "POLICY"   // загрузка политики
	NotificationTypeFlatten  = "FLATTEN"  // операторское закрытие позиций
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)
