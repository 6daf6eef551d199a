package websocket

import (
	"time"

	"titan/internal/breaker"
	"titan/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeRejection - команда отклонена гейтом (любой код причины)
	MessageTypeRejection MessageType = "rejection"

	// MessageTypeMode - смена режима circuit breaker
	MessageTypeMode MessageType = "mode"

	// MessageTypeNotification - операторские и системные события: halt, flatten, загрузка политики
	MessageTypeNotification MessageType = "notification"

	// MessageTypeSnapshot - состояние гейта при подключении наблюдателя
	MessageTypeSnapshot MessageType = "snapshot"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// RejectionMessage - событие отклонения в том виде, в каком оно уходит в аудит
type RejectionMessage struct {
	BaseMessage
	Data models.RejectionEvent `json:"data"`
}

// ModeMessage - переход circuit breaker
type ModeMessage struct {
	BaseMessage
	Data ModeData `json:"data"`
}

// ModeData - данные перехода
type ModeData struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// NotificationMessage - системное уведомление
type NotificationMessage struct {
	BaseMessage
	Data *models.Notification `json:"data"`
}

// SnapshotMessage - текущий режим и хеш политики для только что подключившегося клиента
type SnapshotMessage struct {
	BaseMessage
	Mode       string `json:"mode"`
	PolicyHash string `json:"policy_hash"`
}

// ============ Фабричные функции для создания сообщений ============

// NewRejectionMessage создает сообщение отклонения
func NewRejectionMessage(ev models.RejectionEvent) *RejectionMessage {
	return &RejectionMessage{
		BaseMessage: BaseMessage{Type: MessageTypeRejection, Timestamp: time.Now()},
		Data:        ev,
	}
}

// NewModeMessage создает сообщение смены режима
func NewModeMessage(tr breaker.Transition) *ModeMessage {
	return &ModeMessage{
		BaseMessage: BaseMessage{Type: MessageTypeMode, Timestamp: time.Now()},
		Data: ModeData{
			From:   tr.From.String(),
			To:     tr.To.String(),
			Reason: tr.Reason,
			At:     tr.At,
		},
	}
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(n *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: BaseMessage{Type: MessageTypeNotification, Timestamp: time.Now()},
		Data:        n,
	}
}

// NewSnapshotMessage создает приветственное сообщение
func NewSnapshotMessage(mode, policyHash string) *SnapshotMessage {
	return &SnapshotMessage{
		BaseMessage: BaseMessage{Type: MessageTypeSnapshot, Timestamp: time.Now()},
		Mode:        mode,
		PolicyHash:  policyHash,
	}
}
