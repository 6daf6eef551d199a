package models

import (
	"errors"
	"fmt"

	"titan/pkg/utils"
)

// CommandKind - закрытый набор типов торговых команд.
// Гейт обязан обработать каждый вид явно (switch без default-ветки "как-нибудь").
type CommandKind string

const (
	CommandPlaceOrder    CommandKind = "PLACE_ORDER"    // новый ордер
	CommandCancelOrder   CommandKind = "CANCEL_ORDER"   // отмена открытого ордера
	CommandClosePosition CommandKind = "CLOSE_POSITION" // закрытие (reduce-only по определению)
	CommandFlatten       CommandKind = "FLATTEN"        // операторское закрытие всего
)

// AllCommandKinds возвращает все виды команд
func AllCommandKinds() []CommandKind {
	return []CommandKind{CommandPlaceOrder, CommandCancelOrder, CommandClosePosition, CommandFlatten}
}

// Valid сообщает, входит ли вид в закрытый набор
func (k CommandKind) Valid() bool {
	switch k {
	case CommandPlaceOrder, CommandCancelOrder, CommandClosePosition, CommandFlatten:
		return true
	}
	return false
}

// CreatesOrder - команда создает новый ордер на бирже
func (k CommandKind) CreatesOrder() bool {
	return k == CommandPlaceOrder || k == CommandClosePosition || k == CommandFlatten
}

// Side - направление ордера
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid сообщает, известно ли направление
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign: +1 для покупки, -1 для продажи
func (s Side) Sign() int {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	}
	return 0
}

// Opposite возвращает противоположное направление
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType - тип ордера
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Valid сообщает, известен ли тип
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// Command - полезная нагрузка конверта: то, что должно уйти на биржу.
// Гейт либо пропускает ее как есть, либо отклоняет. Поля не переписываются.
type Command struct {
	Kind                 CommandKind `json:"kind"`
	Symbol               string      `json:"symbol"`
	Side                 Side        `json:"side,omitempty"`
	OrderType            OrderType   `json:"order_type,omitempty"`
	Size                 float64     `json:"size,omitempty"`
	Price                float64     `json:"price,omitempty"` // лимитная цена или оценка исполнения для market
	EstimatedSlippageBps float64     `json:"estimated_slippage_bps,omitempty"`
	ReduceOnly           bool        `json:"reduce_only,omitempty"`
	ClientOrderID        string      `json:"client_order_id,omitempty"`
	OrderID              string      `json:"order_id,omitempty"` // для CANCEL_ORDER
}

// ErrMalformedCommand - структурно невалидная команда
var ErrMalformedCommand = errors.New("malformed command")

// Validate проверяет структуру команды (не риск)
func (c Command) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedCommand, c.Kind)
	}
	if err := utils.ValidateSymbol(c.Symbol); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	if c.Kind == CommandCancelOrder {
		if c.OrderID == "" {
			return fmt.Errorf("%w: cancel requires order_id", ErrMalformedCommand)
		}
		return nil
	}

	if !c.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrMalformedCommand, c.Side)
	}
	if !c.OrderType.Valid() {
		return fmt.Errorf("%w: unknown order type %q", ErrMalformedCommand, c.OrderType)
	}
	if err := utils.ValidatePositive("size", c.Size); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if err := utils.ValidatePositive("price", c.Price); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if err := utils.ValidateNonNegative("estimated_slippage_bps", c.EstimatedSlippageBps); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return nil
}

// Notional - номинал ордера |size × price|
func (c Command) Notional() float64 {
	return utils.Notional(c.Size, c.Price)
}

// CanonicalSymbol - ключ символа для теневого состояния, лимитера и whitelist
func (c Command) CanonicalSymbol() string {
	return utils.CanonicalSymbol(c.Symbol)
}

// EnvelopeType - тип конверта торговой команды
const (
	EnvelopeType    = "risk.command"
	EnvelopeVersion = 1
)

// CommandEnvelope - подписанный конверт команды.
// Подпись покрывает каноническое представление всех полей, кроме signature.
type CommandEnvelope struct {
	Type          string  `json:"type"`
	Version       int     `json:"version"`
	ID            string  `json:"id"`
	Producer      string  `json:"producer"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Timestamp     int64   `json:"timestamp"` // unix ms
	PolicyHash    string  `json:"policy_hash"`
	Payload       Command `json:"payload"`
	Signature     string  `json:"signature,omitempty"`
	KeyID         string  `json:"key_id,omitempty"`
}
