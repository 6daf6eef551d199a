package gate

import (
	"titan/internal/breaker"
	"titan/internal/handshake"
	"titan/internal/models"
	"titan/internal/policy"
	"titan/internal/shadow"
)

// Чтение состояния для API и websocket. Ничего здесь не меняет состояние.

// BreakerStatus - режим, причина и последний сигнал
func (e *Engine) BreakerStatus() breaker.Status { return e.brk.Status() }

// Policy - текущий снимок политики
func (e *Engine) Policy() *policy.Snapshot { return e.store.Current() }

// Signers - подписанты, замеченные handshake
func (e *Engine) Signers() []handshake.SignerInfo { return e.hs.Signers() }

// Positions - открытые позиции теневого состояния
func (e *Engine) Positions() []models.Position { return e.shadow.Positions() }

// Account - агрегаты счета
func (e *Engine) Account() shadow.Account { return e.shadow.Account() }
