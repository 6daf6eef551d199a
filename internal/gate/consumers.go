package gate

import (
	"fmt"

	"titan/internal/breaker"
	"titan/internal/models"
	"titan/pkg/utils"
)

// Потребители подтвержденных событий биржи и сигналов скоринга.
// Состояние меняется только здесь, никогда по кандидатной команде.

func (e *Engine) onFill(f models.Fill) error {
	res, err := e.shadow.ApplyFill(f)
	if err != nil {
		return err
	}
	if res.Duplicate {
		e.logger.Debug("duplicate fill ignored", utils.String("fill_id", f.FillID))
		return nil
	}
	if e.audit != nil {
		e.audit.RecordFill(f)
	}

	e.logger.Info("fill applied",
		utils.Symbol(f.Symbol),
		utils.Side(string(f.Side)),
		utils.Size(f.Size),
		utils.Price(f.Price),
		utils.Float64("realized", res.Realized),
		utils.Float64("position", res.Position.SignedSize()),
	)
	e.observe()
	return nil
}

func (e *Engine) onOrderUpdate(u models.OrderUpdate) error {
	open, err := e.shadow.ApplyOrderUpdate(u)
	if err != nil {
		return err
	}
	e.logger.Debug("order update",
		utils.OrderID(u.OrderID),
		utils.Symbol(u.Symbol),
		utils.String("status", string(u.Status)),
		utils.Int("open_orders", open),
	)
	return nil
}

func (e *Engine) onEquity(snap models.EquitySnapshot) error {
	if snap.Equity <= 0 {
		return fmt.Errorf("equity snapshot must be positive, got %v", snap.Equity)
	}
	dev := e.shadow.ApplyEquitySnapshot(snap)
	EquityDeviation.Set(dev)
	e.observe()
	return nil
}

func (e *Engine) onConfidence(sig models.ConfidenceSignal) error {
	if sig.Confidence < 0 || sig.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]", sig.Confidence)
	}
	at := sig.Timestamp
	if at.IsZero() {
		at = e.clock()
	}

	e.confMu.Lock()
	e.lastConf = sig.Confidence
	e.lastConfAt = at
	e.confMu.Unlock()

	e.observe()
	return nil
}

func (e *Engine) onAnnouncement(ann models.PolicyAnnouncement) error {
	if err := e.auth.AuthenticateAnnouncement(ann); err != nil {
		return err
	}
	return e.hs.Check(ann.Producer, ann.PolicyHash)
}

// observe собирает сигнал для breaker: уверенность, просадка дня и расхождение с биржей.
// At - время последней уверенности (устаревание), ObservedAt - текущий момент (время перехода).
func (e *Engine) observe() breaker.Mode {
	acc := e.shadow.Account()
	ShadowEquity.Set(acc.Equity)

	e.confMu.Lock()
	sig := breaker.Signal{
		Confidence:   e.lastConf,
		DrawdownPct:  acc.DrawdownPct(),
		DeviationPct: e.shadow.Deviation() * 100,
		At:           e.lastConfAt,
		ObservedAt:   e.clock(),
	}
	e.confMu.Unlock()

	return e.brk.Observe(sig)
}

// Observe - ручной прогон сигнала (тесты, операторская диагностика)
func (e *Engine) Observe() breaker.Mode {
	return e.observe()
}
