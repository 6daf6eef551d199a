package risk

import (
	"fmt"
	"math"

	"titan/internal/models"
	"titan/internal/policy"
	"titan/internal/shadow"
)

// Verdict - результат оценки: Allow с командой без изменений или Reject с кодом причины
type Verdict struct {
	Allowed bool
	Command models.Command // при Allow - ровно та команда, что пришла
	Reason  models.ReasonCode
	Detail  string

	ReduceOnly        bool
	ProjectedNotional float64
	ProjectedLeverage float64
}

// Allow - команда допускается без переписывания полей
func Allow(cmd models.Command) Verdict {
	return Verdict{Allowed: true, Command: cmd}
}

// Reject - отказ с кодом из закрытого набора
func Reject(reason models.ReasonCode, format string, args ...interface{}) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (v Verdict) String() string {
	if v.Allowed {
		return "Allow"
	}
	return fmt.Sprintf("Reject(%s): %s", v.Reason, v.Detail)
}

// IsReduceOnly - команда только уменьшает существующую позицию:
// противоположная сторона и размер не больше текущего.
func IsReduceOnly(cmd models.Command, pos models.Position) bool {
	if cmd.Kind == models.CommandCancelOrder {
		return true
	}
	if pos.IsFlat() || !cmd.Side.Valid() {
		return false
	}
	if cmd.Side.Sign() == pos.Direction() {
		return false
	}
	return cmd.Size <= pos.Size+models.SizeEpsilon
}

// Evaluate - чистая функция оценки команды против снимка теневого состояния и политики.
//
// FLATTEN проверяется только на то, что он уменьшает позицию.
// Порядок проверок остальных видов (первый отказ прерывает):
//  1. whitelist символа
//  2. номинал ордера и прогнозной позиции
//  3. прогнозное плечо счета
//  4. лимит открытых ордеров
//  5. проскальзывание (только market)
//  6. дневной убыток (только для команд, не уменьшающих позицию)
//
// Уменьшающие позицию команды не блокируются лимитами номинала, плеча и дневного убытка.
func Evaluate(cmd models.Command, view shadow.View, pol policy.RiskPolicy) Verdict {
	if err := cmd.Validate(); err != nil {
		return Reject(models.ReasonMalformedCommand, "%v", err)
	}

	reduceOnly := IsReduceOnly(cmd, view.Position)

	// операторский flatten закрывает позицию даже по символу, убранному из whitelist
	if cmd.Kind == models.CommandFlatten {
		if !reduceOnly {
			return Reject(models.ReasonMalformedCommand, "FLATTEN must reduce the existing %s position", view.Position.Side)
		}
		return project(cmd, view).allow(cmd, true)
	}

	if !pol.Whitelisted(cmd.Symbol) {
		return Reject(models.ReasonSymbolNotWhitelisted, "symbol %s is not in the whitelist", cmd.CanonicalSymbol())
	}

	switch cmd.Kind {
	case models.CommandCancelOrder:
		return Allow(cmd)
	case models.CommandPlaceOrder, models.CommandClosePosition:
	default:
		return Reject(models.ReasonMalformedCommand, "unknown command kind %q", cmd.Kind)
	}

	if cmd.Kind == models.CommandClosePosition && !reduceOnly {
		return Reject(models.ReasonMalformedCommand, "%s must reduce the existing %s position", cmd.Kind, view.Position.Side)
	}
	if cmd.ReduceOnly && !reduceOnly {
		return Reject(models.ReasonMalformedCommand, "reduce_only order would not reduce the %s position", view.Position.Side)
	}

	p := project(cmd, view)

	if !reduceOnly {
		if n := cmd.Notional(); n > pol.MaxPositionNotional {
			return p.reject(models.ReasonNotionalExceeded, "order notional %.2f exceeds max %.2f", n, pol.MaxPositionNotional)
		}
		if p.symbolNotional > pol.MaxPositionNotional {
			return p.reject(models.ReasonNotionalExceeded, "projected position notional %.2f exceeds max %.2f", p.symbolNotional, pol.MaxPositionNotional)
		}
	}

	if p.increasesExposure {
		if view.Equity <= 0 {
			return p.reject(models.ReasonLeverageExceeded, "equity %.2f is not positive", view.Equity)
		}
		if p.leverage > pol.MaxAccountLeverage {
			return p.reject(models.ReasonLeverageExceeded, "projected leverage %.2f exceeds max %.2f", p.leverage, pol.MaxAccountLeverage)
		}
	}

	if cmd.Kind.CreatesOrder() && view.OpenOrders >= pol.MaxOpenOrdersPerSymbol {
		return p.reject(models.ReasonOrderCapExceeded, "%d open orders on %s, max %d", view.OpenOrders, view.Symbol, pol.MaxOpenOrdersPerSymbol)
	}

	if cmd.OrderType == models.OrderTypeMarket && cmd.EstimatedSlippageBps > pol.MaxSlippageBps {
		return p.reject(models.ReasonSlippageExceeded, "estimated slippage %.1f bps exceeds max %.1f", cmd.EstimatedSlippageBps, pol.MaxSlippageBps)
	}

	if !reduceOnly && view.DailyPnL < -pol.MaxDailyLoss {
		return p.reject(models.ReasonDailyLossLimitHit, "daily pnl %.2f below -%.2f", view.DailyPnL, pol.MaxDailyLoss)
	}

	return p.allow(cmd, reduceOnly)
}

// projection - результат применения команды к копии позиции
type projection struct {
	symbolNotional    float64
	totalNotional     float64
	leverage          float64
	increasesExposure bool
}

// project симулирует полное исполнение команды по ее цене.
// Позиция в view - значение, реальное состояние не затрагивается.
func project(cmd models.Command, view shadow.View) projection {
	current := view.Position.SignedSize()
	projected := current + float64(cmd.Side.Sign())*cmd.Size

	var p projection
	p.symbolNotional = math.Abs(projected) * cmd.Price
	p.totalNotional = view.TotalNotional - view.SymbolNotional + p.symbolNotional
	if p.totalNotional < 0 {
		p.totalNotional = 0
	}
	if view.Equity > 0 {
		p.leverage = p.totalNotional / view.Equity
	} else if p.totalNotional > 0 {
		p.leverage = math.Inf(1)
	}
	p.increasesExposure = math.Abs(projected) > math.Abs(current)+models.SizeEpsilon
	return p
}

func (p projection) allow(cmd models.Command, reduceOnly bool) Verdict {
	v := Allow(cmd)
	v.ReduceOnly = reduceOnly
	v.ProjectedNotional = p.symbolNotional
	v.ProjectedLeverage = p.leverage
	return v
}

func (p projection) reject(reason models.ReasonCode, format string, args ...interface{}) Verdict {
	v := Reject(reason, format, args...)
	v.ProjectedNotional = p.symbolNotional
	v.ProjectedLeverage = p.leverage
	return v
}
