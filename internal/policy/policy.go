package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"titan/internal/models"
	"titan/pkg/ratelimit"
	"titan/pkg/utils"
)

// ErrPolicyInvalid - документ политики не прошел валидацию
var ErrPolicyInvalid = errors.New("invalid risk policy")

// RateLimit - параметры token bucket для пары (symbol, тип команды)
type RateLimit struct {
	Capacity        float64 `yaml:"capacity" json:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second" json:"refill_per_second"`
}

// RateLimits - лимит по умолчанию и переопределения по типу команды
type RateLimits struct {
	Default   RateLimit            `yaml:"default" json:"default"`
	Overrides map[string]RateLimit `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// RiskPolicy - версия политики риска. Неизменяема после загрузки.
type RiskPolicy struct {
	Version                     string     `yaml:"version" json:"version"`
	MaxAccountLeverage          float64    `yaml:"max_account_leverage" json:"max_account_leverage"`
	MaxPositionNotional         float64    `yaml:"max_position_notional" json:"max_position_notional"`
	MaxDailyLoss                float64    `yaml:"max_daily_loss" json:"max_daily_loss"` // положительная величина допустимого убытка
	MaxOpenOrdersPerSymbol      int        `yaml:"max_open_orders_per_symbol" json:"max_open_orders_per_symbol"`
	MaxSlippageBps              float64    `yaml:"max_slippage_bps" json:"max_slippage_bps"`
	SymbolWhitelist             []string   `yaml:"symbol_whitelist" json:"symbol_whitelist"`
	CorrelationPenaltyThreshold float64    `yaml:"correlation_penalty_threshold" json:"correlation_penalty_threshold"`
	CorrelationPenaltyFactor    float64    `yaml:"correlation_penalty_factor" json:"correlation_penalty_factor"`
	RateLimits                  RateLimits `yaml:"rate_limits" json:"rate_limits"`
}

// Defaults - значения для полей, отсутствующих в документе
func Defaults() RiskPolicy {
	return RiskPolicy{
		Version:                     "1",
		MaxAccountLeverage:          10,
		MaxPositionNotional:         50000,
		MaxDailyLoss:                1000,
		MaxOpenOrdersPerSymbol:      5,
		MaxSlippageBps:              100,
		SymbolWhitelist:             []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
		CorrelationPenaltyThreshold: 0.7,
		CorrelationPenaltyFactor:    0.5,
		RateLimits: RateLimits{
			Default: RateLimit{Capacity: 5, RefillPerSecond: 5.0 / 60},
		},
	}
}

// normalize приводит whitelist и ключи переопределений к канонической форме.
// Результат не делит память с исходником.
func (p RiskPolicy) normalize() RiskPolicy {
	out := p
	out.Version = strings.TrimSpace(p.Version)

	set := make(map[string]struct{}, len(p.SymbolWhitelist))
	out.SymbolWhitelist = make([]string, 0, len(p.SymbolWhitelist))
	for _, s := range p.SymbolWhitelist {
		c := utils.CanonicalSymbol(s)
		if c == "" {
			continue
		}
		if _, dup := set[c]; dup {
			continue
		}
		set[c] = struct{}{}
		out.SymbolWhitelist = append(out.SymbolWhitelist, c)
	}
	sort.Strings(out.SymbolWhitelist)

	out.RateLimits.Overrides = nil
	if len(p.RateLimits.Overrides) > 0 {
		out.RateLimits.Overrides = make(map[string]RateLimit, len(p.RateLimits.Overrides))
		for k, v := range p.RateLimits.Overrides {
			out.RateLimits.Overrides[strings.ToUpper(strings.TrimSpace(k))] = v
		}
	}
	return out
}

// Validate проверяет лимиты. Ошибка оборачивает ErrPolicyInvalid.
func (p RiskPolicy) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if p.Version == "" {
		add("version is required")
	}
	if p.MaxAccountLeverage <= 0 {
		add("max_account_leverage must be > 0")
	}
	if p.MaxPositionNotional <= 0 {
		add("max_position_notional must be > 0")
	}
	if p.MaxDailyLoss <= 0 {
		add("max_daily_loss must be > 0 (loss magnitude)")
	}
	if p.MaxOpenOrdersPerSymbol < 1 {
		add("max_open_orders_per_symbol must be >= 1")
	}
	if p.MaxSlippageBps < 0 {
		add("max_slippage_bps must be >= 0")
	}
	if len(p.SymbolWhitelist) == 0 {
		add("symbol_whitelist must not be empty")
	}
	for _, s := range p.SymbolWhitelist {
		if err := utils.ValidateSymbol(s); err != nil {
			add("symbol_whitelist: %v", err)
		}
	}
	if p.CorrelationPenaltyThreshold < 0 || p.CorrelationPenaltyThreshold > 1 {
		add("correlation_penalty_threshold must be in [0, 1]")
	}
	if p.CorrelationPenaltyFactor < 0 || p.CorrelationPenaltyFactor > 1 {
		add("correlation_penalty_factor must be in [0, 1]")
	}
	if err := p.RateLimits.Default.validate(); err != nil {
		add("rate_limits.default: %v", err)
	}
	for kind, rl := range p.RateLimits.Overrides {
		if !models.CommandKind(kind).Valid() {
			add("rate_limits.overrides: unknown command kind %q", kind)
		}
		if err := rl.validate(); err != nil {
			add("rate_limits.overrides[%s]: %v", kind, err)
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrPolicyInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (r RateLimit) validate() error {
	if r.Capacity < 1 {
		return errors.New("capacity must be >= 1")
	}
	if r.RefillPerSecond <= 0 {
		return errors.New("refill_per_second must be > 0")
	}
	return nil
}

// Whitelisted проверяет символ по отсортированному whitelist
func (p RiskPolicy) Whitelisted(symbol string) bool {
	c := utils.CanonicalSymbol(symbol)
	i := sort.SearchStrings(p.SymbolWhitelist, c)
	return i < len(p.SymbolWhitelist) && p.SymbolWhitelist[i] == c
}

// RateLimitFor возвращает лимит ведра для ключа лимитера
func (p RiskPolicy) RateLimitFor(key ratelimit.Key) ratelimit.Limit {
	rl := p.RateLimits.Default
	if o, ok := p.RateLimits.Overrides[key.Command]; ok {
		rl = o
	}
	return ratelimit.Limit{Capacity: rl.Capacity, RefillPerSecond: rl.RefillPerSecond}
}

// Clone возвращает глубокую копию
func (p RiskPolicy) Clone() RiskPolicy {
	out := p
	out.SymbolWhitelist = append([]string(nil), p.SymbolWhitelist...)
	if p.RateLimits.Overrides != nil {
		out.RateLimits.Overrides = make(map[string]RateLimit, len(p.RateLimits.Overrides))
		for k, v := range p.RateLimits.Overrides {
			out.RateLimits.Overrides[k] = v
		}
	}
	return out
}
