package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"titan/internal/models"
	"titan/pkg/utils"
)

// ErrNotHalted - ClearHalt вызван вне режима Halted
var ErrNotHalted = errors.New("breaker is not halted")

// Thresholds - пороги входа в режимы. Просадка и отклонение в процентах.
type Thresholds struct {
	CautiousConfidence    float64
	CautiousDrawdownPct   float64
	DefensiveConfidence   float64
	DefensiveDrawdownPct  float64
	DefensiveDeviationPct float64
	EmergencyConfidence   float64
	EmergencyDrawdownPct  float64
}

// DefaultThresholds - пороги по умолчанию
func DefaultThresholds() Thresholds {
	return Thresholds{
		CautiousConfidence:    0.8,
		CautiousDrawdownPct:   3,
		DefensiveConfidence:   0.5,
		DefensiveDrawdownPct:  5,
		DefensiveDeviationPct: 5,
		EmergencyConfidence:   0.3,
		EmergencyDrawdownPct:  8,
	}
}

// Config - параметры breaker
type Config struct {
	Thresholds Thresholds
	Dwell      time.Duration // непрерывное восстановление для шага вниз
	StaleAfter time.Duration // без сигнала дольше - Defensive
}

// DefaultConfig - конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Thresholds: DefaultThresholds(),
		Dwell:      60 * time.Second,
		StaleAfter: 5 * time.Second,
	}
}

// Signal - наблюдение контура скоринга.
// At - время сигнала уверенности: по нему считается свежесть.
// ObservedAt - момент наблюдения: время переходов и отсчет Dwell. Пустое = At.
type Signal struct {
	Confidence   float64   `json:"confidence"`
	DrawdownPct  float64   `json:"drawdown_pct"`
	DeviationPct float64   `json:"deviation_pct"`
	At           time.Time `json:"at"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Severity - режим, которого требует сигнал
func (t Thresholds) Severity(s Signal) Mode {
	switch {
	case s.Confidence < t.EmergencyConfidence || s.DrawdownPct > t.EmergencyDrawdownPct:
		return ModeEmergency
	case s.Confidence < t.DefensiveConfidence || s.DrawdownPct > t.DefensiveDrawdownPct ||
		s.DeviationPct > t.DefensiveDeviationPct:
		return ModeDefensive
	case s.Confidence < t.CautiousConfidence || s.DrawdownPct > t.CautiousDrawdownPct:
		return ModeCautious
	default:
		return ModeNormal
	}
}

// Transition - смена режима
type Transition struct {
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Listener получает переходы после снятия замка
type Listener func(Transition)

// Status - снимок состояния для API
type Status struct {
	Mode       Mode      `json:"mode"`
	Info       string    `json:"info"`
	Reason     string    `json:"reason"`
	Since      time.Time `json:"since"`
	LastSignal Signal    `json:"last_signal"`
}

// Breaker - рефлекторный автомат режимов.
//
// Чтение режима (Mode, Admit) - atomic без замков: его делает каждая оценка команды.
// Изменения идут через mu: один писатель (контур сигналов), плюс оператор.
type Breaker struct {
	mode atomic.Int32

	mu         sync.Mutex
	cfg        Config
	reason     string
	since      time.Time
	last       Signal
	belowSince time.Time // начало непрерывного восстановления ниже текущего режима
	listeners  []Listener

	lock   *Lockfile
	logger *utils.Logger
	clock  func() time.Time
}

// New создает breaker в Normal. lock может быть nil (без персистентности).
func New(cfg Config, lock *Lockfile, logger *utils.Logger, clock func() time.Time) *Breaker {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	def := DefaultConfig()
	if cfg.Dwell <= 0 {
		cfg.Dwell = def.Dwell
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}

	now := clock()
	b := &Breaker{
		cfg:    cfg,
		since:  now,
		last:   Signal{Confidence: 1, At: now},
		lock:   lock,
		logger: logger.WithComponent("breaker"),
		clock:  clock,
	}
	b.mode.Store(int32(ModeNormal))
	return b
}

// Restore поднимает персистентный Halted при старте
func (b *Breaker) Restore() error {
	if b.lock == nil {
		return nil
	}
	reason, err := b.lock.Start(b.clock())
	if reason != "" {
		b.Halt(reason)
	}
	return err
}

// Shutdown отмечает чистое завершение
func (b *Breaker) Shutdown() error {
	if b.lock == nil {
		return nil
	}
	return b.lock.Stop()
}

// OnTransition регистрирует слушателя переходов
func (b *Breaker) OnTransition(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Mode - текущий режим, без блокировок
func (b *Breaker) Mode() Mode {
	return Mode(b.mode.Load())
}

// Status - полный снимок состояния
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.Mode()
	return Status{Mode: m, Info: ModeInfo(m), Reason: b.reason, Since: b.since, LastSignal: b.last}
}

// Admit решает, допускается ли команда к RiskGuard в текущем режиме.
// Пустой код - допущена. Операторский FLATTEN допускается всегда.
func (b *Breaker) Admit(kind models.CommandKind, reduceOnly bool) models.ReasonCode {
	return AdmitIn(b.Mode(), kind, reduceOnly)
}

// AdmitIn - правило допуска для заданного режима
func AdmitIn(m Mode, kind models.CommandKind, reduceOnly bool) models.ReasonCode {
	if kind == models.CommandFlatten {
		return ""
	}
	switch m {
	case ModeHalted, ModeEmergency:
		return models.ReasonSystemHalted
	case ModeDefensive:
		if !reduceOnly {
			return models.ReasonSystemDefensive
		}
	}
	return ""
}

// Observe обрабатывает сигнал: эскалация сразу до требуемого уровня,
// восстановление на один уровень после Dwell непрерывно низкой тяжести.
func (b *Breaker) Observe(sig Signal) Mode {
	if sig.At.IsZero() {
		sig.At = b.clock()
	}
	if sig.ObservedAt.IsZero() {
		sig.ObservedAt = sig.At
	}
	at := sig.ObservedAt

	b.mu.Lock()
	b.last = sig
	cur := b.Mode()
	if cur == ModeHalted {
		b.mu.Unlock()
		return cur
	}

	severity := b.cfg.Thresholds.Severity(sig)
	var tr *Transition

	switch {
	case severity > cur:
		b.belowSince = time.Time{}
		tr = b.transitionLocked(severity, describe(sig, severity), at)

	case severity == cur:
		b.belowSince = time.Time{}

	case b.cfg.StaleAfter > 0 && at.Sub(sig.At) > b.cfg.StaleAfter:
		// восстановление только по свежей уверенности
		b.belowSince = time.Time{}

	default:
		if b.belowSince.IsZero() {
			b.belowSince = at
		}
		if at.Sub(b.belowSince) >= b.cfg.Dwell {
			next := cur - 1
			tr = b.transitionLocked(next, "sustained recovery", at)
			// следующий шаг вниз требует нового полного Dwell
			b.belowSince = time.Time{}
			if severity < next {
				b.belowSince = at
			}
		}
	}
	b.mu.Unlock()

	b.notify(tr)
	return b.Mode()
}

// CheckStale переводит систему в Defensive, если сигнал уверенности не приходил дольше StaleAfter
func (b *Breaker) CheckStale(now time.Time) bool {
	b.mu.Lock()
	cur := b.Mode()
	age := now.Sub(b.last.At)
	if cur >= ModeDefensive || age <= b.cfg.StaleAfter {
		b.mu.Unlock()
		return false
	}
	b.belowSince = time.Time{}
	tr := b.transitionLocked(ModeDefensive, "confidence signal stale for "+age.Truncate(time.Millisecond).String(), now)
	b.mu.Unlock()

	b.notify(tr)
	return true
}

// Halt - фатальная остановка из любого режима.
// Повторный Halt не перезаписывает исходную причину.
func (b *Breaker) Halt(reason string) bool {
	b.mu.Lock()
	if b.Mode() == ModeHalted {
		b.mu.Unlock()
		return false
	}
	b.belowSince = time.Time{}
	tr := b.transitionLocked(ModeHalted, reason, b.clock())
	b.mu.Unlock()

	if b.lock != nil {
		if err := b.lock.WriteHalt(reason); err != nil {
			b.logger.Error("failed to persist halt", utils.Err(err))
		}
	}
	b.notify(tr)
	return true
}

// ClearHalt - операторский выход из Halted в Defensive
func (b *Breaker) ClearHalt(operator string) error {
	b.mu.Lock()
	if b.Mode() != ModeHalted {
		b.mu.Unlock()
		return ErrNotHalted
	}
	now := b.clock()
	tr := b.transitionLocked(ModeDefensive, "halt cleared by "+operator, now)
	// старый сигнал не должен сразу вернуть в Defensive по свежести
	b.last.At = now
	b.mu.Unlock()

	if b.lock != nil {
		if err := b.lock.ClearHalt(); err != nil {
			b.logger.Error("failed to clear persisted halt", utils.Err(err))
		}
	}
	b.notify(tr)
	return nil
}

func (b *Breaker) transitionLocked(to Mode, reason string, at time.Time) *Transition {
	from := b.Mode()
	if from == to || !CanTransition(from, to) {
		return nil
	}
	b.mode.Store(int32(to))
	b.reason = reason
	b.since = at
	return &Transition{From: from, To: to, Reason: reason, At: at}
}

func (b *Breaker) notify(tr *Transition) {
	if tr == nil {
		return
	}

	fields := []utils.Field{
		utils.String("from", tr.From.String()),
		utils.Mode(tr.To.String()),
		utils.Reason(tr.Reason),
	}
	switch {
	case tr.To == ModeHalted:
		b.logger.Error("breaker halted", fields...)
	case tr.To > tr.From:
		b.logger.Warn("breaker escalated", fields...)
	default:
		b.logger.Info("breaker recovered", fields...)
	}

	b.mu.Lock()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()
	for _, l := range listeners {
		l(*tr)
	}
}

func describe(s Signal, m Mode) string {
	return "confidence=" + utils.FormatFloat(s.Confidence, 3) +
		" drawdown_pct=" + utils.FormatFloat(s.DrawdownPct, 2) +
		" deviation_pct=" + utils.FormatFloat(s.DeviationPct, 2) +
		" requires " + m.String()
}
