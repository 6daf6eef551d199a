package shadow

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"titan/internal/models"
	"titan/pkg/utils"
)

// State - теневое состояние счета: позиции, открытые ордера и эквити.
//
// Источник изменений - только подтвержденные события биржи (fill, ack ордера,
// снимок эквити, mark-цена). Кандидатная команда никогда не меняет состояние:
// RiskGuard получает копию View под замком символа.
//
// Блокировки:
// - book.mu сериализует все операции одного символа (оценка команды и fill)
// - State.mu защищает агрегаты счета, берется всегда после book.mu
type State struct {
	booksMu sync.RWMutex
	books   map[string]*book

	mu             sync.Mutex
	balance        float64 // кэш + реализованный PnL - комиссии
	realizedToday  float64
	dayStart       time.Time
	dayStartEquity float64
	notional       map[string]float64 // номинал по mark на символ
	unrealized     map[string]float64
	appliedFills   map[string]struct{}
	fillOrder      []string
	exchangeEquity float64
	exchangeAt     time.Time
	seeded         bool

	clock func() time.Time
}

type book struct {
	mu         sync.Mutex
	symbol     string
	pos        models.Position
	openOrders map[string]struct{}
}

// maxRememberedFills - сколько id примененных fill помним для дедупликации
const maxRememberedFills = 100000

// ErrInvalidFill - fill с нулевым/отрицательным размером, ценой или неизвестной стороной
var ErrInvalidFill = errors.New("invalid fill")

// New создает пустое состояние. initialBalance > 0 считается холодным снимком.
func New(initialBalance float64, clock func() time.Time) *State {
	if clock == nil {
		clock = time.Now
	}
	s := &State{clock: clock}
	s.reset(initialBalance)
	return s
}

func (s *State) reset(balance float64) {
	now := s.clock()
	s.booksMu.Lock()
	s.books = make(map[string]*book)
	s.booksMu.Unlock()

	s.mu.Lock()
	s.balance = balance
	s.realizedToday = 0
	s.dayStart = utils.GetDayStartFrom(now)
	s.dayStartEquity = balance
	s.notional = make(map[string]float64)
	s.unrealized = make(map[string]float64)
	s.appliedFills = make(map[string]struct{})
	s.fillOrder = nil
	s.exchangeEquity = 0
	s.exchangeAt = time.Time{}
	s.seeded = balance > 0
	s.mu.Unlock()
}

// bookFor возвращает книгу символа, создавая при первом обращении
func (s *State) bookFor(symbol string) *book {
	key := utils.CanonicalSymbol(symbol)

	s.booksMu.RLock()
	b, ok := s.books[key]
	s.booksMu.RUnlock()
	if ok {
		return b
	}

	s.booksMu.Lock()
	defer s.booksMu.Unlock()
	if b, ok = s.books[key]; ok {
		return b
	}
	b = &book{
		symbol:     key,
		pos:        models.Position{Symbol: key, Side: models.PositionFlat},
		openOrders: make(map[string]struct{}),
	}
	s.books[key] = b
	return b
}

// ============================================================
// Чтение
// ============================================================

// View - согласованный снимок одного символа и счета для оценки команды
type View struct {
	Symbol         string
	Position       models.Position
	OpenOrders     int
	Equity         float64
	TotalNotional  float64 // номинал всех позиций, включая этот символ
	SymbolNotional float64
	DailyPnL       float64 // realized за торговый день + текущий unrealized
}

// WithSymbol выполняет fn под замком символа.
// Пока fn работает, fill по этому символу ждет: оценка не увидит частично примененный fill.
func (s *State) WithSymbol(symbol string, fn func(View)) {
	b := s.bookFor(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	fn(s.viewLocked(b))
}

// Snapshot - копия View без удержания замка
func (s *State) Snapshot(symbol string) View {
	var v View
	s.WithSymbol(symbol, func(view View) { v = view })
	return v
}

func (s *State) viewLocked(b *book) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked(s.clock())

	return View{
		Symbol:         b.symbol,
		Position:       b.pos,
		OpenOrders:     len(b.openOrders),
		Equity:         s.equityLocked(),
		TotalNotional:  s.totalNotionalLocked(),
		SymbolNotional: s.notional[b.symbol],
		DailyPnL:       s.realizedToday + s.unrealizedLocked(),
	}
}

// Positions возвращает все непустые позиции, отсортированные по символу
func (s *State) Positions() []models.Position {
	s.booksMu.RLock()
	books := make([]*book, 0, len(s.books))
	for _, b := range s.books {
		books = append(books, b)
	}
	s.booksMu.RUnlock()

	out := make([]models.Position, 0, len(books))
	for _, b := range books {
		b.mu.Lock()
		if !b.pos.IsFlat() {
			out = append(out, b.pos)
		}
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenOrders - число открытых ордеров по символу
func (s *State) OpenOrders(symbol string) int {
	b := s.bookFor(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.openOrders)
}

// Account - агрегаты счета
type Account struct {
	Balance        float64   `json:"balance"`
	Equity         float64   `json:"equity"`
	RealizedToday  float64   `json:"realized_today"`
	Unrealized     float64   `json:"unrealized"`
	DailyPnL       float64   `json:"daily_pnl"`
	DayStart       time.Time `json:"day_start"`
	DayStartEquity float64   `json:"day_start_equity"`
	TotalNotional  float64   `json:"total_notional"`
	Leverage       float64   `json:"leverage"`
	ExchangeEquity float64   `json:"exchange_equity"`
	ExchangeAt     time.Time `json:"exchange_at"`
}

// DrawdownPct - дневная просадка в процентах от эквити на начало дня (0, если PnL >= 0)
func (a Account) DrawdownPct() float64 {
	if a.DailyPnL >= 0 || a.DayStartEquity <= 0 {
		return 0
	}
	return -a.DailyPnL / a.DayStartEquity * 100
}

// Account возвращает агрегаты счета на текущий момент
func (s *State) Account() Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked(s.clock())

	equity := s.equityLocked()
	total := s.totalNotionalLocked()
	lev := 0.0
	if equity > 0 {
		lev = total / equity
	}
	unrealized := s.unrealizedLocked()
	return Account{
		Balance:        s.balance,
		Equity:         equity,
		RealizedToday:  s.realizedToday,
		Unrealized:     unrealized,
		DailyPnL:       s.realizedToday + unrealized,
		DayStart:       s.dayStart,
		DayStartEquity: s.dayStartEquity,
		TotalNotional:  total,
		Leverage:       lev,
		ExchangeEquity: s.exchangeEquity,
		ExchangeAt:     s.exchangeAt,
	}
}

func (s *State) equityLocked() float64 {
	return s.balance + s.unrealizedLocked()
}

func (s *State) unrealizedLocked() float64 {
	var sum float64
	for _, u := range s.unrealized {
		sum += u
	}
	return sum
}

func (s *State) totalNotionalLocked() float64 {
	var sum float64
	for _, n := range s.notional {
		sum += n
	}
	return sum
}

// rollDayLocked сбрасывает дневной realized PnL при смене торгового дня (UTC)
func (s *State) rollDayLocked(now time.Time) {
	if utils.SameTradingDay(s.dayStart, now) || now.Before(s.dayStart) {
		return
	}
	s.dayStart = utils.GetDayStartFrom(now)
	s.realizedToday = 0
	s.dayStartEquity = s.equityLocked()
}

// ============================================================
// Подтвержденные события
// ============================================================

// FillResult - итог применения fill
type FillResult struct {
	Applied   bool
	Duplicate bool
	Realized  float64
	Position  models.Position
}

// ApplyFill применяет подтвержденное исполнение.
//
// Та же сторона - доливка со средневзвешенной ценой входа.
// Противоположная - реализация PnL на закрытом объеме; остаток сверх позиции
// открывает разворот по цене fill. Комиссия уменьшает баланс и дневной PnL.
// Повторный fill_id игнорируется.
func (s *State) ApplyFill(f models.Fill) (FillResult, error) {
	if !f.Side.Valid() || f.Size <= 0 || f.Price <= 0 || math.IsNaN(f.Size+f.Price+f.Fee) || math.IsInf(f.Size+f.Price, 0) {
		return FillResult{}, ErrInvalidFill
	}
	if err := utils.ValidateSymbol(f.Symbol); err != nil {
		return FillResult{}, err
	}

	b := s.bookFor(f.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if f.FillID != "" {
		if _, dup := s.appliedFills[f.FillID]; dup {
			return FillResult{Duplicate: true, Position: b.pos}, nil
		}
		s.rememberFillLocked(f.FillID)
	}

	at := f.Timestamp
	if at.IsZero() {
		at = s.clock()
	}
	s.rollDayLocked(s.clock())

	pos := b.pos
	current := pos.SignedSize()
	delta := float64(f.Side.Sign()) * f.Size
	var realized float64

	switch {
	case current == 0 || (current > 0) == (delta > 0):
		// открытие или доливка
		pos.EntryPrice = utils.WeightedEntry(math.Abs(current), pos.EntryPrice, f.Size, f.Price)
		current += delta

	default:
		closed := math.Min(f.Size, math.Abs(current))
		realized = utils.PositionPNL(pos.Direction(), pos.EntryPrice, f.Price, closed)
		current += delta
		if math.Abs(current) <= models.SizeEpsilon {
			current = 0
			pos.EntryPrice = 0
		} else if f.Size > closed {
			// разворот: остаток открыт по цене fill
			pos.EntryPrice = f.Price
		}
	}

	pos.Side = models.SideForSigned(current)
	pos.Size = math.Abs(current)
	if pos.Side == models.PositionFlat {
		pos.Size = 0
	}
	pos.MarkPrice = f.Price
	pos.LastUpdate = at

	s.balance += realized - f.Fee
	if utils.SameTradingDay(at, s.dayStart) {
		s.realizedToday += realized - f.Fee
	}
	if !s.seeded && s.balance != 0 {
		s.seeded = true
	}

	b.pos = s.revalueLocked(pos)
	return FillResult{Applied: true, Realized: realized, Position: b.pos}, nil
}

func (s *State) rememberFillLocked(id string) {
	s.appliedFills[id] = struct{}{}
	s.fillOrder = append(s.fillOrder, id)
	if len(s.fillOrder) > maxRememberedFills {
		drop := len(s.fillOrder) - maxRememberedFills
		for _, old := range s.fillOrder[:drop] {
			delete(s.appliedFills, old)
		}
		s.fillOrder = append([]string(nil), s.fillOrder[drop:]...)
	}
}

// revalueLocked пересчитывает unrealized, номинал и плечо позиции по ее mark
func (s *State) revalueLocked(pos models.Position) models.Position {
	if pos.IsFlat() {
		pos.UnrealizedPnl = 0
		pos.Leverage = 0
		delete(s.unrealized, pos.Symbol)
		delete(s.notional, pos.Symbol)
		return pos
	}

	pos.UnrealizedPnl = utils.PositionPNL(pos.Direction(), pos.EntryPrice, pos.MarkPrice, pos.Size)
	s.unrealized[pos.Symbol] = pos.UnrealizedPnl
	s.notional[pos.Symbol] = pos.Notional()

	pos.Leverage = 0
	if eq := s.equityLocked(); eq > 0 {
		pos.Leverage = pos.Notional() / eq
	}
	return pos
}

// Mark обновляет mark-цену символа (unrealized PnL и номинал)
func (s *State) Mark(m models.MarkPrice) error {
	if m.Price <= 0 || math.IsNaN(m.Price) || math.IsInf(m.Price, 0) {
		return utils.ErrNotPositive
	}
	b := s.bookFor(m.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := b.pos
	pos.MarkPrice = m.Price
	if !m.Timestamp.IsZero() {
		pos.LastUpdate = m.Timestamp
	}
	b.pos = s.revalueLocked(pos)
	return nil
}

// ApplyOrderUpdate ведет множество открытых ордеров символа по ack биржи.
// Возвращает число открытых ордеров после обновления.
func (s *State) ApplyOrderUpdate(u models.OrderUpdate) (int, error) {
	if u.OrderID == "" {
		return 0, errors.New("order update without order_id")
	}
	if err := utils.ValidateSymbol(u.Symbol); err != nil {
		return 0, err
	}

	b := s.bookFor(u.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case u.Status == models.OrderStatusOpen:
		b.openOrders[u.OrderID] = struct{}{}
	case u.Status.Terminal():
		delete(b.openOrders, u.OrderID)
	default:
		return len(b.openOrders), errors.New("unknown order status " + string(u.Status))
	}
	return len(b.openOrders), nil
}

// ApplyEquitySnapshot запоминает эквити по данным биржи и возвращает отклонение
// |internal - exchange| / exchange. Расхождение не исправляется: это сигнал для breaker.
// Первый снимок до любых fill служит холодным стартом баланса.
func (s *State) ApplyEquitySnapshot(snap models.EquitySnapshot) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := snap.Timestamp
	if at.IsZero() {
		at = s.clock()
	}
	s.exchangeEquity = snap.Equity
	s.exchangeAt = at

	if !s.seeded && len(s.appliedFills) == 0 && snap.Equity > 0 {
		s.balance = snap.Equity
		s.dayStartEquity = snap.Equity
		s.seeded = true
	}

	return utils.Ratio(s.equityLocked(), snap.Equity)
}

// Deviation - последнее отклонение от эквити биржи (0, если снимков не было)
func (s *State) Deviation() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exchangeAt.IsZero() {
		return 0
	}
	return utils.Ratio(s.equityLocked(), s.exchangeEquity)
}

// Restore перестраивает состояние после рестарта: баланс холодного снимка
// (до первого fill журнала) и повтор журнала подтвержденных fill в порядке времени.
// В дневной PnL попадают только fill текущего торгового дня.
func (s *State) Restore(balance float64, fills []models.Fill) (int, error) {
	s.reset(balance)

	ordered := append([]models.Fill(nil), fills...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	applied := 0
	for _, f := range ordered {
		res, err := s.ApplyFill(f)
		if err != nil {
			return applied, err
		}
		if res.Applied {
			applied++
		}
	}

	s.mu.Lock()
	s.dayStartEquity = s.balance - s.realizedToday
	s.mu.Unlock()
	return applied, nil
}
