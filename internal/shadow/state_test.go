package shadow

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titan/internal/models"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newState(balance float64) (*State, *clock) {
	c := &clock{now: t0}
	return New(balance, c.Now), c
}

func fill(id string, side models.Side, size, price float64) models.Fill {
	return models.Fill{FillID: id, OrderID: "o-" + id, Symbol: "BTC/USDT", Side: side, Size: size, Price: price, Timestamp: t0}
}

func TestApplyFill_OpenAndPyramid(t *testing.T) {
	s, _ := newState(10000)

	res, err := s.ApplyFill(fill("1", models.SideBuy, 1, 50000))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.PositionLong, res.Position.Side)
	assert.Equal(t, 50000.0, res.Position.EntryPrice)

	res, err = s.ApplyFill(fill("2", models.SideBuy, 1, 52000))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.Position.Size, 1e-9)
	assert.InDelta(t, 51000.0, res.Position.EntryPrice, 1e-9)
	assert.Zero(t, res.Realized)
}

func TestApplyFill_ReduceCloseAndFlip(t *testing.T) {
	tests := []struct {
		name       string
		fills      []models.Fill
		wantSide   models.PositionSide
		wantSize   float64
		wantEntry  float64
		wantRealiz float64
	}{
		{
			name:       "partial reduce realizes on closed size",
			fills:      []models.Fill{fill("1", models.SideBuy, 2, 100), fill("2", models.SideSell, 1, 110)},
			wantSide:   models.PositionLong,
			wantSize:   1,
			wantEntry:  100,
			wantRealiz: 10,
		},
		{
			name:       "full close goes flat",
			fills:      []models.Fill{fill("1", models.SideSell, 2, 100), fill("2", models.SideBuy, 2, 90)},
			wantSide:   models.PositionFlat,
			wantSize:   0,
			wantEntry:  0,
			wantRealiz: 20,
		},
		{
			name:       "flip opens remainder at fill price",
			fills:      []models.Fill{fill("1", models.SideBuy, 1, 100), fill("2", models.SideSell, 3, 95)},
			wantSide:   models.PositionShort,
			wantSize:   2,
			wantEntry:  95,
			wantRealiz: -5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newState(1000)
			var last FillResult
			for _, f := range tt.fills {
				var err error
				last, err = s.ApplyFill(f)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantSide, last.Position.Side)
			assert.InDelta(t, tt.wantSize, last.Position.Size, 1e-9)
			assert.InDelta(t, tt.wantEntry, last.Position.EntryPrice, 1e-9)
			assert.InDelta(t, tt.wantRealiz, last.Realized, 1e-9)
			assert.InDelta(t, 1000+tt.wantRealiz, s.Account().Balance, 1e-9)
		})
	}
}

func TestApplyFill_FeesAndDuplicates(t *testing.T) {
	s, _ := newState(1000)

	f := fill("1", models.SideBuy, 1, 100)
	f.Fee = 0.5
	res, err := s.ApplyFill(f)
	require.NoError(t, err)
	require.True(t, res.Applied)

	res, err = s.ApplyFill(f)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, res.Duplicate)

	acc := s.Account()
	assert.InDelta(t, 999.5, acc.Balance, 1e-9)
	assert.InDelta(t, -0.5, acc.RealizedToday, 1e-9)
	assert.InDelta(t, 1.0, s.Positions()[0].Size, 1e-9, "duplicate fill must not double the position")
}

func TestApplyFill_Invalid(t *testing.T) {
	s, _ := newState(1000)

	for _, f := range []models.Fill{
		{Symbol: "BTC/USDT", Side: models.SideBuy, Size: 0, Price: 1},
		{Symbol: "BTC/USDT", Side: models.SideBuy, Size: 1, Price: -1},
		{Symbol: "BTC/USDT", Side: "HOLD", Size: 1, Price: 1},
	} {
		_, err := s.ApplyFill(f)
		assert.ErrorIs(t, err, ErrInvalidFill)
	}

	_, err := s.ApplyFill(models.Fill{Symbol: "", Side: models.SideBuy, Size: 1, Price: 1})
	assert.Error(t, err)
}

func TestMark_UpdatesUnrealizedAndEquity(t *testing.T) {
	s, _ := newState(10000)
	_, err := s.ApplyFill(fill("1", models.SideBuy, 1, 50000))
	require.NoError(t, err)

	require.NoError(t, s.Mark(models.MarkPrice{Symbol: "btc-usdt", Price: 49000}))

	v := s.Snapshot("BTC/USDT")
	assert.InDelta(t, -1000, v.Position.UnrealizedPnl, 1e-9)
	assert.InDelta(t, 9000, v.Equity, 1e-9)
	assert.InDelta(t, 49000, v.SymbolNotional, 1e-9)
	assert.InDelta(t, -1000, v.DailyPnL, 1e-9)

	assert.Error(t, s.Mark(models.MarkPrice{Symbol: "BTC/USDT", Price: 0}))
}

func TestOrderUpdates_CountOpenOrders(t *testing.T) {
	s, _ := newState(0)

	n, err := s.ApplyOrderUpdate(models.OrderUpdate{OrderID: "a", Symbol: "ETH/USDT", Status: models.OrderStatusOpen})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, _ = s.ApplyOrderUpdate(models.OrderUpdate{OrderID: "a", Symbol: "ETH/USDT", Status: models.OrderStatusOpen})
	assert.Equal(t, 1, n, "repeated ack is idempotent")

	n, _ = s.ApplyOrderUpdate(models.OrderUpdate{OrderID: "b", Symbol: "ETH/USDT", Status: models.OrderStatusOpen})
	assert.Equal(t, 2, n)

	n, _ = s.ApplyOrderUpdate(models.OrderUpdate{OrderID: "a", Symbol: "ETH/USDT", Status: models.OrderStatusFilled})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Snapshot("ETH/USDT").OpenOrders)
	assert.Equal(t, 0, s.OpenOrders("BTC/USDT"))

	_, err = s.ApplyOrderUpdate(models.OrderUpdate{OrderID: "c", Symbol: "ETH/USDT", Status: "PENDING"})
	assert.Error(t, err)
	_, err = s.ApplyOrderUpdate(models.OrderUpdate{Symbol: "ETH/USDT", Status: models.OrderStatusOpen})
	assert.Error(t, err)
}

func TestEquitySnapshot_DeviationAndColdStart(t *testing.T) {
	s, _ := newState(0)

	// холодный старт: первый снимок задает баланс
	dev := s.ApplyEquitySnapshot(models.EquitySnapshot{Equity: 10000})
	assert.Zero(t, dev)
	assert.InDelta(t, 10000, s.Account().Equity, 1e-9)

	dev = s.ApplyEquitySnapshot(models.EquitySnapshot{Equity: 9000})
	assert.InDelta(t, 1000.0/9000.0, dev, 1e-9)
	assert.InDelta(t, 10000, s.Account().Equity, 1e-9, "divergence is reported, never silently corrected")
	assert.InDelta(t, dev, s.Deviation(), 1e-12)
}

func TestDailyPnL_ResetsAtUTCDay(t *testing.T) {
	s, c := newState(10000)

	_, err := s.ApplyFill(fill("1", models.SideBuy, 1, 100))
	require.NoError(t, err)
	_, err = s.ApplyFill(fill("2", models.SideSell, 1, 90))
	require.NoError(t, err)
	assert.InDelta(t, -10, s.Account().RealizedToday, 1e-9)
	assert.InDelta(t, 0.1, s.Account().DrawdownPct(), 1e-9)

	c.Set(t0.Add(13 * time.Hour))
	acc := s.Account()
	assert.Zero(t, acc.RealizedToday)
	assert.InDelta(t, 9990, acc.DayStartEquity, 1e-9)
	assert.InDelta(t, 9990, acc.Balance, 1e-9)
}

func TestRestore_ReplaysFillLog(t *testing.T) {
	s, _ := newState(0)

	yesterday := fill("0", models.SideBuy, 1, 100)
	yesterday.Timestamp = t0.Add(-24 * time.Hour)
	today := fill("1", models.SideSell, 1, 120)

	n, err := s.Restore(5000, []models.Fill{today, yesterday, today})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	acc := s.Account()
	assert.InDelta(t, 5020, acc.Balance, 1e-9)
	assert.InDelta(t, 20, acc.RealizedToday, 1e-9)
	assert.InDelta(t, 5000, acc.DayStartEquity, 1e-9)
	assert.Empty(t, s.Positions())
}

func TestWithSymbol_SerializesFills(t *testing.T) {
	s, _ := newState(10000)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan View)

	go s.WithSymbol("BTC/USDT", func(v View) {
		close(entered)
		<-release
		done <- v
	})
	<-entered

	applied := make(chan struct{})
	go func() {
		_, _ = s.ApplyFill(fill("1", models.SideBuy, 1, 100))
		close(applied)
	}()

	select {
	case <-applied:
		t.Fatal("fill applied while the symbol was held by an evaluation")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	v := <-done
	assert.True(t, v.Position.IsFlat(), "evaluation saw state before the fill")
	<-applied
	assert.False(t, s.Snapshot("BTC/USDT").Position.IsFlat())
}

func TestConcurrentSymbols(t *testing.T) {
	s, _ := newState(1_000_000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sym := []string{"BTC/USDT", "ETH/USDT"}[i%2]
		wg.Add(1)
		go func(worker int, symbol string) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = s.ApplyFill(models.Fill{
					FillID: fmt.Sprintf("%d-%d", worker, j),
					Symbol: symbol, Side: models.SideBuy, Size: 0.01, Price: 100,
				})
				s.WithSymbol(symbol, func(View) {})
			}
		}(i, sym)
	}
	wg.Wait()

	positions := s.Positions()
	require.Len(t, positions, 2)
	for _, p := range positions {
		assert.InDelta(t, 4.0, p.Size, 1e-6)
	}
}
