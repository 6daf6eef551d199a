package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// fakeClock - управляемые часы для тестов
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_StartsFull(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucket(Limit{Capacity: 3, RefillPerSecond: 1}, clock.Now)

	for i := 0; i < 3; i++ {
		if !b.TryAcquire() {
			t.Fatalf("acquire %d should succeed", i+1)
		}
	}
	if b.TryAcquire() {
		t.Error("4th acquire should fail on an empty bucket")
	}
}

func TestTokenBucket_FivePerMinute(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucket(Limit{Capacity: 5, RefillPerSecond: 5.0 / 60}, clock.Now)

	allowed := 0
	for i := 0; i < 6; i++ {
		if b.TryAcquire() {
			allowed++
		}
		clock.Advance(10 * time.Millisecond)
	}
	if allowed != 5 {
		t.Errorf("allowed = %d, want 5", allowed)
	}

	clock.Advance(12 * time.Second)
	if !b.TryAcquire() {
		t.Error("one token should be refilled after 12s")
	}
}

func TestTokenBucket_RefillCappedAtCapacity(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucket(Limit{Capacity: 2, RefillPerSecond: 10}, clock.Now)

	b.TryAcquire()
	b.TryAcquire()
	clock.Advance(time.Hour)

	if got := b.Tokens(); got != 2 {
		t.Errorf("Tokens() after long idle = %v, want capacity 2", got)
	}
}

func TestTokenBucket_ClockGoesBackwards(t *testing.T) {
	clock := newFakeClock()
	b := NewTokenBucket(Limit{Capacity: 1, RefillPerSecond: 1}, clock.Now)

	b.TryAcquire()
	clock.Advance(-5 * time.Second)
	if b.TryAcquire() {
		t.Error("backwards clock must not mint tokens")
	}
}

func TestTokenBucket_ZeroCapacity(t *testing.T) {
	b := NewTokenBucket(Limit{Capacity: 0, RefillPerSecond: 100}, nil)
	if b.TryAcquire() {
		t.Error("zero capacity bucket must never admit")
	}
}

func TestKeyedLimiter_IndependentKeys(t *testing.T) {
	clock := newFakeClock()
	kl := NewKeyedLimiter(func(Key) Limit { return Limit{Capacity: 1, RefillPerSecond: 0} }, clock.Now)

	btcPlace := Key{Symbol: "BTC/USDT", Command: "PLACE_ORDER"}
	btcCancel := Key{Symbol: "BTC/USDT", Command: "CANCEL_ORDER"}
	ethPlace := Key{Symbol: "ETH/USDT", Command: "PLACE_ORDER"}

	if !kl.TryAcquire(btcPlace) {
		t.Fatal("first BTC place should pass")
	}
	if kl.TryAcquire(btcPlace) {
		t.Error("second BTC place should be limited")
	}
	if !kl.TryAcquire(btcCancel) {
		t.Error("BTC cancel has its own bucket")
	}
	if !kl.TryAcquire(ethPlace) {
		t.Error("ETH place has its own bucket")
	}
	if kl.Len() != 3 {
		t.Errorf("Len() = %d, want 3", kl.Len())
	}
}

func TestKeyedLimiter_ResolverPerKey(t *testing.T) {
	kl := NewKeyedLimiter(func(k Key) Limit {
		if k.Command == "CANCEL_ORDER" {
			return Limit{Capacity: 3}
		}
		return Limit{Capacity: 1}
	}, newFakeClock().Now)

	b, ok := kl.Get(Key{Symbol: "BTC/USDT", Command: "CANCEL_ORDER"})
	if ok || b != nil {
		t.Fatal("bucket must not exist before first use")
	}

	kl.TryAcquire(Key{Symbol: "BTC/USDT", Command: "CANCEL_ORDER"})
	b, ok = kl.Get(Key{Symbol: "BTC/USDT", Command: "CANCEL_ORDER"})
	if !ok {
		t.Fatal("bucket should exist after first use")
	}
	if b.Limit().Capacity != 3 {
		t.Errorf("capacity = %v, want 3", b.Limit().Capacity)
	}
}

func TestKeyedLimiter_Reset(t *testing.T) {
	kl := NewKeyedLimiter(func(Key) Limit { return Limit{Capacity: 1} }, newFakeClock().Now)
	key := Key{Symbol: "BTC/USDT", Command: "PLACE_ORDER"}

	kl.TryAcquire(key)
	if kl.TryAcquire(key) {
		t.Fatal("bucket should be empty")
	}

	kl.Reset(func(Key) Limit { return Limit{Capacity: 2} })
	if !kl.TryAcquire(key) || !kl.TryAcquire(key) {
		t.Error("new limits should apply after Reset")
	}
}

func TestKeyedLimiter_Concurrent(t *testing.T) {
	kl := NewKeyedLimiter(func(Key) Limit { return Limit{Capacity: 100} }, newFakeClock().Now)
	key := Key{Symbol: "BTC/USDT", Command: "PLACE_ORDER"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if kl.TryAcquire(key) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("allowed = %d, want exactly capacity 100", allowed)
	}
}

func BenchmarkKeyedLimiter_TryAcquire(b *testing.B) {
	kl := NewKeyedLimiter(func(Key) Limit { return Limit{Capacity: 1e9, RefillPerSecond: 1e9} }, nil)
	key := Key{Symbol: "BTC/USDT", Command: "PLACE_ORDER"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		kl.TryAcquire(key)
	}
}
