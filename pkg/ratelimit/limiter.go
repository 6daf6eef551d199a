package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket - неблокирующий token bucket для допуска торговых команд
//
// Алгоритм:
// - Ведро наполняется с постоянной скоростью (refill токенов/сек)
// - Ёмкость ведра = capacity, простой не накапливает токены сверх неё
// - Каждая команда потребляет 1 токен
// - Нет токена - команда отклоняется (RateLimited), ожидания нет
//
// Использование:
//
//	bucket := NewTokenBucket(Limit{Capacity: 5, RefillPerSecond: 5.0 / 60}, time.Now)
//	if !bucket.TryAcquire() { ... reject ... }
type TokenBucket struct {
	capacity   float64   // максимальная ёмкость
	refill     float64   // токенов в секунду
	tokens     float64   // текущее количество токенов
	lastRefill time.Time // время последнего пополнения
	clock      func() time.Time
	mu         sync.Mutex
}

// Limit - параметры ведра
type Limit struct {
	Capacity        float64
	RefillPerSecond float64
}

// NewTokenBucket создаёт ведро с полным запасом токенов.
// clock == nil означает time.Now.
func NewTokenBucket(limit Limit, clock func() time.Time) *TokenBucket {
	if clock == nil {
		clock = time.Now
	}
	if limit.Capacity < 0 {
		limit.Capacity = 0
	}
	if limit.RefillPerSecond < 0 {
		limit.RefillPerSecond = 0
	}

	return &TokenBucket{
		capacity:   limit.Capacity,
		refill:     limit.RefillPerSecond,
		tokens:     limit.Capacity, // начинаем с полным ведром
		lastRefill: clock(),
		clock:      clock,
	}
}

// refillLocked пополняет токены на основе прошедшего времени
// ВАЖНО: вызывается под lock'ом
func (b *TokenBucket) refillLocked() {
	now := b.clock()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		// часы пошли назад - не начисляем, но и не сдвигаем точку отсчета вперед
		return
	}

	b.tokens += elapsed * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryAcquire забирает токен, если он есть. Никогда не блокирует.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Tokens возвращает текущее количество доступных токенов (для мониторинга)
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Limit возвращает параметры ведра
func (b *TokenBucket) Limit() Limit {
	return Limit{Capacity: b.capacity, RefillPerSecond: b.refill}
}

// ============================================================
// KeyedLimiter - ведро на каждую пару (symbol, тип команды)
// ============================================================

// Key - ключ ведра
type Key struct {
	Symbol  string
	Command string
}

// Resolver возвращает лимит для ключа (берется из текущей политики)
type Resolver func(Key) Limit

// KeyedLimiter лениво создаёт ведра по ключу.
// Лимит для нового ведра берется из resolver в момент создания.
type KeyedLimiter struct {
	resolver Resolver
	clock    func() time.Time
	buckets  map[Key]*TokenBucket
	mu       sync.RWMutex
}

// NewKeyedLimiter создаёт пустой KeyedLimiter
func NewKeyedLimiter(resolver Resolver, clock func() time.Time) *KeyedLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &KeyedLimiter{
		resolver: resolver,
		clock:    clock,
		buckets:  make(map[Key]*TokenBucket),
	}
}

// TryAcquire забирает токен из ведра ключа
func (kl *KeyedLimiter) TryAcquire(key Key) bool {
	return kl.bucket(key).TryAcquire()
}

func (kl *KeyedLimiter) bucket(key Key) *TokenBucket {
	kl.mu.RLock()
	b, ok := kl.buckets[key]
	kl.mu.RUnlock()
	if ok {
		return b
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()
	if b, ok = kl.buckets[key]; ok {
		return b
	}
	b = NewTokenBucket(kl.resolver(key), kl.clock)
	kl.buckets[key] = b
	return b
}

// Get возвращает ведро ключа, если оно уже создано
func (kl *KeyedLimiter) Get(key Key) (*TokenBucket, bool) {
	kl.mu.RLock()
	defer kl.mu.RUnlock()
	b, ok := kl.buckets[key]
	return b, ok
}

// Reset сбрасывает все ведра. Вызывается при смене политики,
// чтобы новые лимиты вступили в силу.
func (kl *KeyedLimiter) Reset(resolver Resolver) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	if resolver != nil {
		kl.resolver = resolver
	}
	kl.buckets = make(map[Key]*TokenBucket)
}

// Len возвращает количество созданных ведер
func (kl *KeyedLimiter) Len() int {
	kl.mu.RLock()
	defer kl.mu.RUnlock()
	return len(kl.buckets)
}
