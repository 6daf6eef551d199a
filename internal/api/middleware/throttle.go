package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle ограничивает частоту запросов на клиента (IP).
// Защищает операторские endpoints от перебора пароля: bcrypt дорогой.
type Throttle struct {
	mu      sync.Mutex
	clients map[string]*throttleEntry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle - perMinute запросов в минуту на клиента, burst равен perMinute
func NewThrottle(perMinute int) *Throttle {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &Throttle{
		clients: make(map[string]*throttleEntry),
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		ttl:     10 * time.Minute,
		now:     time.Now,
	}
}

// Allow сообщает, можно ли обслужить запрос клиента
func (t *Throttle) Allow(client string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.clients[client]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[client] = e
	}
	e.lastSeen = now

	// ленивая очистка давно не появлявшихся клиентов
	if len(t.clients) > 1024 {
		for k, v := range t.clients {
			if now.Sub(v.lastSeen) > t.ttl {
				delete(t.clients, k)
			}
		}
	}
	return e.limiter.AllowN(now, 1)
}

// Middleware отвечает 429 при превышении лимита
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
