package protocol

import (
	"sync"
	"time"

	"titan/internal/models"
	"titan/pkg/crypto"
	"titan/pkg/utils"
)

// DefaultReplayWindow - допустимое |now - timestamp|
const DefaultReplayWindow = 5 * time.Second

// Verified - конверт, прошедший границу верификации
type Verified struct {
	Envelope models.CommandEnvelope
	Raw      []byte // исходные байты: одобренная команда пересылается дословно
	KeyID    string // секрет, которым подпись подтверждена
}

// Authenticator проверяет подпись, окно повтора и уникальность id.
// Хеш политики здесь не проверяется: это задача handshake.
type Authenticator struct {
	keyring *crypto.Keyring
	window  time.Duration
	clock   func() time.Time
	seen    *replayCache
}

// NewAuthenticator создает верификатор. Пустой keyring допустим
// как значение: каждая команда будет SignatureInvalid.
func NewAuthenticator(keyring *crypto.Keyring, window time.Duration, clock func() time.Time) *Authenticator {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &Authenticator{
		keyring: keyring,
		window:  window,
		clock:   clock,
		seen:    newReplayCache(),
	}
}

// Window - окно повтора
func (a *Authenticator) Window() time.Duration {
	return a.window
}

// Authenticate проходит границу верификации в порядке:
// формат документа -> подпись -> заголовок -> окно -> повтор id -> структура payload.
// Возвращаемая ошибка всегда *Error.
func (a *Authenticator) Authenticate(raw []byte) (*Verified, error) {
	canonical, sig, err := CanonicalBytes(raw)
	if err != nil {
		return nil, newError(models.ReasonMalformedCommand, "decode envelope: %v", err)
	}

	keyID, ok := a.keyring.Verify(canonical, sig)
	if !ok {
		return nil, newError(models.ReasonSignatureInvalid, "signature does not match any configured secret")
	}

	env, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	now := a.clock()
	ts := utils.FromUnixMillis(env.Timestamp)
	if age := utils.AbsAge(now, ts); age > a.window {
		return nil, newError(models.ReasonReplayWindowExceeded, "envelope age %s exceeds window %s", age.Truncate(time.Millisecond), a.window)
	}

	if !a.seen.add(env.Producer+"/"+env.ID, now, a.window) {
		return nil, newError(models.ReasonReplayWindowExceeded, "envelope id %s already processed", env.ID)
	}

	if err := env.Payload.Validate(); err != nil {
		return nil, newError(models.ReasonMalformedCommand, "%v", err)
	}

	return &Verified{Envelope: env, Raw: raw, KeyID: keyID}, nil
}

// AuthenticateAnnouncement проверяет подпись и свежесть заявления о хеше политики
func (a *Authenticator) AuthenticateAnnouncement(ann models.PolicyAnnouncement) error {
	canonical, err := canonicalAnnouncement(ann)
	if err != nil {
		return newError(models.ReasonMalformedCommand, "%v", err)
	}
	if _, ok := a.keyring.Verify(canonical, ann.Signature); !ok {
		return newError(models.ReasonSignatureInvalid, "announcement signature invalid")
	}
	if age := utils.AbsAge(a.clock(), utils.FromUnixMillis(ann.Timestamp)); age > a.window {
		return newError(models.ReasonReplayWindowExceeded, "announcement age %s exceeds window %s", age, a.window)
	}
	if ann.Producer == "" || ann.PolicyHash == "" {
		return newError(models.ReasonMalformedCommand, "announcement producer and policy_hash are required")
	}
	return nil
}

// ============================================================
// replayCache - id конвертов, принятых в пределах окна
// ============================================================

type replayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	lastGC  time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{entries: make(map[string]time.Time)}
}

// add возвращает false, если id уже был принят и еще не устарел
func (c *replayCache) add(id string, now time.Time, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// id живет 2 окна: конверт из "будущего" в пределах окна тоже надо помнить
	ttl := 2 * window
	if now.Sub(c.lastGC) > window {
		for k, at := range c.entries {
			if now.Sub(at) > ttl {
				delete(c.entries, k)
			}
		}
		c.lastGC = now
	}

	if at, ok := c.entries[id]; ok && now.Sub(at) <= ttl {
		return false
	}
	c.entries[id] = now
	return true
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
