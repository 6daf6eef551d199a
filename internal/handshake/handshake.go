package handshake

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"titan/pkg/utils"
)

// ErrPolicyHashMismatch - подписант и гейт работают с разными версиями политики
var ErrPolicyHashMismatch = errors.New("policy hash mismatch")

// Halter - то, что останавливает систему при расхождении (CircuitBreaker)
type Halter interface {
	Halt(reason string) bool
}

// SignerInfo - последний заявленный подписантом хеш политики
type SignerInfo struct {
	Producer   string    `json:"producer"`
	PolicyHash string    `json:"policy_hash"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Matched    bool      `json:"matched"`
}

// Handshake сверяет хеш политики каждого подписанта с локальным.
// Первое расхождение фатально: Halt, дальнейшие команды отклоняются режимом.
type Handshake struct {
	mu      sync.RWMutex
	local   func() string
	signers map[string]*SignerInfo

	halter Halter
	logger *utils.Logger
	clock  func() time.Time
}

// New создает handshake. local читается при каждой проверке (атомарный хеш PolicyStore).
func New(local func() string, halter Halter, logger *utils.Logger, clock func() time.Time) *Handshake {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Handshake{
		local:   local,
		signers: make(map[string]*SignerInfo),
		halter:  halter,
		logger:  logger.WithComponent("handshake"),
		clock:   clock,
	}
}

// Pin сверяет локальный хеш с ожидаемым при старте (EXPECTED_POLICY_HASH)
func (h *Handshake) Pin(expected string) error {
	if expected == "" {
		return nil
	}
	if local := h.local(); local != expected {
		return fmt.Errorf("%w: local %s, pinned %s", ErrPolicyHashMismatch, local, expected)
	}
	return nil
}

// Check запоминает хеш, заявленный подписантом, и сверяет с локальным
func (h *Handshake) Check(producer, hash string) error {
	local := h.local()
	now := h.clock()

	h.mu.Lock()
	info, ok := h.signers[producer]
	if !ok {
		info = &SignerInfo{Producer: producer, FirstSeen: now}
		h.signers[producer] = info
	}
	// вердикт только из локальных копий: info меняют конкурентные Check и Revalidate
	changed := info.PolicyHash != hash
	matched := hash == local
	info.PolicyHash = hash
	info.LastSeen = now
	info.Matched = matched
	h.mu.Unlock()

	if matched {
		if changed {
			h.logger.Info("signer policy hash confirmed", utils.Producer(producer), utils.PolicyHash(hash))
		}
		return nil
	}
	return h.mismatch(producer, hash, local)
}

// Revalidate сверяет новый локальный хеш (после reload) со всеми известными подписантами
func (h *Handshake) Revalidate() error {
	local := h.local()

	h.mu.Lock()
	producers := make([]string, 0, len(h.signers))
	for p, info := range h.signers {
		info.Matched = info.PolicyHash == local
		producers = append(producers, p)
	}
	sort.Strings(producers)

	var bad *SignerInfo
	for _, p := range producers {
		if info := h.signers[p]; !info.Matched {
			cp := *info
			bad = &cp
			break
		}
	}
	h.mu.Unlock()

	if bad == nil {
		h.logger.Info("policy hash revalidated", utils.PolicyHash(local), utils.Int("signers", len(producers)))
		return nil
	}
	return h.mismatch(bad.Producer, bad.PolicyHash, local)
}

func (h *Handshake) mismatch(producer, asserted, local string) error {
	err := fmt.Errorf("%w: producer %s asserts %s, local %s", ErrPolicyHashMismatch, producer, asserted, local)
	if h.halter != nil && h.halter.Halt(err.Error()) {
		h.logger.Error("policy hash mismatch, system halted",
			utils.Producer(producer),
			utils.String("asserted_hash", asserted),
			utils.PolicyHash(local),
		)
	}
	return err
}

// Signers - известные подписанты, отсортированные по имени
func (h *Handshake) Signers() []SignerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]SignerInfo, 0, len(h.signers))
	for _, info := range h.signers {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Producer < out[j].Producer })
	return out
}
