package handlers

import (
	"context"
	"sync"
	"time"

	"titan/internal/breaker"
	"titan/internal/handshake"
	"titan/internal/models"
	"titan/internal/policy"
	"titan/internal/repository"
	"titan/internal/shadow"
)

// ============ MockGuard ============

type MockGuard struct {
	status     breaker.Status
	snapshot   *policy.Snapshot
	signers    []handshake.SignerInfo
	positions  []models.Position
	account    shadow.Account
	rejections []models.RejectionEvent
	lastLimit  int
}

func NewMockGuard() *MockGuard {
	snap, err := policy.NewSnapshot(policy.Defaults(), "inline")
	if err != nil {
		panic(err)
	}
	return &MockGuard{
		status:   breaker.Status{Mode: breaker.ModeNormal, Since: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		snapshot: snap,
		account:  shadow.Account{Balance: 10000, Equity: 10000},
	}
}

func (m *MockGuard) BreakerStatus() breaker.Status   { return m.status }
func (m *MockGuard) Policy() *policy.Snapshot        { return m.snapshot }
func (m *MockGuard) Signers() []handshake.SignerInfo { return m.signers }
func (m *MockGuard) Positions() []models.Position    { return m.positions }
func (m *MockGuard) Account() shadow.Account         { return m.account }

func (m *MockGuard) RecentRejections(limit int) []models.RejectionEvent {
	m.lastLimit = limit
	if len(m.rejections) > limit {
		return m.rejections[:limit]
	}
	return m.rejections
}

// ============ MockOperator ============

type MockOperator struct {
	mu         sync.Mutex
	halted     bool
	haltReason string
	operators  []string
	flattenN   int
	flattenErr error
}

func (m *MockOperator) Halt(operator, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operators = append(m.operators, operator)
	m.haltReason = reason
	if m.halted {
		return false
	}
	m.halted = true
	return true
}

func (m *MockOperator) ClearHalt(operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operators = append(m.operators, operator)
	if !m.halted {
		return breaker.ErrNotHalted
	}
	m.halted = false
	return nil
}

func (m *MockOperator) Flatten(ctx context.Context, operator string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operators = append(m.operators, operator)
	return m.flattenN, m.flattenErr
}

// ============ MockHistory ============

type MockHistory struct {
	events     []*models.RejectionEvent
	err        error
	lastSince  time.Time
	lastReason []models.ReasonCode
}

func (m *MockHistory) GetRecent(limit int) ([]*models.RejectionEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	if len(m.events) > limit {
		return m.events[:limit], nil
	}
	return m.events, nil
}

func (m *MockHistory) GetByCommandID(commandID string) (*models.RejectionEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, ev := range m.events {
		if ev.CommandID == commandID {
			return ev, nil
		}
	}
	return nil, repository.ErrRejectionNotFound
}

func (m *MockHistory) CountByReason(since time.Time, reasons ...models.ReasonCode) (map[models.ReasonCode]int, error) {
	m.lastSince = since
	m.lastReason = reasons
	if m.err != nil {
		return nil, m.err
	}
	filter := make(map[models.ReasonCode]bool, len(reasons))
	for _, r := range reasons {
		filter[r] = true
	}
	out := make(map[models.ReasonCode]int)
	for _, ev := range m.events {
		if ev.Timestamp.Before(since) {
			continue
		}
		if len(filter) > 0 && !filter[ev.Reason] {
			continue
		}
		out[ev.Reason]++
	}
	return out, nil
}
