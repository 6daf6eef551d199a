package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Субъекты шины
const (
	SubjectCommands   = "risk.commands"      // подписанные конверты от оркестратора
	SubjectFills      = "risk.fills"         // подтвержденные исполнения
	SubjectOrders     = "risk.orders"        // ack и статусы ордеров
	SubjectEquity     = "risk.equity"        // эквити по данным биржи
	SubjectMarks      = "risk.marks"         // mark-цены
	SubjectConfidence = "risk.confidence"    // сигнал уверенности контура скоринга
	SubjectHandshake  = "risk.handshake"     // заявления подписантов о хеше политики
	SubjectApproved   = "execution.commands" // одобренные конверты, дословно
	SubjectRejections = "risk.rejections"    // события отклонения
	SubjectMode       = "risk.mode"          // переходы breaker
)

var (
	ErrBusClosed = errors.New("bus is closed")
	ErrQueueFull = errors.New("subscriber queue full, message dropped")
)

// DefaultBuffer - емкость очереди подписчика по умолчанию
const DefaultBuffer = 1024

// Message - сообщение шины
type Message struct {
	Subject string
	Data    []byte
	At      time.Time
}

// Bus - контракт транспорта, которым пользуется гейт
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, buffer int) (*Subscription, error)
	Last(subject string) (Message, bool)
	Close() error
}

// Subscription - очередь сообщений одного субъекта
type Subscription struct {
	C <-chan Message

	ch      chan Message
	subject string
	bus     *Memory
	dropped atomic.Uint64
	once    sync.Once
}

// Subject - субъект подписки
func (s *Subscription) Subject() string { return s.subject }

// Dropped - сколько сообщений не поместилось в очередь
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe снимает подписку и закрывает канал
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s) })
}

// Memory - шина в памяти процесса.
//
// Publish не блокируется: переполненная очередь подписчика теряет сообщение,
// потеря считается и возвращается издателю как ErrQueueFull.
// Для каждого субъекта хранится последнее значение (last-value семантика).
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	last   map[string]Message
	closed bool

	onDrop func(subject string)
	clock  func() time.Time
}

// NewMemory создает шину. onDrop вызывается на каждую потерю (метрики).
func NewMemory(onDrop func(subject string)) *Memory {
	return &Memory{
		subs:   make(map[string][]*Subscription),
		last:   make(map[string]Message),
		onDrop: onDrop,
		clock:  time.Now,
	}
}

// Publish рассылает копию data всем подписчикам субъекта
func (m *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := Message{Subject: subject, Data: append([]byte(nil), data...), At: m.clock()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrBusClosed
	}
	m.last[subject] = msg
	m.mu.Unlock()

	// отправка под RLock: Unsubscribe/Close закрывают каналы под Lock
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrBusClosed
	}

	var dropped bool
	for _, sub := range m.subs[subject] {
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
			dropped = true
			if m.onDrop != nil {
				m.onDrop(subject)
			}
		}
	}
	if dropped {
		return ErrQueueFull
	}
	return nil
}

// Subscribe создает подписку с очередью заданной емкости
func (m *Memory) Subscribe(subject string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Message, buffer)
	sub := &Subscription{C: ch, ch: ch, subject: subject, bus: m}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrBusClosed
	}
	m.subs[subject] = append(m.subs[subject], sub)
	return sub, nil
}

// Last - последнее сообщение субъекта
func (m *Memory) Last(subject string) (Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.last[subject]
	return msg, ok
}

// Close закрывает все подписки. Повторный вызов безопасен.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	m.subs = make(map[string][]*Subscription)
	return nil
}

func (m *Memory) remove(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[sub.subject]
	for i, s := range subs {
		if s == sub {
			m.subs[sub.subject] = append(subs[:i:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}
