package websocket

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"titan/internal/breaker"
	"titan/internal/models"
	"titan/pkg/utils"
)

// ============ sync.Pool для JSON буферов ============

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// SnapshotFunc возвращает текущее состояние гейта для нового клиента
type SnapshotFunc func() *SnapshotMessage

// Hub управляет WebSocket наблюдателями гейта.
//
// Рассылает отклонения, переходы режима и уведомления. Гейт никогда не ждет
// наблюдателей: Broadcast неблокирующий, при переполнении сообщение теряется
// и считается, медленный клиент отключается.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	origins  *OriginChecker
	snapshot SnapshotFunc
	logger   *utils.Logger

	dropped atomic.Uint64
	done    chan struct{}
	stop    sync.Once
}

// NewHub создает новый Hub
func NewHub(origins *OriginChecker, logger *utils.Logger) *Hub {
	if origins == nil {
		origins = NewOriginChecker(nil)
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		origins:    origins,
		logger:     logger.WithComponent("ws"),
		done:       make(chan struct{}),
	}
}

// SetSnapshot задает приветственное сообщение для новых клиентов
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Run запускает главный цикл Hub до отмены контекста или Stop.
// Копируем список клиентов под RLock, отправляем без замка, медленных удаляем под Lock.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	defer h.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("observer connected", utils.Int("clients", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("observer disconnected", utils.Int("clients", n))

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				h.logger.Warn("removed slow observers", utils.Int("removed", len(toRemove)), utils.Int("clients", n))
			}
		}
	}
}

// Stop завершает Run. Повторный вызов безопасен.
func (h *Hub) Stop() {
	h.stop.Do(func() { close(h.done) })
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Broadcast сериализует сообщение и ставит в очередь рассылки, не блокируя
func (h *Hub) Broadcast(message interface{}) {
	data, err := encode(message)
	if err != nil {
		h.logger.Error("failed to encode broadcast message", utils.Err(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

func encode(message interface{}) ([]byte, error) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := utils.JSON.NewEncoder(buf).Encode(message); err != nil {
		return nil, err
	}

	data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// BroadcastRejection отправляет событие отклонения
func (h *Hub) BroadcastRejection(ev models.RejectionEvent) {
	h.Broadcast(NewRejectionMessage(ev))
}

// BroadcastTransition отправляет смену режима
func (h *Hub) BroadcastTransition(tr breaker.Transition) {
	h.Broadcast(NewModeMessage(tr))
}

// BroadcastNotification отправляет уведомление
func (h *Hub) BroadcastNotification(n *models.Notification) {
	h.Broadcast(NewNotificationMessage(n))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - сообщения, потерянные из-за переполнения очереди рассылки
func (h *Hub) DroppedMessages() uint64 {
	return h.dropped.Load()
}
