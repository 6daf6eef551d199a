package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"titan/internal/breaker"
	"titan/internal/models"
	"titan/pkg/utils"
)

// ============================================================
// Unit Tests
// ============================================================

func TestNewHub(t *testing.T) {
	hub := NewHub(nil, nil)

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := NewOriginChecker([]string{"http://localhost:3000", " https://example.com "})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},                       // не браузер
		{"http://localhost:3000", true},  // разрешен
		{"https://example.com", true},    // разрешен, пробелы обрезаны
		{"http://evil.com", false},       // чужой
		{"http://localhost:8080", false}, // не в списке
	}

	for _, tt := range tests {
		if got := checker.Check(tt.origin); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}, {"", " "}} {
		checker := NewOriginChecker(origins)
		if !checker.Check("https://anything.example.org") {
			t.Errorf("origins %q must allow all", origins)
		}
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	hub := NewHub(nil, nil)
	// Run не запущен: очередь переполняется, Broadcast не должен блокироваться

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.BroadcastRejection(models.RejectionEvent{ID: "r", Reason: models.ReasonRateLimited})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked")
	}
	if hub.DroppedMessages() != 1000-256 {
		t.Errorf("expected %d dropped, got %d", 1000-256, hub.DroppedMessages())
	}
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub(nil, nil)

	done := make(chan struct{})
	go func() {
		hub.Run(context.Background())
		close(done)
	}()

	hub.Stop()
	hub.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}
}

func TestHub_DeliversToClients(t *testing.T) {
	hub := NewHub(nil, nil)
	go hub.Run(context.Background())
	defer hub.Stop()

	client := &Client{hub: hub, send: make(chan []byte, 4)}
	hub.register <- client

	hub.BroadcastTransition(breaker.Transition{From: breaker.ModeNormal, To: breaker.ModeDefensive, Reason: "confidence low"})

	select {
	case msg := <-client.send:
		var m ModeMessage
		if err := utils.JSON.Unmarshal(msg, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if m.Type != MessageTypeMode || m.Data.From != "Normal" || m.Data.To != "Defensive" {
			t.Errorf("unexpected message: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestHub_RemovesSlowClient(t *testing.T) {
	hub := NewHub(nil, nil)
	go hub.Run(context.Background())
	defer hub.Stop()

	slow := &Client{hub: hub, send: make(chan []byte)} // без буфера и без читателя
	hub.register <- slow

	hub.BroadcastNotification(&models.Notification{Type: models.NotificationTypeHalt, Message: "halt"})

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("slow client not removed")
	}
	if _, ok := <-slow.send; ok {
		t.Error("send channel of removed client must be closed")
	}
}

func TestServeWS_SnapshotAndEvents(t *testing.T) {
	hub := NewHub(NewOriginChecker([]string{"http://console.local"}), nil)
	hub.SetSnapshot(func() *SnapshotMessage { return NewSnapshotMessage("Normal", "abc123") })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// чужой origin отклоняется на апгрейде
	header := http.Header{"Origin": []string{"http://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("expected upgrade to fail for foreign origin")
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://console.local"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap SnapshotMessage
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Type != MessageTypeSnapshot || snap.PolicyHash != "abc123" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hub.BroadcastRejection(models.RejectionEvent{ID: "rej-1", CommandID: "cmd-1", Reason: models.ReasonSymbolNotWhitelisted})

	var rej RejectionMessage
	if err := conn.ReadJSON(&rej); err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	if rej.Type != MessageTypeRejection || rej.Data.Reason != models.ReasonSymbolNotWhitelisted {
		t.Errorf("unexpected rejection: %+v", rej)
	}
}

// ============================================================
// Benchmarks
// ============================================================

func BenchmarkHub_BroadcastRejection(b *testing.B) {
	hub := NewHub(nil, nil)
	go hub.Run(context.Background())
	defer hub.Stop()

	ev := models.RejectionEvent{ID: "rej", CommandID: "cmd", Symbol: "BTC/USDT", Reason: models.ReasonRateLimited}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.BroadcastRejection(ev)
	}
}

func BenchmarkOriginChecker_Check(b *testing.B) {
	checker := NewOriginChecker([]string{"http://localhost:3000"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		checker.Check("http://localhost:3000")
	}
}

// ============================================================
// Parallel Stress Test
// ============================================================

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := NewHub(nil, nil)
	go hub.Run(context.Background())
	defer hub.Stop()

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 1000

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.BroadcastNotification(&models.Notification{Type: models.NotificationTypePolicy})
			}
		}()
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}

	wg.Wait()
}
