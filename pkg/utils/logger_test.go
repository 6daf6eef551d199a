package utils

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// captureLogger - логгер, пишущий JSON-строки в буфер
func captureLogger(level zapcore.Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(&buf), level)
	l := zap.New(core)
	return &Logger{Logger: l, sugar: l.Sugar()}, &buf
}

// entries разбирает вывод построчно
func entries(t *testing.T, data []byte) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := JSON.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func tempLogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "guard.log")
}

// ============================================================
// InitLogger
// ============================================================

func TestInitLogger_JSONFileOutput(t *testing.T) {
	path := tempLogPath(t)
	logger := InitLogger(LogConfig{Level: "info", Format: "json", Output: path})

	logger.Warn("command rejected", Reason("RateLimited"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	got := entries(t, data)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	for _, key := range []string{"ts", "level", "msg", "caller", "reason"} {
		if _, ok := got[0][key]; !ok {
			t.Errorf("key %q missing in %v", key, got[0])
		}
	}
	if got[0]["level"] != "warn" {
		t.Errorf("level = %v, want warn", got[0]["level"])
	}
}

func TestInitLogger_ConsoleFormat(t *testing.T) {
	for _, format := range []string{"text", "console", "TEXT"} {
		t.Run(format, func(t *testing.T) {
			path := tempLogPath(t)
			logger := InitLogger(LogConfig{Level: "debug", Format: format, Output: path})
			logger.Info("gate started")
			_ = logger.Sync()

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read log: %v", err)
			}
			line := string(data)
			if strings.HasPrefix(line, "{") {
				t.Errorf("console output looks like JSON: %q", line)
			}
			if !strings.Contains(line, "INFO") || !strings.Contains(line, "gate started") {
				t.Errorf("unexpected console line: %q", line)
			}
		})
	}
}

func TestInitLogger_UnwritableOutputFallsBack(t *testing.T) {
	logger := InitLogger(LogConfig{Output: filepath.Join(t.TempDir(), "missing", "dir", "guard.log")})
	if logger == nil || logger.Logger == nil {
		t.Fatal("expected a usable logger on stderr")
	}
	logger.Debug("not visible at info")
}

func TestInitLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  []string
	}{
		{"debug", []string{"debug", "info", "warn"}},
		{"info", []string{"info", "warn"}},
		{"warning", []string{"warn"}},
		{"error", nil},
		{"bogus", []string{"info", "warn"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			path := tempLogPath(t)
			logger := InitLogger(LogConfig{Level: tt.level, Output: path})
			logger.Debug("d")
			logger.Info("i")
			logger.Warn("w")
			_ = logger.Sync()

			data, _ := os.ReadFile(path)
			got := entries(t, data)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i, lvl := range tt.want {
				if got[i]["level"] != lvl {
					t.Errorf("entry %d level = %v, want %s", i, got[i]["level"], lvl)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"DEBUG":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"Warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
		"":        zapcore.InfoLevel,
		"trace":   zapcore.InfoLevel,
	}
	for input, want := range tests {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

// ============================================================
// Глобальный логгер
// ============================================================

func TestGlobalLogger_LazyDefaultThenReplace(t *testing.T) {
	globalMu.Lock()
	saved := globalLogger
	globalLogger = nil
	globalMu.Unlock()
	t.Cleanup(func() { SetGlobalLogger(saved) })

	first := GetGlobalLogger()
	if first == nil {
		t.Fatal("expected lazily created default logger")
	}
	if L() != first {
		t.Error("L() must return the same instance")
	}

	replaced := InitGlobalLogger(LogConfig{Level: "warn", Output: tempLogPath(t)})
	if GetGlobalLogger() != replaced || replaced == first {
		t.Error("InitGlobalLogger did not replace the global logger")
	}
}

func TestGlobalHelpers_WriteToGlobal(t *testing.T) {
	globalMu.RLock()
	saved := globalLogger
	globalMu.RUnlock()
	t.Cleanup(func() { SetGlobalLogger(saved) })

	logger, buf := captureLogger(zapcore.DebugLevel)
	SetGlobalLogger(logger)

	Debug("policy loaded", PolicyHash("ab12"))
	Warnf("stale signal for %s", "5s")
	Errorf("halted: %s", "policy hash mismatch")
	Info("handshake ok", Producer("orchestrator"))
	_ = logger.Sync()

	got := entries(t, buf.Bytes())
	if len(got) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(got))
	}
	if got[0]["policy_hash"] != "ab12" {
		t.Errorf("policy_hash = %v", got[0]["policy_hash"])
	}
	if got[1]["msg"] != "stale signal for 5s" {
		t.Errorf("Warnf msg = %v", got[1]["msg"])
	}
	if got[2]["level"] != "error" {
		t.Errorf("Errorf level = %v", got[2]["level"])
	}
}

// ============================================================
// Дочерние логгеры и поля
// ============================================================

func TestLogger_ScopedHelpersCarryFields(t *testing.T) {
	logger, buf := captureLogger(zapcore.InfoLevel)

	scoped := logger.WithComponent("gate").WithSymbol("BTC/USDT").WithProducer("orchestrator").WithCommand("cmd-1")
	if scoped == logger {
		t.Fatal("With helpers must return a new logger")
	}
	scoped.Info("command approved")
	logger.Info("unscoped")
	_ = logger.Sync()

	got := entries(t, buf.Bytes())
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	want := map[string]string{
		"component":  "gate",
		"symbol":     "BTC/USDT",
		"producer":   "orchestrator",
		"command_id": "cmd-1",
	}
	for k, v := range want {
		if got[0][k] != v {
			t.Errorf("%s = %v, want %s", k, got[0][k], v)
		}
		if _, leaked := got[1][k]; leaked {
			t.Errorf("parent logger leaked field %s", k)
		}
	}
}

func TestDomainFields(t *testing.T) {
	logger, buf := captureLogger(zapcore.InfoLevel)

	logger.Info("rejection",
		Symbol("ETH/USDT"),
		CommandID("cmd-9"),
		CorrelationID("corr-1"),
		Producer("orchestrator"),
		KeyID("secondary"),
		Reason("LeverageExceeded"),
		Mode("DEFENSIVE"),
		PolicyHash("ff00"),
		OrderID("ord-1"),
		Price(2500.25),
		Size(1.5),
		Side("SELL"),
		Component("gate"),
		RequestID("req-1"),
		Operator("ops"),
		Subject("risk.fills"),
		Latency(0.75),
		Equity(9800),
		Confidence(0.42),
	)
	_ = logger.Sync()

	got := entries(t, buf.Bytes())
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]

	strs := map[string]string{
		"symbol": "ETH/USDT", "command_id": "cmd-9", "correlation_id": "corr-1",
		"producer": "orchestrator", "key_id": "secondary", "reason": "LeverageExceeded",
		"mode": "DEFENSIVE", "policy_hash": "ff00", "order_id": "ord-1", "side": "SELL",
		"component": "gate", "request_id": "req-1", "operator": "ops", "subject": "risk.fills",
	}
	for k, v := range strs {
		if e[k] != v {
			t.Errorf("%s = %v, want %s", k, e[k], v)
		}
	}

	nums := map[string]float64{
		"price": 2500.25, "size": 1.5, "latency_ms": 0.75, "equity": 9800, "confidence": 0.42,
	}
	for k, v := range nums {
		f, ok := e[k].(float64)
		if !ok || f != v {
			t.Errorf("%s = %v, want %v", k, e[k], v)
		}
	}
}

func TestLogger_Infow(t *testing.T) {
	logger, buf := captureLogger(zapcore.InfoLevel)

	logger.Infow("mode transition", Mode("HALTED"), Int("listeners", 3))
	_ = logger.Sync()

	got := entries(t, buf.Bytes())
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0]["mode"] != "HALTED" {
		t.Errorf("mode = %v", got[0]["mode"])
	}
	if n, _ := got[0]["listeners"].(float64); n != 3 {
		t.Errorf("listeners = %v", got[0]["listeners"])
	}
}

func TestFieldsToInterface(t *testing.T) {
	kv := fieldsToInterface([]zap.Field{Reason("StaleSignal"), Bool("halted", true)})
	if len(kv) != 4 {
		t.Fatalf("expected 4 elements, got %d", len(kv))
	}
	if kv[0] != "reason" || kv[1] != "StaleSignal" || kv[2] != "halted" || kv[3] != true {
		t.Errorf("unexpected pairs: %v", kv)
	}
}

func TestNewNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.WithComponent("test").Error("dropped", Err(os.ErrNotExist))
	if l.Sugar() == nil {
		t.Fatal("nop logger must still expose sugar")
	}
}

// ============================================================
// Бенчмарки
// ============================================================

func BenchmarkLogger_Rejection(b *testing.B) {
	logger := InitLogger(LogConfig{Level: "info", Format: "json", Output: os.DevNull})
	gate := logger.WithComponent("gate")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		gate.Warn("command rejected",
			CommandID("cmd"),
			Symbol("BTC/USDT"),
			Reason("RateLimited"),
			Mode("NORMAL"),
		)
	}
}

func BenchmarkLogger_BelowLevel(b *testing.B) {
	logger := InitLogger(LogConfig{Level: "warn", Output: os.DevNull})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Debug("suppressed", Int("i", i))
	}
}
