package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"titan/pkg/utils"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	operatorKey
)

// RequestIDHeader - заголовок корреляции запроса
const RequestIDHeader = "X-Request-ID"

// responseWriter запоминает статус и размер ответа
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap для http.ResponseController
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Logging пишет каждый запрос в zap: метод, путь, статус, latency, клиент, размер.
// Присваивает request id (или берет из X-Request-ID) и кладет его в context.
func Logging(logger *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqID)
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey, reqID))

			// websocket апгрейд требует оригинальный ResponseWriter с Hijacker
			if r.Header.Get("Upgrade") != "" {
				next.ServeHTTP(w, r)
				logger.Debug("http upgrade", utils.RequestID(reqID), utils.String("path", r.URL.Path))
				return
			}

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.Info("http request",
				utils.RequestID(reqID),
				utils.String("method", r.Method),
				utils.String("path", r.URL.Path),
				utils.Int("status", wrapped.statusCode),
				utils.Latency(utils.Millis(time.Since(start))),
				utils.String("client_ip", r.RemoteAddr),
				utils.Int64("bytes", wrapped.written),
			)
		})
	}
}

// RequestID возвращает id запроса из context
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
