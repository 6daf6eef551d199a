package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"titan/pkg/utils"
)

// Recovery перехватывает panic в handlers и отвечает 500.
// Паника операторского запроса не должна ронять гейт.
func Recovery(logger *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic in http handler",
						utils.String("method", r.Method),
						utils.String("path", r.URL.Path),
						utils.String("panic", fmt.Sprint(err)),
						utils.String("stack", string(debug.Stack())),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
