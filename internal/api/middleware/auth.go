package middleware

import (
	"context"
	"net/http"

	"titan/pkg/crypto"
	"titan/pkg/utils"
)

// OperatorAuth - HTTP Basic Authentication оператора: имя и bcrypt-хеш из конфигурации.
//
// Fail-closed: если учетная запись не настроена, операторские endpoints
// отвечают 503 и ничего не выполняют. Имя оператора кладется в context,
// handlers пишут его в причину halt и в журнал.
func OperatorAuth(cred crypto.Credential, logger *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := cred.Configured(); err != nil {
				http.Error(w, "operator access is not configured", http.StatusServiceUnavailable)
				return
			}

			user, pass, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="titan operator"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if err := cred.Check(user, pass); err != nil {
				logger.Warn("operator authentication failed",
					utils.Operator(user),
					utils.String("client_ip", r.RemoteAddr),
					utils.RequestID(RequestID(r.Context())),
				)
				w.Header().Set("WWW-Authenticate", `Basic realm="titan operator"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Operator возвращает имя аутентифицированного оператора
func Operator(ctx context.Context) string {
	name, _ := ctx.Value(operatorKey).(string)
	return name
}
