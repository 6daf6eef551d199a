package handlers

import (
	"net/http"
	"strconv"

	"titan/pkg/utils"
)

// ErrorResponse - стандартный формат ошибки API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse - ответ на операторское действие
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data == nil {
		return
	}
	if err := utils.JSON.NewEncoder(w).Encode(data); err != nil {
		utils.L().Warn("encode http response", utils.Err(err))
	}
}

// respondWithError отправляет JSON ошибку
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

// queryInt читает положительное целое из query, def при отсутствии.
// Значения сверх max обрезаются.
func queryInt(r *http.Request, key string, def, max int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errBadQuery(key)
	}
	if v > max {
		v = max
	}
	return v, nil
}

type errBadQuery string

func (e errBadQuery) Error() string { return "invalid query parameter: " + string(e) }
