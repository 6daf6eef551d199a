package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"titan/internal/api/middleware"
	"titan/internal/breaker"
	"titan/internal/gate"
	"titan/pkg/utils"
)

// Operator - действия оператора над гейтом
type Operator interface {
	Halt(operator, reason string) bool
	ClearHalt(operator string) error
	Flatten(ctx context.Context, operator string) (int, error)
}

// OperatorHandler - аварийные действия: halt, clear, flatten.
// Все endpoints за OperatorAuth, имя оператора берется из context.
type OperatorHandler struct {
	op     Operator
	logger *utils.Logger
}

func NewOperatorHandler(op Operator, logger *utils.Logger) *OperatorHandler {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &OperatorHandler{op: op, logger: logger.WithComponent("operator-api")}
}

// HaltRequest - тело POST /operator/halt
type HaltRequest struct {
	Reason string `json:"reason"`
}

// Halt POST /api/v1/operator/halt
func (h *OperatorHandler) Halt(w http.ResponseWriter, r *http.Request) {
	var req HaltRequest
	if err := utils.JSON.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	operator := middleware.Operator(r.Context())
	changed := h.op.Halt(operator, req.Reason)
	h.logger.Warn("halt requested", utils.Operator(operator), utils.Bool("changed", changed))

	msg := "system halted"
	if !changed {
		msg = "system already halted"
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: msg})
}

// ClearHalt POST /api/v1/operator/clear-halt
func (h *OperatorHandler) ClearHalt(w http.ResponseWriter, r *http.Request) {
	operator := middleware.Operator(r.Context())
	if err := h.op.ClearHalt(operator); err != nil {
		if errors.Is(err, breaker.ErrNotHalted) {
			respondWithError(w, http.StatusConflict, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Warn("halt cleared", utils.Operator(operator))
	respondWithJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "halt cleared"})
}

// FlattenResponse - число разосланных закрывающих команд
type FlattenResponse struct {
	Orders int `json:"orders"`
}

// Flatten POST /api/v1/operator/flatten
func (h *OperatorHandler) Flatten(w http.ResponseWriter, r *http.Request) {
	operator := middleware.Operator(r.Context())
	n, err := h.op.Flatten(r.Context(), operator)
	if err != nil {
		if errors.Is(err, gate.ErrNoSigner) {
			respondWithError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.logger.Error("flatten failed", utils.Operator(operator), utils.Err(err))
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "flatten dispatched",
		Data:    FlattenResponse{Orders: n},
	})
}
