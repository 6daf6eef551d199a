package handlers

import (
	"net/http"
	"time"

	"titan/internal/breaker"
	"titan/internal/handshake"
	"titan/internal/models"
	"titan/internal/policy"
	"titan/internal/shadow"
)

// Guard - чтение состояния гейта
type Guard interface {
	BreakerStatus() breaker.Status
	Policy() *policy.Snapshot
	Signers() []handshake.SignerInfo
	Positions() []models.Position
	Account() shadow.Account
	RecentRejections(limit int) []models.RejectionEvent
}

// StatusHandler обслуживает read-only endpoints состояния
type StatusHandler struct {
	guard Guard
}

func NewStatusHandler(guard Guard) *StatusHandler {
	return &StatusHandler{guard: guard}
}

// StatusResponse - сводка для консоли оператора
type StatusResponse struct {
	Breaker    breaker.Status         `json:"breaker"`
	PolicyHash string                 `json:"policy_hash"`
	Account    shadow.Account         `json:"account"`
	Positions  int                    `json:"positions"`
	Signers    []handshake.SignerInfo `json:"signers"`
}

// GetStatus GET /api/v1/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Breaker:   h.guard.BreakerStatus(),
		Account:   h.guard.Account(),
		Positions: len(h.guard.Positions()),
		Signers:   h.guard.Signers(),
	}
	if snap := h.guard.Policy(); snap != nil {
		resp.PolicyHash = snap.Hash()
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// PolicyResponse - активная политика и ее хеш
type PolicyResponse struct {
	Hash     string            `json:"hash"`
	Version  string            `json:"version"`
	Source   string            `json:"source"`
	LoadedAt time.Time         `json:"loaded_at"`
	Policy   policy.RiskPolicy `json:"policy"`
}

// GetPolicy GET /api/v1/policy
func (h *StatusHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	snap := h.guard.Policy()
	if snap == nil {
		respondWithError(w, http.StatusServiceUnavailable, "no policy loaded")
		return
	}
	respondWithJSON(w, http.StatusOK, PolicyResponse{
		Hash:     snap.Hash(),
		Version:  snap.Version(),
		Source:   snap.Source(),
		LoadedAt: snap.LoadedAt(),
		Policy:   snap.Policy(),
	})
}

// GetPositions GET /api/v1/positions
func (h *StatusHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.guard.Positions()
	if positions == nil {
		positions = []models.Position{}
	}
	respondWithJSON(w, http.StatusOK, positions)
}

// GetRecentRejections GET /api/v1/rejections?limit=N - кольцо в памяти, новые первыми
func (h *StatusHandler) GetRecentRejections(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1000)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	events := h.guard.RecentRejections(limit)
	if events == nil {
		events = []models.RejectionEvent{}
	}
	respondWithJSON(w, http.StatusOK, events)
}
