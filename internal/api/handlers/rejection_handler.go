package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"titan/internal/models"
	"titan/internal/repository"
)

// RejectionHistory - журнал отклонений в PostgreSQL
type RejectionHistory interface {
	GetRecent(limit int) ([]*models.RejectionEvent, error)
	GetByCommandID(commandID string) (*models.RejectionEvent, error)
	CountByReason(since time.Time, reasons ...models.ReasonCode) (map[models.ReasonCode]int, error)
}

// RejectionHandler отдает историю отклонений из базы
type RejectionHandler struct {
	history RejectionHistory
	now     func() time.Time
}

func NewRejectionHandler(history RejectionHistory) *RejectionHandler {
	return &RejectionHandler{history: history, now: time.Now}
}

// GetHistory GET /api/v1/rejections/history?limit=N
func (h *RejectionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100, 1000)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.history.GetRecent(limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to load rejection history")
		return
	}
	if events == nil {
		events = []*models.RejectionEvent{}
	}
	respondWithJSON(w, http.StatusOK, events)
}

// GetByCommand GET /api/v1/rejections/{commandID}
func (h *RejectionHandler) GetByCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["commandID"]
	if id == "" {
		respondWithError(w, http.StatusBadRequest, "command id is required")
		return
	}

	ev, err := h.history.GetByCommandID(id)
	if err != nil {
		if errors.Is(err, repository.ErrRejectionNotFound) {
			respondWithError(w, http.StatusNotFound, "no rejection for command "+id)
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to load rejection")
		return
	}
	respondWithJSON(w, http.StatusOK, ev)
}

// StatsResponse - число отклонений по кодам причин
type StatsResponse struct {
	Since  time.Time                 `json:"since"`
	Total  int                       `json:"total"`
	Counts map[models.ReasonCode]int `json:"counts"`
}

// GetStats GET /api/v1/rejections/stats?since=24h&reason=RateLimited,SystemHalted
//
// since - длительность Go (1h, 30m) или RFC3339. По умолчанию сутки.
func (h *RejectionHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"), h.now())
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	var reasons []models.ReasonCode
	if raw := r.URL.Query().Get("reason"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			code := models.ReasonCode(strings.TrimSpace(part))
			if !code.Valid() {
				respondWithError(w, http.StatusBadRequest, "unknown reason code: "+string(code))
				return
			}
			reasons = append(reasons, code)
		}
	}

	counts, err := h.history.CountByReason(since, reasons...)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to count rejections")
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	respondWithJSON(w, http.StatusOK, StatsResponse{Since: since, Total: total, Counts: counts})
}

func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.Add(-24 * time.Hour), nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errBadQuery("since")
	}
	return t, nil
}
