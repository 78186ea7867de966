package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/andreasstove999/cash-dispenser-go/internal/cassette"
	"github.com/andreasstove999/cash-dispenser-go/internal/dispenser"
	"github.com/andreasstove999/cash-dispenser-go/internal/withdrawal"
)

type Withdrawals interface {
	Withdraw(ctx context.Context, requestID string, amount int) (withdrawal.Outcome, error)
	Replenish(ctx context.Context, noteValue, count int) error
	SetCount(ctx context.Context, noteValue, count int) error
	Stock() []dispenser.Denomination
	ReportStock(w io.Writer) error
}

type Handler struct {
	svc    Withdrawals
	logger *zap.Logger
}

func NewHandler(svc Withdrawals, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type dispenseRequest struct {
	RequestID string `json:"requestId"`
	Amount    int    `json:"amount"`
}

func (h *Handler) Dispense(w http.ResponseWriter, r *http.Request) {
	var req dispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	out, err := h.svc.Withdraw(r.Context(), req.RequestID, req.Amount)
	if err != nil {
		if errors.Is(err, cassette.ErrDuplicateRequest) || errors.Is(err, withdrawal.ErrRequestReused) {
			http.Error(w, "duplicate request", http.StatusConflict)
			return
		}
		h.logger.Error("withdraw failed", zap.String("request_id", req.RequestID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if !out.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, out)
}

func (h *Handler) Stock(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := h.svc.ReportStock(w); err != nil {
			h.logger.Warn("write stock report", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Stock())
}

type replenishRequest struct {
	Note  int `json:"note"`
	Count int `json:"count"`
}

func (h *Handler) Replenish(w http.ResponseWriter, r *http.Request) {
	var req replenishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := h.svc.Replenish(r.Context(), req.Note, req.Count); err != nil {
		switch {
		case errors.Is(err, withdrawal.ErrInvalidReplenish):
			http.Error(w, "bad request", http.StatusBadRequest)
		case errors.Is(err, dispenser.ErrUnknownDenomination), errors.Is(err, cassette.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		default:
			h.logger.Error("replenish failed", zap.Int("note", req.Note), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, h.svc.Stock())
}

type setCountRequest struct {
	Count int `json:"count"`
}

// SetCount overwrites one cassette after a physical recount.
func (h *Handler) SetCount(w http.ResponseWriter, r *http.Request) {
	note, err := strconv.Atoi(chi.URLParam(r, "note"))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var req setCountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := h.svc.SetCount(r.Context(), note, req.Count); err != nil {
		switch {
		case errors.Is(err, withdrawal.ErrInvalidCount):
			http.Error(w, "bad request", http.StatusBadRequest)
		case errors.Is(err, dispenser.ErrUnknownDenomination), errors.Is(err, cassette.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		default:
			h.logger.Error("set count failed", zap.Int("note", note), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, h.svc.Stock())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
