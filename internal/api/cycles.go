package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/store"
)

const (
	defaultCycleLimit  = 50
	maxCycleLimit      = 500
	defaultSymbolLimit = 100
	maxSymbolLimit     = 1000
	cycleQueryTimeout  = 3 * time.Second
)

// CycleHandler exposes read-only cycle run endpoints.
type CycleHandler struct {
	repo    store.CycleRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewCycleHandler wires the repository and logger.
func NewCycleHandler(repo store.CycleRepository, logger *zap.Logger) *CycleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CycleHandler{repo: repo, timeout: cycleQueryTimeout, logger: logger}
}

// ListCycles handles GET /v1/cycles?status=&limit=&offset=. It returns
// {"cycles": [...]}, 400 for invalid filters, or 503 without a repository.
func (h *CycleHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultCycleLimit, maxCycleLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.CycleStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := store.CycleStatus(strings.ToLower(raw))
		if !parsed.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListCycles(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list cycles failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list cycles")
		return
	}
	out := make([]cycleDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toCycleDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": out})
}

// GetCycle handles GET /v1/cycles/{cycle_id}.
func (h *CycleHandler) GetCycle(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle repository unavailable")
		return
	}
	id, err := parseCycleID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetCycle(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "cycle not found")
			return
		}
		h.logger.Error("get cycle failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load cycle")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycle": toCycleDTO(run)})
}

// ListCycleSymbols handles GET /v1/cycles/{cycle_id}/symbols?limit=&offset=.
func (h *CycleHandler) ListCycleSymbols(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle repository unavailable")
		return
	}
	id, err := parseCycleID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSymbolLimit, maxSymbolLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.repo.ListCycleSymbols(ctx, id, limit, offset)
	if err != nil {
		h.logger.Error("list cycle symbols failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list cycle symbols")
		return
	}
	out := make([]symbolDTO, 0, len(stats))
	for _, st := range stats {
		out = append(out, symbolDTO{
			Symbol:     st.Symbol,
			Attempts:   st.Attempts,
			Failures:   st.Failures,
			Accepted:   st.Accepted,
			LastError:  st.LastError,
			LastUpdate: st.LastUpdate,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": out})
}

func parseCycleID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "cycle_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("cycle_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid cycle_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toCycleDTO(run store.CycleRun) cycleDTO {
	return cycleDTO{
		ID:          run.ID.String(),
		Trigger:     run.Trigger,
		TradingDate: run.TradingDate,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Status:      string(run.Status),
		Planned:     run.Planned,
		Accepted:    run.Accepted,
		Unresolved:  run.Unresolved,
		Error:       run.ErrorMessage,
	}
}

type cycleDTO struct {
	ID          string     `json:"id"`
	Trigger     string     `json:"trigger,omitempty"`
	TradingDate string     `json:"trading_date,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      string     `json:"status"`
	Planned     int        `json:"planned"`
	Accepted    int        `json:"accepted"`
	Unresolved  int        `json:"unresolved"`
	Error       *string    `json:"error,omitempty"`
}

type symbolDTO struct {
	Symbol     string    `json:"symbol"`
	Attempts   int64     `json:"attempts"`
	Failures   int64     `json:"failures"`
	Accepted   bool      `json:"accepted"`
	LastError  *string   `json:"last_error,omitempty"`
	LastUpdate time.Time `json:"last_update"`
}
