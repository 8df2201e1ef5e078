package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sodme/engine/internal/depth"
	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/errs"
	"github.com/sodme/engine/internal/housekeeping"
	"github.com/sodme/engine/internal/strategystore"
)

type handler struct {
	deps Deps
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errs.New(errs.KindValidation, "malformed request body: "+err.Error(), nil))
		return false
	}
	return true
}

// decodeJSONStrict is decodeJSON with unknown keys rejected (spec §3/§9:
// Strategy Settings is "validated at the boundary; unknown keys rejected").
func decodeJSONStrict(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, errs.New(errs.KindValidation, "malformed request body: "+err.Error(), nil))
		return false
	}
	return true
}

// analyzeExecutionRequest is the POST /orders/analyze-execution body.
type analyzeExecutionRequest struct {
	OrderID    string               `json:"order_id"`
	Instrument domain.Instrument    `json:"instrument"`
	Side       domain.OrderSide     `json:"side"`
	Quantity   int                  `json:"quantity"`
	Depth      *domain.DepthSnapshot `json:"depth"`
}

func (h *handler) analyzeExecution(w http.ResponseWriter, r *http.Request) {
	var req analyzeExecutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	analysis, dec := h.deps.Depth.Analyze(r.Context(), depth.Request{
		OrderID:    req.OrderID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Depth:      req.Depth,
		Thresholds: depth.DefaultThresholds(),
	})
	if dec != nil {
		writeError(w, dec)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (h *handler) calculateCosts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Costs == nil {
		writeError(w, errs.New(errs.KindConfiguration, "cost calculator not configured", nil))
		return
	}
	var order domain.Order
	if !decodeJSON(w, r, &order) {
		return
	}
	costs, err := h.deps.Costs.CalculateCosts(r.Context(), order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, costs)
}

func (h *handler) calculateMarginPreview(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyID")

	var body struct {
		Orders    []domain.Order `json:"orders"`
		BufferPct float64        `json:"buffer_pct"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	snap, err := h.deps.Margin.CalculateBatch(r.Context(), strategyID, body.Orders, body.BufferPct, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) currentMargin(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyID")
	if h.deps.History == nil {
		writeError(w, errs.New(errs.KindConfiguration, "margin history not configured", nil))
		return
	}
	snap, err := h.deps.History.LastSnapshot(r.Context(), strategyID)
	if err != nil {
		writeError(w, err)
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusNotFound, wireError{Kind: "NotFound", Message: "no margin snapshot yet for strategy"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) marginHistory(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyID")
	if h.deps.History == nil {
		writeError(w, errs.New(errs.KindConfiguration, "margin history not configured", nil))
		return
	}

	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			days = n
		}
	}

	hist, err := h.deps.History.SnapshotHistory(r.Context(), strategyID, days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *handler) orphanedOrders(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyID")
	if h.deps.Orphans == nil {
		writeError(w, errs.New(errs.KindConfiguration, "orphan reader not configured", nil))
		return
	}
	orders, err := h.deps.Orphans.OrphanedOrders(r.Context(), strategyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *handler) cleanupOrphanedOrders(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyID")

	settings, err := h.deps.Strategies.GetSettings(r.Context(), strategyID)
	if err != nil {
		writeError(w, err)
		return
	}

	n, err := h.deps.Housekeeping.Run(r.Context(), strategyID, housekeeping.TriggerManual, toHousekeepingSettings(*settings), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"orders_cleaned": n})
}

func toHousekeepingSettings(s strategystore.Settings) housekeeping.Settings {
	return housekeeping.Settings{
		AutoCleanup:     s.AutoCleanup,
		AllowOrphans:    s.AllowOrphans,
		StaleOrderHours: s.StaleOrderHours,
		HardStaleHours:  s.StaleOrderHours * 2,
		Intraday:        s.Intraday,
		SquareOffTime:   s.SquareOffTime,
		WarningTime:     s.WarningTime,
	}
}

func (h *handler) getSettings(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyID")
	settings, err := h.deps.Strategies.GetSettings(r.Context(), strategyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *handler) putSettings(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyID")

	var settings strategystore.Settings
	if !decodeJSONStrict(w, r, &settings) {
		return
	}
	settings.StrategyID = strategyID

	if err := settings.Validate(); err != nil {
		writeError(w, errs.New(errs.KindValidation, err.Error(), nil))
		return
	}

	if err := h.deps.Strategies.SaveSettings(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *handler) respondAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	if h.deps.Alerts == nil {
		writeError(w, errs.New(errs.KindConfiguration, "alert store not configured", nil))
		return
	}

	var body struct {
		Action string `json:"action"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	resp := domain.AlertResponse{Action: body.Action, Timestamp: time.Now()}
	if err := h.deps.Alerts.RespondToAlert(r.Context(), alertID, resp); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) markAlertRead(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	if h.deps.Alerts == nil {
		writeError(w, errs.New(errs.KindConfiguration, "alert store not configured", nil))
		return
	}
	if err := h.deps.Alerts.MarkAlertRead(r.Context(), alertID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) userAlerts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if h.deps.Alerts == nil {
		writeError(w, errs.New(errs.KindConfiguration, "alert store not configured", nil))
		return
	}
	alerts, err := h.deps.Alerts.UserAlerts(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *handler) systemHealth(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	stats, err := h.deps.Health.SystemHealth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
