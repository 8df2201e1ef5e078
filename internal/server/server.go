// Package server is SODME's REST + WebSocket surface (spec §6), grounded in
// the teacher's chi-router-plus-handler-per-module convention
// (internal/server/server.go) and its SSE live channel (events_stream.go),
// here upgraded to a WebSocket per SPEC_FULL.md §10.5/§11.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/depth"
	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/errs"
	"github.com/sodme/engine/internal/events"
	"github.com/sodme/engine/internal/housekeeping"
	"github.com/sodme/engine/internal/margin"
	"github.com/sodme/engine/internal/strategystore"
)

// CostCalculator computes the signed transaction-cost ledger for an order
// (spec §3 Cost Breakdown).
type CostCalculator interface {
	CalculateCosts(ctx context.Context, order domain.Order) (*domain.CostBreakdown, error)
}

// MarginHistory reads persisted margin snapshots for a strategy.
type MarginHistory interface {
	LastSnapshot(ctx context.Context, strategy string) (*domain.MarginSnapshot, error)
	SnapshotHistory(ctx context.Context, strategy string, days int) ([]domain.MarginSnapshot, error)
}

// OrphanReader lists a strategy's currently-orphaned orders for the GET
// endpoint, independent of running a cleanup pass.
type OrphanReader interface {
	OrphanedOrders(ctx context.Context, strategy string) ([]domain.Order, error)
}

// AlertStore backs the alert response/mark-read/list endpoints.
type AlertStore interface {
	RespondToAlert(ctx context.Context, alertID string, action domain.AlertResponse) error
	MarkAlertRead(ctx context.Context, alertID string) error
	UserAlerts(ctx context.Context, userID string) ([]domain.Alert, error)
}

// HealthReporter supplies the /system/health payload (gopsutil process
// stats + broker circuit state, SPEC_FULL.md §11).
type HealthReporter interface {
	SystemHealth(ctx context.Context) (map[string]interface{}, error)
}

// Deps wires every component the REST surface exposes.
type Deps struct {
	Depth         *depth.Analyzer
	Margin        *margin.Engine
	Housekeeping  *housekeeping.Engine
	Strategies    *strategystore.Repository
	Costs         CostCalculator
	History       MarginHistory
	Orphans       OrphanReader
	Alerts        AlertStore
	Bus           *events.Bus
	Health        HealthReporter
	CORSOrigins   []string
	Log           zerolog.Logger
}

// New builds the chi router for the whole REST + WebSocket surface.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(deps.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &handler{deps: deps}

	r.Route("/orders", func(r chi.Router) {
		r.Post("/analyze-execution", h.analyzeExecution)
		r.Post("/calculate-costs", h.calculateCosts)
	})

	r.Route("/strategies/{strategyID}", func(r chi.Router) {
		r.Post("/calculate-margin", h.calculateMarginPreview)
		r.Get("/margin/current", h.currentMargin)
		r.Get("/margin/history", h.marginHistory)
		r.Get("/orphaned-orders", h.orphanedOrders)
		r.Post("/cleanup-orphaned-orders", h.cleanupOrphanedOrders)
		r.Put("/settings", h.putSettings)
		r.Get("/settings", h.getSettings)
	})

	r.Route("/alerts/{alertID}", func(r chi.Router) {
		r.Post("/respond", h.respondAlert)
		r.Put("/mark-read", h.markAlertRead)
	})

	r.Get("/users/{userID}/alerts", h.userAlerts)

	r.Get("/live", h.liveChannel)
	r.Get("/system/health", h.systemHealth)

	return r
}

func loggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request handled")
		})
	}
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// wireError is the standard error envelope (spec §7).
type wireError struct {
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
	Payload interface{} `json:"payload,omitempty"`
}

// writeError maps an error to an HTTP status and the wire error envelope
// (spec §7 "well-defined wire errors").
func writeError(w http.ResponseWriter, err error) {
	dec, ok := err.(*errs.Decision)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, wireError{Kind: "InternalError", Message: err.Error()})
		return
	}

	status := http.StatusBadRequest
	switch dec.Kind {
	case errs.KindValidation, errs.KindDuplicateOrder:
		status = http.StatusBadRequest
	case errs.KindConfiguration:
		status = http.StatusInternalServerError
	case errs.KindBrokerTransient, errs.KindRateLimit, errs.KindDepthUnavailable:
		status = http.StatusServiceUnavailable
	case errs.KindBrokerPermanent:
		status = http.StatusBadGateway
	case errs.KindInsufficientLiquid, errs.KindWideSpread, errs.KindHighImpact:
		status = http.StatusUnprocessableEntity
	case errs.KindMarginShortfall, errs.KindMarginIncreased, errs.KindRiskLimitBreach, errs.KindGreeksRisk:
		status = http.StatusConflict
	case errs.KindOrphanedOrders:
		status = http.StatusConflict
	case errs.KindPersistence:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, wireError{Kind: string(dec.Kind), Message: dec.Message, Payload: dec.Payload})
}
