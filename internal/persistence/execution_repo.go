package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/database"
	"github.com/sodme/engine/internal/domain"
)

// ExecutionRepo persists Depth Analyzer output, cost breakdowns, and the
// order-placement idempotency-key store, all over orders.db.
type ExecutionRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewExecutionRepo builds an ExecutionRepo over an already-migrated orders.db.
func NewExecutionRepo(db *database.DB, log zerolog.Logger) *ExecutionRepo {
	return &ExecutionRepo{db: db, log: log.With().Str("component", "execution_repo").Logger()}
}

// SaveAnalysis appends an ExecutionAnalysis row. Append-only per the
// schema's index-not-unique-on-order_id design (spec §9 Open Question 3).
func (r *ExecutionRepo) SaveAnalysis(ctx context.Context, a domain.ExecutionAnalysis) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	warningsJSON, err := json.Marshal(a.Warnings)
	if err != nil {
		return fmt.Errorf("persistence: marshal execution warnings: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO order_execution_analysis (
			id, order_id, spread_abs, spread_pct, liquidity_tier, liquidity_score,
			estimated_fill_price, impact_bps, impact_cost, levels_consumed, can_fill_completely,
			warnings, recommended_action, recommended_type, actual_fill_price, actual_slippage,
			quality_score, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), a.OrderID, a.SpreadAbs, a.SpreadPct, string(a.LiquidityTier), a.LiquidityScore,
		a.EstimatedFillPrice, a.ImpactBps, a.ImpactCost, a.LevelsConsumed, boolToInt(a.CanFillCompletely),
		string(warningsJSON), string(a.RecommendedAction), string(a.RecommendedType),
		a.ActualFillPrice, a.ActualSlippage, a.QualityScore, a.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("persistence: save execution analysis for %s: %w", a.OrderID, err)
	}
	return nil
}

// SaveCostBreakdown upserts an order's cost ledger (one row per order).
func (r *ExecutionRepo) SaveCostBreakdown(ctx context.Context, orderID string, c domain.CostBreakdown) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO order_cost_breakdown (
			order_id, order_value, brokerage, stt, exchange_charges, gst, sebi_charges,
			stamp_duty, total_charges, net_cost, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			order_value = excluded.order_value,
			brokerage = excluded.brokerage,
			stt = excluded.stt,
			exchange_charges = excluded.exchange_charges,
			gst = excluded.gst,
			sebi_charges = excluded.sebi_charges,
			stamp_duty = excluded.stamp_duty,
			total_charges = excluded.total_charges,
			net_cost = excluded.net_cost`,
		orderID, c.OrderValue, c.Brokerage, c.STT, c.ExchangeCharges, c.GST, c.SEBICharges,
		c.StampDuty, c.TotalCharges, c.NetCost, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("persistence: save cost breakdown for %s: %w", orderID, err)
	}
	return nil
}

// ReserveIdempotencyKey inserts an idempotency key before an order is
// forwarded to the broker. A conflict means a retry of an in-flight or
// already-placed order; the caller should not re-submit (spec §7 "duplicate
// writes are deduped by idempotency key and never double-charged").
func (r *ExecutionRepo) ReserveIdempotencyKey(ctx context.Context, key, orderID string) (bool, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO order_idempotency_keys (idempotency_key, order_id, created_at)
		VALUES (?, ?, ?)`,
		key, orderID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("persistence: reserve idempotency key %s: %w", key, err)
	}
	return true, nil
}

// RecordBrokerOrderID attaches the broker's order id to a reserved
// idempotency key once PlaceOrder succeeds.
func (r *ExecutionRepo) RecordBrokerOrderID(ctx context.Context, key, brokerOrderID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE order_idempotency_keys SET broker_order_id = ? WHERE idempotency_key = ?`,
		brokerOrderID, key,
	)
	if err != nil {
		return fmt.Errorf("persistence: record broker order id for key %s: %w", key, err)
	}
	return nil
}

// LatestAnalysis returns the most recent execution analysis recorded for
// an order, or nil if none exists yet.
func (r *ExecutionRepo) LatestAnalysis(ctx context.Context, orderID string) (*domain.ExecutionAnalysis, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT order_id, spread_abs, spread_pct, liquidity_tier, liquidity_score, estimated_fill_price,
		       impact_bps, impact_cost, levels_consumed, can_fill_completely, warnings,
		       recommended_action, recommended_type, actual_fill_price, actual_slippage, quality_score, created_at
		FROM order_execution_analysis WHERE order_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, orderID)

	var a domain.ExecutionAnalysis
	var tier, warningsJSON, action, orderType, createdAt string
	var canFill int
	if err := row.Scan(&a.OrderID, &a.SpreadAbs, &a.SpreadPct, &tier, &a.LiquidityScore, &a.EstimatedFillPrice,
		&a.ImpactBps, &a.ImpactCost, &a.LevelsConsumed, &canFill, &warningsJSON, &action, &orderType,
		&a.ActualFillPrice, &a.ActualSlippage, &a.QualityScore, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: latest analysis for %s: %w", orderID, err)
	}
	a.LiquidityTier = domain.LiquidityTier(tier)
	a.CanFillCompletely = canFill != 0
	a.RecommendedAction = domain.RecommendedAction(action)
	a.RecommendedType = domain.OrderType(orderType)
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	_ = json.Unmarshal([]byte(warningsJSON), &a.Warnings)
	return &a, nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "constraint failed"))
}
