// Package strategystore is the Strategy Store (spec §4, §3): persistence
// for Strategy rows and their per-strategy Settings, grounded in the
// teacher's settings-repository idiom (key/value override layer backing
// config.Config) adapted to a fully-typed one-row-per-strategy table.
package strategystore

import (
	"fmt"
	"time"
)

// Settings holds one strategy's configurable behavior (spec §3 Strategy
// Settings). Defaults mirror internal/database/schemas/strategy_schema.sql.
type Settings struct {
	StrategyID string `json:"strategy_id"`

	AutoCleanup               bool    `json:"auto_cleanup"`
	CleanupOnExit             bool    `json:"cleanup_on_exit"`
	AllowOrphans              bool    `json:"allow_orphans"`
	MaxSpreadPct              float64 `json:"max_spread_pct"`
	MinLiquidityScore         float64 `json:"min_liquidity_score"`
	MaxImpactBps              int     `json:"max_impact_bps"`
	RequireApprovalHighImpact bool    `json:"require_approval_high_impact"`
	MarginBufferPct           float64 `json:"margin_buffer_pct"`
	CheckMarginBeforeOrder    bool    `json:"check_margin_before_order"`
	MaxLossPct                float64 `json:"max_loss_pct"`
	MaxMarginUtilizationPct   float64 `json:"max_margin_utilization_pct"`
	AutoSquareOffOnLoss       bool    `json:"auto_square_off_on_loss"`
	Intraday                  bool    `json:"intraday"`
	SquareOffTime             string  `json:"square_off_time"` // "HH:MM:SS" local exchange time
	WarningTime               string  `json:"warning_time"`
	StaleOrderHours           int     `json:"stale_order_hours"`
}

// DefaultSettings returns the schema's column defaults for a new strategy.
func DefaultSettings(strategyID string) Settings {
	return Settings{
		StrategyID:                strategyID,
		AutoCleanup:               true,
		CleanupOnExit:             true,
		AllowOrphans:              false,
		MaxSpreadPct:              1.0,
		MinLiquidityScore:         40,
		MaxImpactBps:              50,
		RequireApprovalHighImpact: true,
		MarginBufferPct:           10,
		CheckMarginBeforeOrder:    true,
		MaxLossPct:                5,
		MaxMarginUtilizationPct:   90,
		AutoSquareOffOnLoss:       false,
		Intraday:                  true,
		SquareOffTime:             "15:20:00",
		WarningTime:               "15:15:00",
		StaleOrderHours:           4,
	}
}

// Validate enforces the boundary rules spec §3/§9 require of Strategy
// Settings ("enumerated recognized options"; percentage/score fields
// bounded 0..100, square_off_time/warning_time well-formed times). It does
// not reject unknown fields itself — that is enforced by the JSON decoder
// at the HTTP boundary (json.Decoder.DisallowUnknownFields) before a value
// ever reaches Validate.
func (s Settings) Validate() error {
	if s.StrategyID == "" {
		return fmt.Errorf("strategy_id is required")
	}
	if s.MaxSpreadPct < 0 {
		return fmt.Errorf("max_spread_pct must be >= 0, got %v", s.MaxSpreadPct)
	}
	if s.MinLiquidityScore < 0 || s.MinLiquidityScore > 100 {
		return fmt.Errorf("min_liquidity_score must be 0..100, got %v", s.MinLiquidityScore)
	}
	if s.MaxImpactBps < 0 {
		return fmt.Errorf("max_impact_bps must be >= 0, got %v", s.MaxImpactBps)
	}
	if s.MarginBufferPct < 0 || s.MarginBufferPct > 100 {
		return fmt.Errorf("margin_buffer_pct must be 0..100, got %v", s.MarginBufferPct)
	}
	if s.MaxLossPct < 0 || s.MaxLossPct > 100 {
		return fmt.Errorf("max_loss_pct must be 0..100, got %v", s.MaxLossPct)
	}
	if s.MaxMarginUtilizationPct < 0 || s.MaxMarginUtilizationPct > 100 {
		return fmt.Errorf("max_margin_utilization_pct must be 0..100, got %v", s.MaxMarginUtilizationPct)
	}
	if s.StaleOrderHours < 0 {
		return fmt.Errorf("stale_order_hours must be >= 0, got %v", s.StaleOrderHours)
	}
	if _, err := time.Parse("15:04:05", s.SquareOffTime); err != nil {
		return fmt.Errorf("square_off_time must be HH:MM:SS, got %q", s.SquareOffTime)
	}
	if _, err := time.Parse("15:04:05", s.WarningTime); err != nil {
		return fmt.Errorf("warning_time must be HH:MM:SS, got %q", s.WarningTime)
	}
	return nil
}
