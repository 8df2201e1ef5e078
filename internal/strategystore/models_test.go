package strategystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_Validate_DefaultsPass(t *testing.T) {
	s := DefaultSettings("strat-1")
	require.NoError(t, s.Validate())
}

func TestSettings_Validate_BoundedFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"min_liquidity_score below 0", func(s *Settings) { s.MinLiquidityScore = -1 }, true},
		{"min_liquidity_score above 100", func(s *Settings) { s.MinLiquidityScore = 101 }, true},
		{"min_liquidity_score at 0 ok", func(s *Settings) { s.MinLiquidityScore = 0 }, false},
		{"min_liquidity_score at 100 ok", func(s *Settings) { s.MinLiquidityScore = 100 }, false},
		{"margin_buffer_pct above 100", func(s *Settings) { s.MarginBufferPct = 100.01 }, true},
		{"max_loss_pct negative", func(s *Settings) { s.MaxLossPct = -0.01 }, true},
		{"max_margin_utilization_pct above 100", func(s *Settings) { s.MaxMarginUtilizationPct = 150 }, true},
		{"max_impact_bps negative", func(s *Settings) { s.MaxImpactBps = -1 }, true},
		{"max_spread_pct negative", func(s *Settings) { s.MaxSpreadPct = -1 }, true},
		{"stale_order_hours negative", func(s *Settings) { s.StaleOrderHours = -1 }, true},
		{"square_off_time malformed", func(s *Settings) { s.SquareOffTime = "3:20pm" }, true},
		{"warning_time malformed", func(s *Settings) { s.WarningTime = "" }, true},
		{"strategy_id missing", func(s *Settings) { s.StrategyID = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings("strat-1")
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
