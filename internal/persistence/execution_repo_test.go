package persistence

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/database"
	"github.com/sodme/engine/internal/domain"
)

func TestExecutionRepo_SaveAnalysisAndLatest(t *testing.T) {
	db, cleanup := database.NewTestDB(t, "orders")
	defer cleanup()
	repo := NewExecutionRepo(db, zerolog.Nop())
	ctx := context.Background()

	a := domain.ExecutionAnalysis{
		OrderID: "ord-1", SpreadAbs: 0.5, SpreadPct: 0.2, LiquidityTier: domain.LiquidityHigh,
		LiquidityScore: 90, EstimatedFillPrice: 100.5, ImpactBps: 5, LevelsConsumed: 1,
		CanFillCompletely: true, RecommendedAction: domain.ActionExecuteMarket, RecommendedType: domain.OrderMarket,
	}
	require.NoError(t, repo.SaveAnalysis(ctx, a))

	got, err := repo.LatestAnalysis(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.LiquidityHigh, got.LiquidityTier)
	assert.True(t, got.CanFillCompletely)

	// append-only: a second row for the same order must not clobber the first
	a.ActualFillPrice = ptr(100.6)
	require.NoError(t, repo.SaveAnalysis(ctx, a))
	got2, err := repo.LatestAnalysis(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, got2.ActualFillPrice)
	assert.Equal(t, 100.6, *got2.ActualFillPrice)
}

func TestExecutionRepo_SaveCostBreakdown_Upserts(t *testing.T) {
	db, cleanup := database.NewTestDB(t, "orders")
	defer cleanup()
	repo := NewExecutionRepo(db, zerolog.Nop())
	ctx := context.Background()

	c := domain.CostBreakdown{
		OrderValue:   decimal.NewFromInt(1000),
		Brokerage:    decimal.NewFromInt(20),
		TotalCharges: decimal.NewFromInt(25),
		NetCost:      decimal.NewFromInt(1025),
	}
	require.NoError(t, repo.SaveCostBreakdown(ctx, "ord-1", c))

	c.TotalCharges = decimal.NewFromInt(30)
	require.NoError(t, repo.SaveCostBreakdown(ctx, "ord-1", c))
}

func TestExecutionRepo_ReserveIdempotencyKey_RejectsDuplicate(t *testing.T) {
	db, cleanup := database.NewTestDB(t, "orders")
	defer cleanup()
	repo := NewExecutionRepo(db, zerolog.Nop())
	ctx := context.Background()

	ok, err := repo.ReserveIdempotencyKey(ctx, "key-1", "ord-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ReserveIdempotencyKey(ctx, "key-1", "ord-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.RecordBrokerOrderID(ctx, "key-1", "broker-ord-1"))
}

func ptr(v float64) *float64 { return &v }
