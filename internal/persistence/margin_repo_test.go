package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/database"
	"github.com/sodme/engine/internal/domain"
)

func TestMarginRepo_SaveAndLoadSnapshot(t *testing.T) {
	db, cleanup := database.NewTestDB(t, "margin")
	defer cleanup()
	repo := NewMarginRepo(db, zerolog.Nop())
	ctx := context.Background()

	snap := domain.MarginSnapshot{
		Strategy:       "strat-1",
		Timestamp:      time.Now().UTC(),
		Span:           1000,
		Exposure:       200,
		Premium:        50,
		Total:          1250,
		Available:      5000,
		UtilizationPct: 25,
		Source:         domain.SourceBroker,
		AppliedFactors: []domain.AppliedFactor{{Kind: domain.FactorVIX, Value: 18.5, Multiplier: 1.1}},
		Warnings:       []string{"near limit"},
	}
	require.NoError(t, repo.SaveSnapshot(ctx, snap))

	got, err := repo.LastSnapshot(ctx, "strat-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.Total, got.Total)
	assert.Equal(t, domain.SourceBroker, got.Source)
	require.Len(t, got.AppliedFactors, 1)
	assert.Equal(t, domain.FactorVIX, got.AppliedFactors[0].Kind)
	assert.Equal(t, []string{"near limit"}, got.Warnings)
}

func TestMarginRepo_LastSnapshot_NoneYet(t *testing.T) {
	db, cleanup := database.NewTestDB(t, "margin")
	defer cleanup()
	repo := NewMarginRepo(db, zerolog.Nop())

	got, err := repo.LastSnapshot(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarginRepo_SnapshotHistory_OrdersOldestFirst(t *testing.T) {
	db, cleanup := database.NewTestDB(t, "margin")
	defer cleanup()
	repo := NewMarginRepo(db, zerolog.Nop())
	ctx := context.Background()

	base := time.Now().UTC().Add(-2 * time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.SaveSnapshot(ctx, domain.MarginSnapshot{
			Strategy: "strat-1", Timestamp: base.Add(time.Duration(i) * time.Hour),
			Total: float64(1000 + i*100), Source: domain.SourceInternal,
		}))
	}

	hist, err := repo.SnapshotHistory(ctx, "strat-1", 7)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, 1000.0, hist[0].Total)
	assert.Equal(t, 1200.0, hist[2].Total)
}

func TestMarginRepo_NSECacheAndRegulatoryOverride(t *testing.T) {
	db, cleanup := database.NewTestDB(t, "margin")
	defer cleanup()
	repo := NewMarginRepo(db, zerolog.Nop())
	ctx := context.Background()

	day := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	mul := 1.25
	require.NoError(t, repo.SaveNSECacheEntry(ctx, 12345, day, 8000, 3.0, &mul))

	span, err := repo.BaseSPAN(ctx, 12345, day)
	require.NoError(t, err)
	assert.Equal(t, 8000.0, span)

	override, ok, err := repo.RegulatoryOverride(ctx, 12345)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.25, override)

	_, err = repo.BaseSPAN(ctx, 99999, day)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarginRepo_SettlementPrice(t *testing.T) {
	db, cleanup := database.NewTestDB(t, "margin")
	defer cleanup()
	repo := NewMarginRepo(db, zerolog.Nop())
	ctx := context.Background()

	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveSettlement(ctx, domain.SettlementRecord{
		Instrument: domain.Instrument{Token: 777}, Date: day,
		PreviousSettle: 100, NewSettle: 105, M2MPnL: 500,
	}))

	price, err := repo.SettlementPrice(ctx, 777, day)
	require.NoError(t, err)
	assert.Equal(t, 105.0, price)
}
