package costs

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCalculator_CalculateCosts_EquityBuy(t *testing.T) {
	c := New()
	order := domain.Order{
		Instrument: domain.Instrument{Segment: domain.SegmentEquity, LotSize: 1},
		Side:       domain.Buy,
		Price:      100,
		Quantity:   10,
	}

	cb, err := c.CalculateCosts(context.Background(), order)
	require.NoError(t, err)

	assert.True(t, dec("1000").Equal(cb.OrderValue))
	assert.True(t, decimal.Zero.Equal(cb.Brokerage))
	assert.True(t, dec("1.00").Equal(cb.STT))        // 0.1% of 1000
	assert.True(t, dec("0.15").Equal(cb.StampDuty))  // 0.015% of 1000, buy leg only
	assert.True(t, cb.TotalCharges.GreaterThan(decimal.Zero))
	assert.True(t, cb.OrderValue.Add(cb.TotalCharges).Equal(cb.NetCost))
}

func TestCalculator_CalculateCosts_EquitySell_NoStampDuty(t *testing.T) {
	c := New()
	order := domain.Order{
		Instrument: domain.Instrument{Segment: domain.SegmentEquity, LotSize: 1},
		Side:       domain.Sell,
		Price:      100,
		Quantity:   10,
	}

	cb, err := c.CalculateCosts(context.Background(), order)
	require.NoError(t, err)

	assert.True(t, decimal.Zero.Equal(cb.StampDuty))
	assert.True(t, cb.OrderValue.Sub(cb.TotalCharges).Equal(cb.NetCost))
}

func TestCalculator_CalculateCosts_OptionsBuy_NoSTT(t *testing.T) {
	c := New()
	order := domain.Order{
		Instrument: domain.Instrument{Segment: domain.SegmentOptions, LotSize: 75},
		Side:       domain.Buy,
		Price:      120.5,
		Quantity:   1,
	}

	cb, err := c.CalculateCosts(context.Background(), order)
	require.NoError(t, err)

	orderValue := dec("120.5").Mul(dec("75"))
	assert.True(t, orderValue.Round(roundingPlaces).Equal(cb.OrderValue))
	assert.True(t, decimal.Zero.Equal(cb.STT)) // options STT only applies on the sell leg
	assert.True(t, cb.Brokerage.GreaterThan(decimal.Zero))
	assert.True(t, cb.StampDuty.GreaterThan(decimal.Zero))
}

func TestCalculator_CalculateCosts_OptionsSell_AppliesSTT(t *testing.T) {
	c := New()
	order := domain.Order{
		Instrument: domain.Instrument{Segment: domain.SegmentOptions, LotSize: 75},
		Side:       domain.Sell,
		Price:      120.5,
		Quantity:   1,
	}

	cb, err := c.CalculateCosts(context.Background(), order)
	require.NoError(t, err)

	orderValue := dec("120.5").Mul(dec("75"))
	wantSTT := orderValue.Mul(sttOptionsSell).Round(roundingPlaces)
	assert.True(t, wantSTT.Equal(cb.STT))
	assert.True(t, decimal.Zero.Equal(cb.StampDuty))
}

func TestCalculator_CalculateCosts_FuturesBrokerageIsCapped(t *testing.T) {
	c := New()
	order := domain.Order{
		Instrument: domain.Instrument{Segment: domain.SegmentFutures, LotSize: 50},
		Side:       domain.Sell,
		Price:      20000,
		Quantity:   2,
	}

	cb, err := c.CalculateCosts(context.Background(), order)
	require.NoError(t, err)

	assert.True(t, brokerageFlatCap.Equal(cb.Brokerage)) // pct would be far above the flat cap
}

func TestCalculator_CalculateCosts_RejectsNonPositiveQuantity(t *testing.T) {
	c := New()
	order := domain.Order{
		Instrument: domain.Instrument{Segment: domain.SegmentEquity, LotSize: 1},
		Side:       domain.Buy,
		Price:      100,
		Quantity:   0,
	}

	_, err := c.CalculateCosts(context.Background(), order)
	require.Error(t, err)
}

func TestCalculator_CalculateCosts_RejectsNonPositivePrice(t *testing.T) {
	c := New()
	order := domain.Order{
		Instrument: domain.Instrument{Segment: domain.SegmentEquity, LotSize: 1},
		Side:       domain.Buy,
		Price:      0,
		Quantity:   10,
	}

	_, err := c.CalculateCosts(context.Background(), order)
	require.Error(t, err)
}

func TestCalculator_CalculateCosts_UnknownSegmentErrors(t *testing.T) {
	c := New()
	order := domain.Order{
		Instrument: domain.Instrument{Segment: "unknown", LotSize: 1},
		Side:       domain.Buy,
		Price:      100,
		Quantity:   10,
	}

	_, err := c.CalculateCosts(context.Background(), order)
	require.Error(t, err)
}

func TestCalculator_CalculateCosts_LotSizeDefaultsToOne(t *testing.T) {
	c := New()
	order := domain.Order{
		Instrument: domain.Instrument{Segment: domain.SegmentEquity, LotSize: 0},
		Side:       domain.Buy,
		Price:      100,
		Quantity:   10,
	}

	cb, err := c.CalculateCosts(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, dec("1000").Equal(cb.OrderValue))
}

func TestCalculator_CalculateCosts_RoundTripsIdentically(t *testing.T) {
	c := New()
	order := domain.Order{
		Instrument: domain.Instrument{Segment: domain.SegmentFutures, LotSize: 50},
		Side:       domain.Buy,
		Price:      18234.65,
		Quantity:   3,
	}

	first, err := c.CalculateCosts(context.Background(), order)
	require.NoError(t, err)
	second, err := c.CalculateCosts(context.Background(), order)
	require.NoError(t, err)

	assert.True(t, first.NetCost.Equal(second.NetCost))
	assert.True(t, first.TotalCharges.Equal(second.TotalCharges))
}
