package margin

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/domain"
)

type fakeFactors struct {
	vix      float64
	days     int
	baseSpan float64
	regVal   float64
	hasReg   bool
}

func (f *fakeFactors) CurrentVIX(ctx context.Context) (float64, error) { return f.vix, nil }
func (f *fakeFactors) DaysToExpiry(ctx context.Context, inst domain.Instrument, asOf time.Time) (int, error) {
	return f.days, nil
}
func (f *fakeFactors) BaseSPAN(ctx context.Context, token int64, effectiveDate time.Time) (float64, error) {
	return f.baseSpan, nil
}
func (f *fakeFactors) RegulatoryOverride(ctx context.Context, token int64) (float64, bool, error) {
	return f.regVal, f.hasReg, nil
}
func (f *fakeFactors) SettlementPrice(ctx context.Context, token int64, date time.Time) (float64, error) {
	return 0, nil
}

type fakeBroker struct {
	domain.BrokerClient
	connected bool
	funds     *domain.BrokerFunds
	fundsErr  error
}

func (b *fakeBroker) IsConnected() bool { return b.connected }
func (b *fakeBroker) GetFunds(ctx context.Context) (*domain.BrokerFunds, error) {
	return b.funds, b.fundsErr
}
func (b *fakeBroker) GetMargin(ctx context.Context, basket []domain.Order) (*domain.BrokerMarginResult, error) {
	return nil, fmt.Errorf("GetMargin not used by this fake")
}

type fakePrices struct{ pct float64 }

func (p *fakePrices) IntradayPctChange(ctx context.Context, token int64) (float64, error) {
	return p.pct, nil
}

type fakeSnapshots struct {
	saved  []domain.MarginSnapshot
	events []domain.MarginChangeEvent
	last   *domain.MarginSnapshot
}

func (s *fakeSnapshots) SaveSnapshot(ctx context.Context, snap domain.MarginSnapshot) error {
	s.saved = append(s.saved, snap)
	cp := snap
	s.last = &cp
	return nil
}
func (s *fakeSnapshots) LastSnapshot(ctx context.Context, strategy string) (*domain.MarginSnapshot, error) {
	return s.last, nil
}
func (s *fakeSnapshots) SaveChangeEvent(ctx context.Context, ev domain.MarginChangeEvent) error {
	s.events = append(s.events, ev)
	return nil
}

type fakeEvents struct {
	increased  []domain.MarginChangeEvent
	shortfalls int
}

func (e *fakeEvents) PublishMarginIncreased(ctx context.Context, strategy string, ev domain.MarginChangeEvent) {
	e.increased = append(e.increased, ev)
}
func (e *fakeEvents) PublishMarginShortfall(ctx context.Context, strategy string, required, available, shortfall float64, deadline time.Time) {
	e.shortfalls++
}

func testOrder() domain.Order {
	return domain.Order{
		ID:       "ord-1",
		Strategy: "strat-1",
		Instrument: domain.Instrument{
			Token: 1, Segment: domain.SegmentOptions, OptionType: domain.OptionCall, LotSize: 50,
		},
		Side:     domain.Sell,
		Type:     domain.OrderLimit,
		Quantity: 2,
		Price:    100,
	}
}

func TestCalculateForOrder_ShortOptionIncludesPremium(t *testing.T) {
	factors := &fakeFactors{vix: 10, days: 7, baseSpan: 50000, hasReg: false}
	eng := New(factors, nil, &fakePrices{pct: 0.5}, &fakeSnapshots{}, &fakeEvents{}, nil, zerolog.Nop())

	m, err := eng.CalculateForOrder(context.Background(), testOrder(), time.Now())
	require.NoError(t, err)

	// span' = 50000 * 1.0(vix<15) * 1.0(days=7) * 1.0(move<1%) * 1.0(no reg) = 50000
	assert.Equal(t, 50000.0, m.Span)
	contractValue := 100.0 * 2 * 50
	assert.Equal(t, contractValue*exposurePct, m.Exposure)
	assert.Equal(t, contractValue, m.Premium) // short option: 100% of premium
}

func TestCalculateForOrder_LongOptionNoPremium(t *testing.T) {
	factors := &fakeFactors{vix: 10, days: 7, baseSpan: 50000}
	eng := New(factors, nil, &fakePrices{}, &fakeSnapshots{}, &fakeEvents{}, nil, zerolog.Nop())

	order := testOrder()
	order.Side = domain.Buy
	m, err := eng.CalculateForOrder(context.Background(), order, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.Premium)
}

func TestCalculateBatch_InternalPathNoBroker(t *testing.T) {
	factors := &fakeFactors{vix: 22, days: 3, baseSpan: 10000}
	snaps := &fakeSnapshots{}
	eng := New(factors, nil, &fakePrices{pct: 1.5}, snaps, &fakeEvents{}, nil, zerolog.Nop())

	snap, err := eng.CalculateBatch(context.Background(), "strat-1", []domain.Order{testOrder()}, 10, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.SourceInternal, snap.Source)
	assert.True(t, snap.Total > 0)
	require.Len(t, snaps.saved, 1)
}

func TestReconcile_InternalRecomputeFlooredToLastBroker(t *testing.T) {
	factors := &fakeFactors{vix: 10, days: 7, baseSpan: 10000}
	snaps := &fakeSnapshots{last: &domain.MarginSnapshot{
		Strategy: "strat-1", Total: 999999, Source: domain.SourceBroker,
		AppliedFactors: []domain.AppliedFactor{{Kind: domain.FactorVIX, Multiplier: 1.0}},
	}}
	events := &fakeEvents{}
	eng := New(factors, nil, &fakePrices{}, snaps, events, nil, zerolog.Nop())

	snap, err := eng.CalculateBatch(context.Background(), "strat-1", []domain.Order{testOrder()}, 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 999999.0, snap.Total, "internal recompute must not lower margin below last broker value absent factor downgrade")
	assert.Contains(t, snap.Warnings, "internal recompute floored to last broker value (no factor downgrade observed)")
}

func TestReconcile_FactorDowngradeAllowsLowerMargin(t *testing.T) {
	factors := &fakeFactors{vix: 10, days: 7, baseSpan: 100}
	snaps := &fakeSnapshots{last: &domain.MarginSnapshot{
		Strategy: "strat-1", Total: 999999, Source: domain.SourceBroker,
		AppliedFactors: []domain.AppliedFactor{{Kind: domain.FactorVIX, Multiplier: 2.0}},
	}}
	eng := New(factors, nil, &fakePrices{}, snaps, &fakeEvents{}, nil, zerolog.Nop())

	snap, err := eng.CalculateBatch(context.Background(), "strat-1", []domain.Order{testOrder()}, 0, time.Now())
	require.NoError(t, err)
	assert.Less(t, snap.Total, 999999.0, "a demonstrable factor downgrade (vix 2.0 -> 1.0) must allow a lower internal value")
}

func TestCalculateBatch_SetsAvailableAndUtilizationFromBrokerFunds(t *testing.T) {
	factors := &fakeFactors{vix: 28, days: 2, baseSpan: 30000}
	snaps := &fakeSnapshots{}
	broker := &fakeBroker{connected: true, funds: &domain.BrokerFunds{Available: 55000}}
	eng := New(factors, broker, &fakePrices{pct: 2.5}, snaps, &fakeEvents{}, nil, zerolog.Nop())

	snap, err := eng.CalculateBatch(context.Background(), "strat-1", []domain.Order{testOrder()}, 0, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 55000.0, snap.Available)
	assert.InDelta(t, snap.Total/55000*100, snap.UtilizationPct, 1e-9)
}

func TestCalculateBatch_AvailableUnknownLeavesUtilizationZeroWithWarning(t *testing.T) {
	factors := &fakeFactors{vix: 10, days: 7, baseSpan: 100}
	snaps := &fakeSnapshots{}
	eng := New(factors, nil, &fakePrices{}, snaps, &fakeEvents{}, nil, zerolog.Nop())

	snap, err := eng.CalculateBatch(context.Background(), "strat-1", []domain.Order{testOrder()}, 0, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 0.0, snap.Available)
	assert.Equal(t, 0.0, snap.UtilizationPct)
	assert.Contains(t, snap.Warnings, "available margin unknown, utilization_pct not computed")
}

func TestCalculateBatch_ShortfallScenarioEmitsMarginShortfall(t *testing.T) {
	// Scenario F shape (spec §8): total margin required exceeds available funds.
	factors := &fakeFactors{vix: 10, days: 7, baseSpan: 58252}
	snaps := &fakeSnapshots{last: &domain.MarginSnapshot{Strategy: "strat-1", Total: 1, Source: domain.SourceInternal, Available: 55000}}
	broker := &fakeBroker{connected: true, funds: &domain.BrokerFunds{Available: 55000}}
	events := &fakeEvents{}
	eng := New(factors, broker, &fakePrices{}, snaps, events, nil, zerolog.Nop())

	snap, err := eng.CalculateBatch(context.Background(), "strat-1", []domain.Order{testOrder()}, 0, time.Now())
	require.NoError(t, err)

	require.Greater(t, snap.Total, snap.Available)
	assert.Equal(t, 1, events.shortfalls)
}

func TestMaybeEmitChangeEvent_SuppressedBelowThreshold(t *testing.T) {
	// testOrder computes to 10400 (span 100 + exposure 300 + premium 10000),
	// a -0.95% change from the last total of 10500.
	factors := &fakeFactors{vix: 10, days: 7, baseSpan: 100}
	snaps := &fakeSnapshots{last: &domain.MarginSnapshot{Strategy: "strat-1", Total: 10500, Source: domain.SourceInternal}}
	events := &fakeEvents{}
	eng := New(factors, nil, &fakePrices{}, snaps, events, nil, zerolog.Nop())

	_, err := eng.CalculateBatch(context.Background(), "strat-1", []domain.Order{testOrder()}, 0, time.Now())
	require.NoError(t, err)
	assert.Empty(t, snaps.events, "a <2%% change must not emit a MarginChangeEvent")
}
