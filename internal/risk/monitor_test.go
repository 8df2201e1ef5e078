package risk

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/domain"
)

type fakeGreeks struct {
	delta, gamma, vega, theta float64
	err                       error
}

func (f *fakeGreeks) InstrumentGreeks(ctx context.Context, inst domain.Instrument) (float64, float64, float64, float64, error) {
	return f.delta, f.gamma, f.vega, f.theta, f.err
}

type fakeFlattener struct{ called int }

func (f *fakeFlattener) FlattenStrategy(ctx context.Context, strategy string) error {
	f.called++
	return nil
}

type fakeRiskAlerts struct {
	breaches []Level
	greeks   int
}

func (a *fakeRiskAlerts) PublishRiskBreach(ctx context.Context, strategy string, level Level, severity domain.Severity, detail string) {
	a.breaches = append(a.breaches, level)
}
func (a *fakeRiskAlerts) PublishGreeksRisk(ctx context.Context, strategy string, g Greeks, recommendation string) {
	a.greeks++
}

func TestUtilizationLevel_Boundaries(t *testing.T) {
	assert.Equal(t, LevelL1Normal, utilizationLevel(69.9, false))
	assert.Equal(t, LevelL2Info, utilizationLevel(70, false))
	assert.Equal(t, LevelL3Warning, utilizationLevel(80, false))
	assert.Equal(t, LevelL4Critical, utilizationLevel(90, false))
	assert.Equal(t, LevelL5Urgent, utilizationLevel(95, false))
	assert.Equal(t, LevelL6Emergency, utilizationLevel(100, false))
	assert.Equal(t, LevelL6Emergency, utilizationLevel(10, true), "a shortfall forces L6 regardless of utilization")
}

func TestEvaluate_UpgradeAppliesImmediately(t *testing.T) {
	greeks := &fakeGreeks{}
	alerts := &fakeRiskAlerts{}
	mon := New(greeks, &fakeFlattener{}, alerts, DefaultGreeksThresholds(), zerolog.Nop())

	a, err := mon.Evaluate(context.Background(), "s1", 85, false, nil, 0, false, 60*time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, LevelL3Warning, a.OverallLevel)
}

func TestEvaluate_DowngradeRequiresHysteresis(t *testing.T) {
	greeks := &fakeGreeks{}
	mon := New(greeks, &fakeFlattener{}, &fakeRiskAlerts{}, DefaultGreeksThresholds(), zerolog.Nop())
	ctx := context.Background()
	now := time.Now()

	a1, err := mon.Evaluate(ctx, "s1", 92, false, nil, 0, false, 60*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, LevelL4Critical, a1.OverallLevel)

	// First recompute showing recovery only arms the downgrade, doesn't apply it yet.
	a2, err := mon.Evaluate(ctx, "s1", 60, false, nil, 0, false, 60*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, LevelL4Critical, a2.OverallLevel, "downgrade must not apply on first recovery observation")

	// Second consecutive recompute at the same recovered level confirms the downgrade.
	a3, err := mon.Evaluate(ctx, "s1", 60, false, nil, 0, false, 60*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, LevelL1Normal, a3.OverallLevel)
}

func TestEvaluate_LossBreachFlattensWhenAutoSquareOffEnabled(t *testing.T) {
	flattener := &fakeFlattener{}
	mon := New(&fakeGreeks{}, flattener, &fakeRiskAlerts{}, DefaultGreeksThresholds(), zerolog.Nop())

	positions := []domain.Position{{
		Strategy: "s1", Instrument: domain.Instrument{Token: 1}, Direction: domain.Long,
		Quantity: 10, LotSize: 1, AveragePrice: 100, CurrentPrice: 90,
	}}
	_, err := mon.Evaluate(context.Background(), "s1", 10, false, positions, 5, true, 60*time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, flattener.called)
}

func TestEvaluate_LossBreachAlertsOnlyWhenAutoSquareOffDisabled(t *testing.T) {
	flattener := &fakeFlattener{}
	alerts := &fakeRiskAlerts{}
	mon := New(&fakeGreeks{}, flattener, alerts, DefaultGreeksThresholds(), zerolog.Nop())

	positions := []domain.Position{{
		Strategy: "s1", Instrument: domain.Instrument{Token: 1}, Direction: domain.Long,
		Quantity: 10, LotSize: 1, AveragePrice: 100, CurrentPrice: 90,
	}}
	_, err := mon.Evaluate(context.Background(), "s1", 10, false, positions, 5, false, 60*time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, flattener.called)
	assert.NotEmpty(t, alerts.breaches)
}

func TestEvaluate_GreeksExtremeEscalatesLevel(t *testing.T) {
	greeks := &fakeGreeks{delta: 5000}
	mon := New(greeks, &fakeFlattener{}, &fakeRiskAlerts{}, DefaultGreeksThresholds(), zerolog.Nop())

	positions := []domain.Position{{Strategy: "s1", Instrument: domain.Instrument{Token: 1}, Direction: domain.Long, Quantity: 1, LotSize: 1}}
	a, err := mon.Evaluate(context.Background(), "s1", 10, false, positions, 0, false, 60*time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, LevelL5Urgent, a.OverallLevel)
	assert.Equal(t, GreeksExtreme, a.Greeks.DeltaTier)
}

func TestEvaluate_L6ShortfallGraceExpiryTriggersFlatten(t *testing.T) {
	flattener := &fakeFlattener{}
	mon := New(&fakeGreeks{}, flattener, &fakeRiskAlerts{}, DefaultGreeksThresholds(), zerolog.Nop())
	ctx := context.Background()

	start := time.Now()
	_, err := mon.Evaluate(ctx, "s1", 100, true, nil, 0, false, 1*time.Minute, start)
	require.NoError(t, err)
	assert.Equal(t, 0, flattener.called, "grace window must not flatten immediately")

	later := start.Add(2 * time.Minute)
	_, err = mon.Evaluate(ctx, "s1", 100, true, nil, 0, false, 1*time.Minute, later)
	require.NoError(t, err)
	assert.Equal(t, 1, flattener.called, "expired grace window must trigger auto square-off")
}
