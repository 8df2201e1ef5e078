// Package risk implements the Risk Monitor (spec §4.4): a per-strategy
// 6-level margin-utilization state machine, loss-limit flattening, and
// Greeks risk classification, with hysteresis on downgrade.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/sodme/engine/internal/domain"
)

// Level is the margin-utilization risk ladder (spec §4.4).
type Level int

const (
	LevelL1Normal Level = iota
	LevelL2Info
	LevelL3Warning
	LevelL4Critical
	LevelL5Urgent
	LevelL6Emergency
)

func (l Level) String() string {
	switch l {
	case LevelL1Normal:
		return "L1_normal"
	case LevelL2Info:
		return "L2_info"
	case LevelL3Warning:
		return "L3_warning"
	case LevelL4Critical:
		return "L4_critical"
	case LevelL5Urgent:
		return "L5_urgent"
	case LevelL6Emergency:
		return "L6_emergency"
	default:
		return "unknown"
	}
}

// utilizationLevel maps a margin-utilization percentage to its level (spec
// §4.4 table). Bucket lower bounds are inclusive.
func utilizationLevel(pct float64, hasShortfall bool) Level {
	switch {
	case hasShortfall || pct >= 100:
		return LevelL6Emergency
	case pct >= 95:
		return LevelL5Urgent
	case pct >= 90:
		return LevelL4Critical
	case pct >= 80:
		return LevelL3Warning
	case pct >= 70:
		return LevelL2Info
	default:
		return LevelL1Normal
	}
}

// GreeksTier classifies net Greeks exposure against configured thresholds.
type GreeksTier string

const (
	GreeksLow     GreeksTier = "LOW"
	GreeksMedium  GreeksTier = "MEDIUM"
	GreeksHigh    GreeksTier = "HIGH"
	GreeksExtreme GreeksTier = "EXTREME"
)

// GreeksThresholds are the per-Greek tier boundaries (absolute value).
type GreeksThresholds struct {
	Delta, Gamma, Vega, Theta [3]float64 // [medium, high, extreme) boundaries
}

// DefaultGreeksThresholds is a conservative starting table; strategies may
// override via settings in a future iteration (spec §9 leaves exact values
// to the implementation).
func DefaultGreeksThresholds() GreeksThresholds {
	return GreeksThresholds{
		Delta: [3]float64{500, 1500, 3000},
		Gamma: [3]float64{50, 150, 300},
		Vega:  [3]float64{1000, 3000, 6000},
		Theta: [3]float64{1000, 3000, 6000},
	}
}

func classifyGreek(v float64, bounds [3]float64) GreeksTier {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= bounds[2]:
		return GreeksExtreme
	case abs >= bounds[1]:
		return GreeksHigh
	case abs >= bounds[0]:
		return GreeksMedium
	default:
		return GreeksLow
	}
}

// Greeks is a strategy's aggregated net option Greeks.
type Greeks struct {
	Delta, Gamma, Vega, Theta                 float64
	DeltaTier, GammaTier, VegaTier, ThetaTier GreeksTier
}

// GreeksProvider supplies per-instrument Greeks, backed by the Market Data
// Adapter's analytics feed.
type GreeksProvider interface {
	InstrumentGreeks(ctx context.Context, instrument domain.Instrument) (delta, gamma, vega, theta float64, err error)
}

// Flattener flattens a strategy's positions (Housekeeping Engine +
// Broker Gateway composition).
type Flattener interface {
	FlattenStrategy(ctx context.Context, strategy string) error
}

// AlertPublisher is the narrow Alert/Event Bus slice Risk Monitor needs.
type AlertPublisher interface {
	PublishRiskBreach(ctx context.Context, strategy string, level Level, severity domain.Severity, detail string)
	PublishGreeksRisk(ctx context.Context, strategy string, g Greeks, recommendation string)
}

// strategyState tracks hysteresis bookkeeping per strategy.
type strategyState struct {
	currentLevel    Level
	pendingDowngrade Level
	downgradeArmed  bool
	shortfallSince  *time.Time
}

// Monitor is the Risk Monitor (spec §4.4).
type Monitor struct {
	greeks     GreeksProvider
	flattener  Flattener
	alerts     AlertPublisher
	thresholds GreeksThresholds
	log        zerolog.Logger

	mu    sync.Mutex
	state map[string]*strategyState
}

// New builds a Risk Monitor.
func New(greeks GreeksProvider, flattener Flattener, alerts AlertPublisher, thresholds GreeksThresholds, log zerolog.Logger) *Monitor {
	return &Monitor{
		greeks:     greeks,
		flattener:  flattener,
		alerts:     alerts,
		thresholds: thresholds,
		log:        log.With().Str("component", "risk_monitor").Logger(),
		state:      make(map[string]*strategyState),
	}
}

// Assessment is one recompute's output for a strategy.
type Assessment struct {
	Strategy          string
	UtilizationLevel  Level
	LossBreached      bool
	Greeks            Greeks
	OverallLevel      Level
	ShortfallDeadline *time.Time
}

// Evaluate recomputes a strategy's risk level from margin utilization, loss,
// and Greeks, applying monotone-worse-within-level movement and a
// downgrade-hysteresis window (spec §4.4).
func (m *Monitor) Evaluate(ctx context.Context, strategy string, marginUtilizationPct float64, hasShortfall bool, positions []domain.Position, maxLossPct float64, autoSquareOffOnLoss bool, graceWindow time.Duration, now time.Time) (*Assessment, error) {
	utilLevel := utilizationLevel(marginUtilizationPct, hasShortfall)

	var netPnLPct float64
	var basis float64
	for _, p := range positions {
		basis += p.AveragePrice * float64(p.Quantity) * float64(p.LotSize)
	}
	var netPnL float64
	for _, p := range positions {
		netPnL += p.PnL()
	}
	if basis != 0 {
		netPnLPct = netPnL / basis * 100
	}
	lossBreached := maxLossPct > 0 && netPnLPct <= -maxLossPct

	g, err := m.aggregateGreeks(ctx, positions)
	if err != nil {
		return nil, fmt.Errorf("risk: aggregate greeks for %s: %w", strategy, err)
	}
	greeksLevel := greeksOverallLevel(g)

	overall := utilLevel
	if greeksLevel > overall {
		overall = greeksLevel
	}

	st := m.resolveLevel(strategy, overall, now)

	assessment := &Assessment{
		Strategy:         strategy,
		UtilizationLevel: utilLevel,
		LossBreached:     lossBreached,
		Greeks:           g,
		OverallLevel:     st,
	}

	m.emitForLevel(ctx, strategy, st, marginUtilizationPct)

	if lossBreached {
		if autoSquareOffOnLoss {
			m.log.Warn().Str("strategy", strategy).Float64("net_pnl_pct", netPnLPct).Msg("loss limit breached, flattening strategy")
			if m.flattener != nil {
				if err := m.flattener.FlattenStrategy(ctx, strategy); err != nil {
					m.log.Error().Err(err).Str("strategy", strategy).Msg("loss-limit flatten failed")
				}
			}
		} else if m.alerts != nil {
			m.alerts.PublishRiskBreach(ctx, strategy, st, domain.SeverityWarning, fmt.Sprintf("loss limit breached: %.2f%%", netPnLPct))
		}
	}

	if st == LevelL6Emergency {
		deadline := m.armShortfallGrace(strategy, graceWindow, now)
		assessment.ShortfallDeadline = deadline
		if deadline != nil && now.After(*deadline) {
			m.log.Warn().Str("strategy", strategy).Msg("L6 grace window expired, triggering auto square-off")
			if m.flattener != nil {
				if err := m.flattener.FlattenStrategy(ctx, strategy); err != nil {
					m.log.Error().Err(err).Str("strategy", strategy).Msg("L6 auto square-off failed")
				}
			}
		}
	} else {
		m.clearShortfallGrace(strategy)
	}

	if g.DeltaTier == GreeksHigh || g.DeltaTier == GreeksExtreme {
		if m.alerts != nil {
			rec := "add opposite-delta hedge"
			m.alerts.PublishGreeksRisk(ctx, strategy, g, rec)
		}
	}

	return assessment, nil
}

// resolveLevel applies monotone-worse-within-level movement: an upgrade
// applies immediately, a downgrade only after one full recompute cycle
// confirms recovery (spec §4.4 hysteresis).
func (m *Monitor) resolveLevel(strategy string, computed Level, now time.Time) Level {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state[strategy]
	if !ok {
		st = &strategyState{currentLevel: computed}
		m.state[strategy] = st
		return computed
	}

	if computed >= st.currentLevel {
		st.currentLevel = computed
		st.downgradeArmed = false
		return st.currentLevel
	}

	// computed < current: a candidate downgrade.
	if st.downgradeArmed && st.pendingDowngrade == computed {
		st.currentLevel = computed
		st.downgradeArmed = false
		return st.currentLevel
	}

	st.downgradeArmed = true
	st.pendingDowngrade = computed
	return st.currentLevel
}

func (m *Monitor) armShortfallGrace(strategy string, window time.Duration, now time.Time) *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[strategy]
	if st == nil {
		st = &strategyState{}
		m.state[strategy] = st
	}
	if st.shortfallSince == nil {
		t := now
		st.shortfallSince = &t
	}
	deadline := st.shortfallSince.Add(window)
	return &deadline
}

func (m *Monitor) clearShortfallGrace(strategy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.state[strategy]; st != nil {
		st.shortfallSince = nil
	}
}

func (m *Monitor) emitForLevel(ctx context.Context, strategy string, level Level, utilPct float64) {
	if m.alerts == nil {
		return
	}
	var sev domain.Severity
	switch level {
	case LevelL2Info:
		sev = domain.SeverityInfo
	case LevelL3Warning:
		sev = domain.SeverityWarning
	case LevelL4Critical:
		sev = domain.SeverityCritical
	case LevelL5Urgent, LevelL6Emergency:
		sev = domain.SeverityUrgent
	default:
		return
	}
	m.alerts.PublishRiskBreach(ctx, strategy, level, sev, fmt.Sprintf("margin utilization %.1f%%", utilPct))
}

// aggregateGreeks sums each instrument's Greeks signed by position
// direction (spec §4.4 "aggregated by direction"), using gonum's weighted
// dot product for the direction-signed quantity weighting.
func (m *Monitor) aggregateGreeks(ctx context.Context, positions []domain.Position) (Greeks, error) {
	if len(positions) == 0 || m.greeks == nil {
		return Greeks{DeltaTier: GreeksLow, GammaTier: GreeksLow, VegaTier: GreeksLow, ThetaTier: GreeksLow}, nil
	}

	deltas := make([]float64, len(positions))
	gammas := make([]float64, len(positions))
	vegas := make([]float64, len(positions))
	thetas := make([]float64, len(positions))
	weights := make([]float64, len(positions))

	for i, p := range positions {
		d, g, v, th, err := m.greeks.InstrumentGreeks(ctx, p.Instrument)
		if err != nil {
			return Greeks{}, fmt.Errorf("greeks lookup for token %d: %w", p.Instrument.Token, err)
		}
		sign := 1.0
		if p.Direction == domain.Short {
			sign = -1.0
		}
		deltas[i] = d
		gammas[i] = g
		vegas[i] = v
		thetas[i] = th
		weights[i] = sign * float64(p.Quantity) * float64(p.LotSize)
	}

	result := Greeks{
		Delta: floats.Dot(deltas, weights),
		Gamma: floats.Dot(gammas, weights),
		Vega:  floats.Dot(vegas, weights),
		Theta: floats.Dot(thetas, weights),
	}
	result.DeltaTier = classifyGreek(result.Delta, m.thresholds.Delta)
	result.GammaTier = classifyGreek(result.Gamma, m.thresholds.Gamma)
	result.VegaTier = classifyGreek(result.Vega, m.thresholds.Vega)
	result.ThetaTier = classifyGreek(result.Theta, m.thresholds.Theta)
	return result, nil
}

func greeksOverallLevel(g Greeks) Level {
	worst := GreeksLow
	for _, t := range []GreeksTier{g.DeltaTier, g.GammaTier, g.VegaTier, g.ThetaTier} {
		if tierRank(t) > tierRank(worst) {
			worst = t
		}
	}
	switch worst {
	case GreeksExtreme:
		return LevelL5Urgent
	case GreeksHigh:
		return LevelL4Critical
	case GreeksMedium:
		return LevelL3Warning
	default:
		return LevelL1Normal
	}
}

func tierRank(t GreeksTier) int {
	switch t {
	case GreeksExtreme:
		return 3
	case GreeksHigh:
		return 2
	case GreeksMedium:
		return 1
	default:
		return 0
	}
}
