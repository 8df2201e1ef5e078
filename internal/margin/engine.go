package margin

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/errs"
)

// minorChangeThresholdPct is the |pct| floor below which a MarginChangeEvent
// is suppressed (spec §3 "emitted only when |pct| >= the minor-change
// threshold").
const minorChangeThresholdPct = 2.0

// exposurePct is the fixed contract-value percentage of the exposure
// component in the per-instrument formula (spec §4.2).
const exposurePct = 0.03

// brokerMarginCallMinInterval is the floor between broker-path margin calls
// (spec §4.2 "subject to rate limit >= 5s between calls").
const brokerMarginCallMinInterval = 5 * time.Second

// PriceMover supplies the absolute intraday percentage move for an
// instrument, backed by go-talib's ROC indicator over the rolling trade
// window (SPEC_FULL.md §11).
type PriceMover interface {
	IntradayPctChange(ctx context.Context, token int64) (float64, error)
}

// Snapshotter persists MarginSnapshot/MarginChangeEvent rows (Persistence
// Adapter, §6).
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, snap domain.MarginSnapshot) error
	LastSnapshot(ctx context.Context, strategy string) (*domain.MarginSnapshot, error)
	SaveChangeEvent(ctx context.Context, ev domain.MarginChangeEvent) error
}

// EventPublisher is the narrow slice of the Alert/Event Bus Margin Engine
// needs (avoids an import cycle with internal/events).
type EventPublisher interface {
	PublishMarginIncreased(ctx context.Context, strategy string, ev domain.MarginChangeEvent)
	PublishMarginShortfall(ctx context.Context, strategy string, required, available, shortfall float64, deadline time.Time)
}

// PositionProvider resolves a strategy's open positions into the synthetic
// basket calculate_batch and refresh_strategy need (spec §4.2). Positions
// are represented as limit orders priced at the position's current price so
// the same per-instrument formula applies uniformly to open positions and
// pending orders.
type PositionProvider interface {
	OpenOrders(ctx context.Context, strategy string) ([]domain.Order, error)
	Positions(ctx context.Context, strategy string) ([]domain.Position, error)
}

// Engine is the Margin Engine (spec §4.2).
type Engine struct {
	factors   domain.MarginFactorProvider
	broker    domain.BrokerClient
	prices    PriceMover
	snapshots Snapshotter
	events    EventPublisher
	positions PositionProvider
	log       zerolog.Logger

	mu             sync.Mutex
	lastBrokerCall time.Time
	lastAvailable  float64
}

// New builds a Margin Engine.
func New(factors domain.MarginFactorProvider, broker domain.BrokerClient, prices PriceMover, snapshots Snapshotter, events EventPublisher, positions PositionProvider, log zerolog.Logger) *Engine {
	return &Engine{
		factors:   factors,
		broker:    broker,
		prices:    prices,
		snapshots: snapshots,
		events:    events,
		positions: positions,
		log:       log.With().Str("component", "margin_engine").Logger(),
	}
}

// InstrumentMargin is the per-instrument breakdown that sums into a
// MarginSnapshot's Total.
type InstrumentMargin struct {
	Token      int64
	Span       float64
	Exposure   float64
	Premium    float64
	Additional float64
	Total      float64
	Factors    []domain.AppliedFactor
}

// calculateForOrder computes the per-instrument margin for a single order
// (spec §4.2 calculate_for_order).
func (e *Engine) calculateForOrder(ctx context.Context, order domain.Order, now time.Time) (*InstrumentMargin, error) {
	inst := order.Instrument
	baseSpan, err := e.factors.BaseSPAN(ctx, inst.Token, now)
	if err != nil {
		return nil, fmt.Errorf("margin: lookup base SPAN for token %d: %w", inst.Token, err)
	}

	vix, err := e.factors.CurrentVIX(ctx)
	if err != nil {
		return nil, fmt.Errorf("margin: read current VIX: %w", err)
	}
	vixMul := vixMultiplier(vix)

	days, err := e.factors.DaysToExpiry(ctx, inst, now)
	if err != nil {
		return nil, fmt.Errorf("margin: days to expiry for token %d: %w", inst.Token, err)
	}
	expiryMul := expiryMultiplier(days, now)

	var pctMove float64
	if e.prices != nil {
		pctMove, err = e.prices.IntradayPctChange(ctx, inst.Token)
		if err != nil {
			e.log.Warn().Err(err).Int64("token", inst.Token).Msg("price-move lookup failed, treating as 0%")
			pctMove = 0
		}
	}
	priceMul := priceMoveMultiplier(pctMove)

	regOverride, hasReg, err := e.factors.RegulatoryOverride(ctx, inst.Token)
	if err != nil {
		return nil, fmt.Errorf("margin: regulatory override for token %d: %w", inst.Token, err)
	}
	regMul := 1.0
	if hasReg {
		regMul = regulatoryMultiplier(regOverride)
	}

	spanPrime := baseSpan * vixMul * expiryMul * priceMul * regMul

	contractValue := order.Price * float64(order.Quantity) * float64(inst.LotSize)
	exposure := math.Abs(contractValue) * exposurePct

	var premium float64
	if inst.Segment == domain.SegmentOptions && order.Side == domain.Sell {
		premium = math.Abs(contractValue)
	}

	total := spanPrime + exposure + premium

	return &InstrumentMargin{
		Token:    inst.Token,
		Span:     spanPrime,
		Exposure: exposure,
		Premium:  premium,
		Total:    total,
		Factors: []domain.AppliedFactor{
			{Kind: domain.FactorVIX, Value: vix, Multiplier: vixMul},
			{Kind: domain.FactorExpiry, Value: float64(days), Multiplier: expiryMul},
			{Kind: domain.FactorPriceMove, Value: pctMove, Multiplier: priceMul},
			{Kind: domain.FactorRegulatory, Value: regOverride, Multiplier: regMul},
		},
	}, nil
}

// CalculateBatch sums per-instrument margins for a basket of orders into one
// MarginSnapshot for the strategy (spec §4.2 calculate_batch). It prefers
// the broker path when the rate-limit floor allows it; otherwise it falls
// back to the internal factor-based path.
func (e *Engine) CalculateBatch(ctx context.Context, strategy string, orders []domain.Order, bufferPct float64, now time.Time) (*domain.MarginSnapshot, error) {
	if e.canCallBroker(now) {
		snap, err := e.calculateViaBroker(ctx, strategy, orders, now)
		if err == nil {
			return e.reconcileAndEmit(ctx, strategy, snap, bufferPct, now)
		}
		e.log.Warn().Err(err).Str("strategy", strategy).Msg("broker margin call failed, falling back to internal path")
	}

	snap, err := e.calculateInternal(ctx, strategy, orders, now)
	if err != nil {
		return nil, err
	}
	return e.reconcileAndEmit(ctx, strategy, snap, bufferPct, now)
}

// CalculateForOrder is the public single-order calculation (spec §4.2).
func (e *Engine) CalculateForOrder(ctx context.Context, order domain.Order, now time.Time) (*InstrumentMargin, error) {
	return e.calculateForOrder(ctx, order, now)
}

// RefreshStrategy recomputes a strategy's margin snapshot from its current
// open orders and positions (spec §4.2 refresh_strategy). Positions are
// folded into the basket as resting sell/buy orders at current price so the
// same per-instrument formula applies to both.
func (e *Engine) RefreshStrategy(ctx context.Context, strategy string, bufferPct float64, now time.Time) (*domain.MarginSnapshot, error) {
	if e.positions == nil {
		return nil, fmt.Errorf("margin: RefreshStrategy requires a PositionProvider")
	}

	orders, err := e.positions.OpenOrders(ctx, strategy)
	if err != nil {
		return nil, fmt.Errorf("margin: load open orders for %s: %w", strategy, err)
	}

	positions, err := e.positions.Positions(ctx, strategy)
	if err != nil {
		return nil, fmt.Errorf("margin: load positions for %s: %w", strategy, err)
	}
	for _, p := range positions {
		side := domain.Buy
		if p.Direction == domain.Short {
			side = domain.Sell
		}
		orders = append(orders, domain.Order{
			Strategy:   strategy,
			Instrument: p.Instrument,
			Side:       side,
			Type:       domain.OrderLimit,
			Quantity:   p.Quantity,
			Price:      p.CurrentPrice,
			Status:     domain.OrderFilled,
		})
	}

	return e.CalculateBatch(ctx, strategy, orders, bufferPct, now)
}

// OnFactorChange invalidates cached factor state and recomputes every
// tracked strategy's snapshot (spec §4.2 on_factor_change). Callers supply
// the strategy list (typically every strategy with open exposure) since the
// Margin Engine itself does not own the strategy roster.
func (e *Engine) OnFactorChange(ctx context.Context, kind domain.MarginFactorKind, strategies []string, bufferPct float64, now time.Time) {
	e.log.Info().Str("factor", string(kind)).Int("strategy_count", len(strategies)).Msg("factor changed, recomputing strategies")
	for _, s := range strategies {
		if _, err := e.RefreshStrategy(ctx, s, bufferPct, now); err != nil {
			e.log.Error().Err(err).Str("strategy", s).Msg("recompute after factor change failed")
		}
	}
}

// availableMargin reads the account's available funds from the Broker
// Gateway (spec §3 "available margin"). A successful read refreshes the
// engine's cached value so the internal path (and a broker outage) still
// has a usable figure for utilization_pct rather than silently reporting 0.
func (e *Engine) availableMargin(ctx context.Context, strategy string) float64 {
	if e.broker != nil && e.broker.IsConnected() {
		funds, err := e.broker.GetFunds(ctx)
		if err == nil && funds != nil {
			e.mu.Lock()
			e.lastAvailable = funds.Available
			e.mu.Unlock()
			return funds.Available
		}
		e.log.Warn().Err(err).Str("strategy", strategy).Msg("GetFunds failed, using last cached available margin")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAvailable
}

func (e *Engine) canCallBroker(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broker == nil || !e.broker.IsConnected() {
		return false
	}
	if now.Sub(e.lastBrokerCall) < brokerMarginCallMinInterval {
		return false
	}
	return true
}

func (e *Engine) calculateViaBroker(ctx context.Context, strategy string, orders []domain.Order, now time.Time) (*domain.MarginSnapshot, error) {
	e.mu.Lock()
	e.lastBrokerCall = now
	e.mu.Unlock()

	result, err := e.broker.GetMargin(ctx, orders)
	if err != nil {
		return nil, fmt.Errorf("margin: broker GetMargin: %w", err)
	}

	var total float64
	for _, v := range result.PerInstrument {
		total += v
	}
	if result.Total > 0 {
		total = result.Total
	}

	return &domain.MarginSnapshot{
		Strategy:  strategy,
		Timestamp: now,
		Total:     total,
		Source:    domain.SourceBroker,
	}, nil
}

func (e *Engine) calculateInternal(ctx context.Context, strategy string, orders []domain.Order, now time.Time) (*domain.MarginSnapshot, error) {
	var span, exposure, premium float64
	var factors []domain.AppliedFactor
	var warnings []string

	for _, o := range orders {
		m, err := e.calculateForOrder(ctx, o, now)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("order %s: %v", o.ID, err))
			continue
		}
		span += m.Span
		exposure += m.Exposure
		premium += m.Premium
		factors = append(factors, m.Factors...)
	}

	return &domain.MarginSnapshot{
		Strategy:       strategy,
		Timestamp:      now,
		Span:           span,
		Exposure:       exposure,
		Premium:        premium,
		Total:          span + exposure + premium,
		AppliedFactors: factors,
		Warnings:       warnings,
		Source:         domain.SourceInternal,
	}, nil
}

// reconcileAndEmit enforces the "never lower margin below last broker value
// absent factor downgrade" invariant (spec §4.2), persists the snapshot, and
// emits a MarginChangeEvent when the change clears the minor-change
// threshold. bufferPct is accepted but not applied.
func (e *Engine) reconcileAndEmit(ctx context.Context, strategy string, snap *domain.MarginSnapshot, bufferPct float64, now time.Time) (*domain.MarginSnapshot, error) {
	last, err := e.snapshots.LastSnapshot(ctx, strategy)
	if err != nil {
		e.log.Warn().Err(err).Str("strategy", strategy).Msg("could not load last snapshot for reconciliation")
	}

	if last != nil && last.Source == domain.SourceBroker && snap.Source == domain.SourceInternal {
		if snap.Total < last.Total && !factorsDowngraded(last.AppliedFactors, snap.AppliedFactors) {
			snap.Total = last.Total
			snap.Warnings = append(snap.Warnings, "internal recompute floored to last broker value (no factor downgrade observed)")
		}
	}

	// buffer_pct is advisory only (spec §4.2): it is neither added to Total
	// nor recorded on the snapshot.
	_ = bufferPct

	snap.Available = e.availableMargin(ctx, strategy)
	if snap.Available > 0 {
		snap.UtilizationPct = snap.Total / snap.Available * 100
	} else {
		snap.UtilizationPct = 0
		snap.Warnings = append(snap.Warnings, "available margin unknown, utilization_pct not computed")
	}

	if err := e.snapshots.SaveSnapshot(ctx, *snap); err != nil {
		return nil, fmt.Errorf("margin: save snapshot: %w", err)
	}

	if last != nil {
		e.maybeEmitChangeEvent(ctx, strategy, *last, *snap, now)
	}

	return snap, nil
}

func (e *Engine) maybeEmitChangeEvent(ctx context.Context, strategy string, last, next domain.MarginSnapshot, now time.Time) {
	if last.Total == 0 {
		return
	}
	pct := (next.Total - last.Total) / last.Total * 100
	if math.Abs(pct) < minorChangeThresholdPct {
		return
	}

	ev := domain.MarginChangeEvent{
		Strategy:  strategy,
		Old:       last.Total,
		New:       next.Total,
		Pct:       pct,
		Timestamp: now,
	}
	if pct > 0 {
		ev.Reason = "margin increased"
		ev.Severity = domain.SeverityWarning
	} else {
		ev.Reason = "margin decreased"
		ev.Severity = domain.SeverityInfo
	}

	if err := e.snapshots.SaveChangeEvent(ctx, ev); err != nil {
		e.log.Error().Err(err).Str("strategy", strategy).Msg("failed to persist margin change event")
	}

	if e.events != nil && pct > 0 {
		e.events.PublishMarginIncreased(ctx, strategy, ev)
	}

	if next.Available > 0 && next.Total > next.Available && e.events != nil {
		shortfall := next.Total - next.Available
		e.events.PublishMarginShortfall(ctx, strategy, next.Total, next.Available, shortfall, now.Add(60*time.Minute))
	}
}

// factorsDowngraded reports whether any applied factor's multiplier dropped
// between two snapshots — the only condition that permits an internal
// recompute to come in below the last broker value (spec §4.2).
func factorsDowngraded(old, next []domain.AppliedFactor) bool {
	oldByKind := make(map[domain.MarginFactorKind]float64, len(old))
	for _, f := range old {
		oldByKind[f.Kind] = f.Multiplier
	}
	for _, f := range next {
		if prev, ok := oldByKind[f.Kind]; ok && f.Multiplier < prev {
			return true
		}
	}
	return false
}

// ErrNoBrokerConnection describes a broker-unavailable condition with no
// prior snapshot to fall back on. RefreshStrategy does not return it: with
// no connected broker it computes through the internal path.
var ErrNoBrokerConnection = errs.New(errs.KindBrokerTransient, "broker not connected and no prior margin snapshot", nil)
