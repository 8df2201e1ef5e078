package events

import (
	"context"
	"time"

	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/housekeeping"
	"github.com/sodme/engine/internal/margin"
	"github.com/sodme/engine/internal/risk"
)

// Publisher adapts Manager.Emit to the narrow per-package publisher
// interfaces (margin.EventPublisher, housekeeping.AlertPublisher,
// risk.AlertPublisher, broker.SessionAlerter) so every module emits through
// the same typed bus without importing it directly.
type Publisher struct {
	manager *Manager
}

// NewPublisher builds a Publisher around manager.
func NewPublisher(manager *Manager) *Publisher {
	return &Publisher{manager: manager}
}

var (
	_ margin.EventPublisher       = (*Publisher)(nil)
	_ housekeeping.AlertPublisher = (*Publisher)(nil)
	_ risk.AlertPublisher         = (*Publisher)(nil)
)

// PublishSessionInvalidated implements broker.SessionAlerter. Not asserted
// against the broker package directly to avoid an import cycle (broker
// sits below events in the dependency graph); wired at construction in
// cmd/sodme/main.go instead.
func (p *Publisher) PublishSessionInvalidated(ctx context.Context, detail string) {
	p.manager.Emit(ctx, "", "broker", domain.SeverityUrgent, SessionInvalidatedData{Detail: detail})
}

// PublishMarginIncreased implements margin.EventPublisher.
func (p *Publisher) PublishMarginIncreased(ctx context.Context, strategy string, ev domain.MarginChangeEvent) {
	p.manager.Emit(ctx, strategy, "margin", ev.Severity, MarginIncreasedData{
		Strategy: strategy,
		Old:      ev.Old,
		New:      ev.New,
		PctDelta: ev.Pct,
		Reason:   ev.Reason,
	})
}

// PublishMarginShortfall implements margin.EventPublisher.
func (p *Publisher) PublishMarginShortfall(ctx context.Context, strategy string, required, available, shortfall float64, deadline time.Time) {
	p.manager.Emit(ctx, strategy, "margin", domain.SeverityUrgent, MarginShortfallData{
		Strategy:  strategy,
		Required:  required,
		Available: available,
		Shortfall: shortfall,
		Deadline:  deadline,
	})
}

// PublishOrphanedOrder implements housekeeping.AlertPublisher.
func (p *Publisher) PublishOrphanedOrder(ctx context.Context, strategy string, orderID string, reason domain.OrphanReason, severity domain.Severity) {
	p.manager.Emit(ctx, strategy, "housekeeping", severity, OrphanedOrderData{
		OrderID: orderID,
		Reason:  string(reason),
		Action:  "cancel",
		WasAuto: true,
	})
}

// PublishHousekeepingComplete implements housekeeping.AlertPublisher.
func (p *Publisher) PublishHousekeepingComplete(ctx context.Context, strategy string, actionsTaken int) {
	p.manager.Emit(ctx, strategy, "housekeeping", domain.SeverityInfo, HousekeepingCompleteData{
		Cleaned: actionsTaken,
	})
}

// PublishRiskBreach implements risk.AlertPublisher.
func (p *Publisher) PublishRiskBreach(ctx context.Context, strategy string, level risk.Level, severity domain.Severity, detail string) {
	p.manager.Emit(ctx, strategy, "risk", severity, RiskBreachData{
		Strategy:    strategy,
		Level:       int(level),
		ActionTaken: detail,
	})
}

// PublishGreeksRisk implements risk.AlertPublisher.
func (p *Publisher) PublishGreeksRisk(ctx context.Context, strategy string, g risk.Greeks, recommendation string) {
	p.manager.Emit(ctx, strategy, "risk", domain.SeverityWarning, GreeksRiskData{
		Strategy:       strategy,
		Greek:          "aggregate",
		Value:          g.Delta,
		Classification: string(worstTier(g)),
		Recommendation: recommendation,
	})
}

// worstTier returns the most severe of the four per-Greek tiers.
func worstTier(g risk.Greeks) risk.GreeksTier {
	rank := map[risk.GreeksTier]int{
		risk.GreeksLow: 0, risk.GreeksMedium: 1, risk.GreeksHigh: 2, risk.GreeksExtreme: 3,
	}
	worst := g.DeltaTier
	for _, t := range []risk.GreeksTier{g.GammaTier, g.VegaTier, g.ThetaTier} {
		if rank[t] > rank[worst] {
			worst = t
		}
	}
	return worst
}
