// Package positions adapts a domain.BrokerClient's account-wide order and
// position lists into the per-strategy views the Margin Engine
// (margin.PositionProvider) and Housekeeping Engine (housekeeping.PositionStore)
// need, grounded in the teacher's clients/tradernet/adapter.go
// wire-to-domain translation pattern (here: broker-wide to strategy-scoped,
// not wire-to-domain).
package positions

import (
	"context"
	"fmt"

	"github.com/sodme/engine/internal/domain"
)

// View filters a domain.BrokerClient's account-wide state down to one
// strategy, keyed on domain.Order.Strategy / domain.Position.Strategy.
// Every order and position the broker returns already carries the
// strategy tag SODME assigned when it was placed.
type View struct {
	broker domain.BrokerClient
}

// New builds a View over broker (typically the broker.Gateway).
func New(broker domain.BrokerClient) *View {
	return &View{broker: broker}
}

// OpenOrders implements margin.PositionProvider and housekeeping.PositionStore.
func (v *View) OpenOrders(ctx context.Context, strategy string) ([]domain.Order, error) {
	all, err := v.broker.ListOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: list orders: %w", err)
	}
	var out []domain.Order
	for _, o := range all {
		if strategy == "" || o.Strategy == strategy {
			if o.Status == domain.OrderOpen || o.Status == domain.OrderPartiallyFilled || o.Status == domain.OrderPending {
				out = append(out, o)
			}
		}
	}
	return out, nil
}

// Positions implements margin.PositionProvider and housekeeping.PositionStore.
//
// Not every broker reports Position.Strategy directly (Kite's positions API
// has no strategy concept at all, unlike its orders, which round-trip a
// tag) — when a position arrives with no strategy attached, its instrument
// is matched against that instrument's strategy-tagged orders instead, on
// the assumption that one instrument is only ever worked by one strategy
// at a time.
func (v *View) Positions(ctx context.Context, strategy string) ([]domain.Position, error) {
	all, err := v.broker.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: list positions: %w", err)
	}

	var strategyByToken map[int64]string
	if strategy != "" {
		orders, err := v.broker.ListOrders(ctx)
		if err != nil {
			return nil, fmt.Errorf("positions: list orders for strategy resolution: %w", err)
		}
		strategyByToken = make(map[int64]string, len(orders))
		for _, o := range orders {
			if o.Strategy != "" {
				strategyByToken[o.Instrument.Token] = o.Strategy
			}
		}
	}

	var out []domain.Position
	for _, p := range all {
		owner := p.Strategy
		if owner == "" {
			owner = strategyByToken[p.Instrument.Token]
		}
		if strategy == "" || owner == strategy {
			out = append(out, p)
		}
	}
	return out, nil
}

// OrphanedOrders implements server.OrphanReader's underlying read by exposing
// every order (open or otherwise) carrying IsOrphan for a strategy, so
// GET /strategies/{id}/orphaned-orders doesn't need to run a cleanup pass
// just to see what would be cleaned.
func (v *View) OrphanedOrders(ctx context.Context, strategy string) ([]domain.Order, error) {
	all, err := v.broker.ListOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: list orders: %w", err)
	}
	var out []domain.Order
	for _, o := range all {
		if (strategy == "" || o.Strategy == strategy) && o.IsOrphan {
			out = append(out, o)
		}
	}
	return out, nil
}
