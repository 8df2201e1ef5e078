// Package marginfactors is the concrete domain.MarginFactorProvider (spec
// §4.2): India VIX from the Market Data Adapter's analytics feed, SPAN/
// regulatory/settlement figures from the margin.db cache tables (the 15:35
// settlement job writes futures_settlement_history; no scheduled job writes
// nse_margin_cache), and days-to-expiry computed directly from an
// instrument's expiry date. Grounded in the teacher's
// clients/alphavantage-style "single external signal behind a narrow
// interface" composition, generalized to compose a live feed with a
// persisted cache rather than two external HTTP clients.
package marginfactors

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sodme/engine/internal/domain"
)

// VIXSource supplies a live LTP for whichever instrument token represents
// India VIX; satisfied by *marketdata.Adapter.
type VIXSource interface {
	Analytics(ctx context.Context, token int64) (*domain.InstrumentAnalytics, error)
}

// FactorCache is the persisted half of the margin factor inputs; satisfied
// by *persistence.MarginRepo.
type FactorCache interface {
	BaseSPAN(ctx context.Context, token int64, effectiveDate time.Time) (float64, error)
	RegulatoryOverride(ctx context.Context, token int64) (float64, bool, error)
	SettlementPrice(ctx context.Context, token int64, date time.Time) (float64, error)
}

// Provider implements domain.MarginFactorProvider.
type Provider struct {
	vix      VIXSource
	vixToken int64
	cache    FactorCache
}

// New builds a Provider. vixToken is the instrument token the Market Data
// Adapter resolves India VIX's LTP through (NSE's INDIAVIX index token in
// production).
func New(vix VIXSource, vixToken int64, cache FactorCache) *Provider {
	return &Provider{vix: vix, vixToken: vixToken, cache: cache}
}

var _ domain.MarginFactorProvider = (*Provider)(nil)

// CurrentVIX implements domain.MarginFactorProvider.
func (p *Provider) CurrentVIX(ctx context.Context) (float64, error) {
	an, err := p.vix.Analytics(ctx, p.vixToken)
	if err != nil {
		return 0, fmt.Errorf("marginfactors: current vix: %w", err)
	}
	return an.LTP, nil
}

// DaysToExpiry implements domain.MarginFactorProvider as a pure calendar
// calculation: non-derivative instruments and already-expired contracts
// both report 0.
func (p *Provider) DaysToExpiry(ctx context.Context, instrument domain.Instrument, asOf time.Time) (int, error) {
	if instrument.Expiry == nil {
		return 0, nil
	}
	days := instrument.Expiry.Sub(asOf).Hours() / 24
	if days < 0 {
		return 0, nil
	}
	return int(math.Ceil(days)), nil
}

// BaseSPAN implements domain.MarginFactorProvider.
func (p *Provider) BaseSPAN(ctx context.Context, token int64, effectiveDate time.Time) (float64, error) {
	span, err := p.cache.BaseSPAN(ctx, token, effectiveDate)
	if err != nil {
		return 0, fmt.Errorf("marginfactors: base span: %w", err)
	}
	return span, nil
}

// RegulatoryOverride implements domain.MarginFactorProvider.
func (p *Provider) RegulatoryOverride(ctx context.Context, token int64) (float64, bool, error) {
	mul, ok, err := p.cache.RegulatoryOverride(ctx, token)
	if err != nil {
		return 0, false, fmt.Errorf("marginfactors: regulatory override: %w", err)
	}
	return mul, ok, nil
}

// SettlementPrice implements domain.MarginFactorProvider.
func (p *Provider) SettlementPrice(ctx context.Context, token int64, date time.Time) (float64, error) {
	price, err := p.cache.SettlementPrice(ctx, token, date)
	if err != nil {
		return 0, fmt.Errorf("marginfactors: settlement price: %w", err)
	}
	return price, nil
}
