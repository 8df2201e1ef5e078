package domain

import (
	"context"
	"time"
)

// BrokerClient defines the broker-agnostic contract SODME's Broker Gateway
// must satisfy. Concrete implementations (internal/broker) wrap it with
// rate limiting, retries, and a circuit breaker; nothing above this
// interface is allowed to assume a specific broker.
type BrokerClient interface {
	// PlaceOrder submits a new order and returns the broker's order id.
	// idempotencyKey must dedupe concurrent retries of the same logical order.
	PlaceOrder(ctx context.Context, order Order, idempotencyKey string) (*BrokerOrderResult, error)
	ModifyOrder(ctx context.Context, orderID string, price, trigger float64, quantity int) (*BrokerOrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error

	ListOrders(ctx context.Context) ([]Order, error)
	ListPositions(ctx context.Context) ([]Position, error)
	ListHoldings(ctx context.Context) ([]Position, error)
	GetFunds(ctx context.Context) (*BrokerFunds, error)

	// GetMargin is the authoritative broker-path margin calculator (§4.2),
	// subject to the gateway's own rate limit.
	GetMargin(ctx context.Context, basket []Order) (*BrokerMarginResult, error)

	// GetDepth returns a live 5-level order book for an instrument token.
	GetDepth(ctx context.Context, token int64) (*DepthSnapshot, error)

	// GetInstrumentAnalytics returns last-traded price, IV, and Greeks for
	// an instrument token. Non-derivative instruments report zero Greeks.
	GetInstrumentAnalytics(ctx context.Context, token int64) (*InstrumentAnalytics, error)

	IsConnected() bool
	HealthCheck(ctx context.Context) (*BrokerHealthResult, error)
}

// MarginFactorProvider supplies the four inputs the Margin Engine multiplies
// against base SPAN (§4.2): VIX level, expiry calendar, settlement prices,
// and regulatory overrides.
type MarginFactorProvider interface {
	CurrentVIX(ctx context.Context) (float64, error)
	DaysToExpiry(ctx context.Context, instrument Instrument, asOf time.Time) (int, error)
	BaseSPAN(ctx context.Context, token int64, effectiveDate time.Time) (float64, error)
	RegulatoryOverride(ctx context.Context, token int64) (float64, bool, error)
	SettlementPrice(ctx context.Context, token int64, date time.Time) (float64, error)
}
