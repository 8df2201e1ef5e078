// Package broker implements the Broker Gateway (spec §4.7): rate limiting,
// retries, a circuit breaker, and session management wrapped around a
// concrete domain.BrokerClient, grounded in the teacher's
// clients/tradernet/client.go delegation idiom and its sdk/client.go
// single-worker rate-limiting queue (generalized here to literal
// per-endpoint token buckets, as the spec requires).
package broker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/errs"
)

// SessionAlerter is the narrow Alert/Event Bus slice the Gateway needs to
// raise an URGENT alert on session invalidation (spec §4.7).
type SessionAlerter interface {
	PublishSessionInvalidated(ctx context.Context, detail string)
}

// Config tunes the Gateway's rate limits, retries, and breaker.
type Config struct {
	OrdersPerSecond   float64
	MarginCallsPerSec float64
	MaxRetries        int
	BaseBackoff       time.Duration
	BreakerThreshold  int
	BreakerWindow     time.Duration
	BreakerHalfOpen   time.Duration
}

// DefaultConfig mirrors spec §4.7's stated defaults.
func DefaultConfig() Config {
	return Config{
		OrdersPerSecond:   10,
		MarginCallsPerSec: 0.2,
		MaxRetries:        3,
		BaseBackoff:       200 * time.Millisecond,
		BreakerThreshold:  5,
		BreakerWindow:     60 * time.Second,
		BreakerHalfOpen:   30 * time.Second,
	}
}

// Gateway decorates a concrete domain.BrokerClient with the ambient
// reliability behaviors spec §4.7 requires, and itself satisfies
// domain.BrokerClient so callers are unaware of the wrapping.
type Gateway struct {
	inner domain.BrokerClient

	orderBucket  *TokenBucket
	marginBucket *TokenBucket
	breaker      *CircuitBreaker

	alerts SessionAlerter
	log    zerolog.Logger

	cfg Config
}

var _ domain.BrokerClient = (*Gateway)(nil)

// New wraps inner with rate limiting, retries, and a circuit breaker.
func New(inner domain.BrokerClient, cfg Config, alerts SessionAlerter, log zerolog.Logger) *Gateway {
	return &Gateway{
		inner:        inner,
		orderBucket:  NewTokenBucket(cfg.OrdersPerSecond, math.Max(cfg.OrdersPerSecond, 1)),
		marginBucket: NewTokenBucket(cfg.MarginCallsPerSec, 1),
		breaker:      NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerHalfOpen),
		alerts:       alerts,
		log:          log.With().Str("component", "broker_gateway").Logger(),
		cfg:          cfg,
	}
}

// PlaceOrder is a write: retried only when the broker returns a retryable
// error and the call carries an idempotency key (spec §4.7).
func (g *Gateway) PlaceOrder(ctx context.Context, order domain.Order, idempotencyKey string) (*domain.BrokerOrderResult, error) {
	if !g.breaker.Allow(time.Now()) {
		return nil, errs.New(errs.KindBrokerTransient, "circuit breaker open, order not submitted", nil)
	}
	if !g.orderBucket.Allow() {
		return nil, errs.New(errs.KindRateLimit, "order rate limit exceeded", nil)
	}

	var result *domain.BrokerOrderResult
	var err error
	retryable := idempotencyKey != ""

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		result, err = g.inner.PlaceOrder(ctx, order, idempotencyKey)
		if err == nil {
			g.breaker.RecordSuccess(time.Now())
			return result, nil
		}
		g.breaker.RecordFailure(time.Now())
		if !retryable || !isRetryable(err) || attempt == g.cfg.MaxRetries {
			break
		}
		if sleepErr := g.backoff(ctx, attempt); sleepErr != nil {
			return nil, sleepErr
		}
	}
	g.checkSessionInvalidation(ctx, err)
	return nil, fmt.Errorf("broker: place order: %w", err)
}

// ModifyOrder follows the same write-retry policy as PlaceOrder.
func (g *Gateway) ModifyOrder(ctx context.Context, orderID string, price, trigger float64, quantity int) (*domain.BrokerOrderResult, error) {
	if !g.breaker.Allow(time.Now()) {
		return nil, errs.New(errs.KindBrokerTransient, "circuit breaker open, modify not submitted", nil)
	}
	result, err := g.inner.ModifyOrder(ctx, orderID, price, trigger, quantity)
	if err != nil {
		g.breaker.RecordFailure(time.Now())
		g.checkSessionInvalidation(ctx, err)
		return nil, fmt.Errorf("broker: modify order %s: %w", orderID, err)
	}
	g.breaker.RecordSuccess(time.Now())
	return result, nil
}

// CancelOrder is idempotent at the broker and always safe to retry.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	if !g.breaker.Allow(time.Now()) {
		return errs.New(errs.KindBrokerTransient, "circuit breaker open, cancel not submitted", nil)
	}
	var err error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		err = g.inner.CancelOrder(ctx, orderID)
		if err == nil {
			g.breaker.RecordSuccess(time.Now())
			return nil
		}
		g.breaker.RecordFailure(time.Now())
		if !isRetryable(err) || attempt == g.cfg.MaxRetries {
			break
		}
		if sleepErr := g.backoff(ctx, attempt); sleepErr != nil {
			return sleepErr
		}
	}
	g.checkSessionInvalidation(ctx, err)
	return fmt.Errorf("broker: cancel order %s: %w", orderID, err)
}

// ListOrders is an idempotent read: retries with exponential backoff.
func (g *Gateway) ListOrders(ctx context.Context) ([]domain.Order, error) {
	var orders []domain.Order
	err := g.retryRead(ctx, func() error {
		var innerErr error
		orders, innerErr = g.inner.ListOrders(ctx)
		return innerErr
	})
	return orders, err
}

func (g *Gateway) ListPositions(ctx context.Context) ([]domain.Position, error) {
	var positions []domain.Position
	err := g.retryRead(ctx, func() error {
		var innerErr error
		positions, innerErr = g.inner.ListPositions(ctx)
		return innerErr
	})
	return positions, err
}

func (g *Gateway) ListHoldings(ctx context.Context) ([]domain.Position, error) {
	var holdings []domain.Position
	err := g.retryRead(ctx, func() error {
		var innerErr error
		holdings, innerErr = g.inner.ListHoldings(ctx)
		return innerErr
	})
	return holdings, err
}

func (g *Gateway) GetFunds(ctx context.Context) (*domain.BrokerFunds, error) {
	var funds *domain.BrokerFunds
	err := g.retryRead(ctx, func() error {
		var innerErr error
		funds, innerErr = g.inner.GetFunds(ctx)
		return innerErr
	})
	return funds, err
}

// GetMargin is subject to its own, far tighter, token bucket (spec §4.7:
// "margin calc <= 0.2/s").
func (g *Gateway) GetMargin(ctx context.Context, basket []domain.Order) (*domain.BrokerMarginResult, error) {
	if !g.breaker.Allow(time.Now()) {
		return nil, errs.New(errs.KindBrokerTransient, "circuit breaker open, margin call skipped", nil)
	}
	if !g.marginBucket.Allow() {
		return nil, errs.New(errs.KindRateLimit, "margin calc rate limit exceeded", nil)
	}
	result, err := g.inner.GetMargin(ctx, basket)
	if err != nil {
		g.breaker.RecordFailure(time.Now())
		return nil, fmt.Errorf("broker: get margin: %w", err)
	}
	g.breaker.RecordSuccess(time.Now())
	return result, nil
}

func (g *Gateway) GetDepth(ctx context.Context, token int64) (*domain.DepthSnapshot, error) {
	var depth *domain.DepthSnapshot
	err := g.retryRead(ctx, func() error {
		var innerErr error
		depth, innerErr = g.inner.GetDepth(ctx, token)
		return innerErr
	})
	return depth, err
}

func (g *Gateway) GetInstrumentAnalytics(ctx context.Context, token int64) (*domain.InstrumentAnalytics, error) {
	var analytics *domain.InstrumentAnalytics
	err := g.retryRead(ctx, func() error {
		var innerErr error
		analytics, innerErr = g.inner.GetInstrumentAnalytics(ctx, token)
		return innerErr
	})
	return analytics, err
}

func (g *Gateway) IsConnected() bool {
	return g.inner.IsConnected()
}

func (g *Gateway) HealthCheck(ctx context.Context) (*domain.BrokerHealthResult, error) {
	result, err := g.inner.HealthCheck(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: health check: %w", err)
	}
	if result != nil {
		state, fails := g.breaker.State()
		result.CircuitState = string(state)
		result.ConsecutiveFails = fails
	}
	return result, nil
}

// retryRead retries idempotent reads with exponential backoff (spec §4.7).
func (g *Gateway) retryRead(ctx context.Context, call func() error) error {
	if !g.breaker.Allow(time.Now()) {
		return errs.New(errs.KindBrokerTransient, "circuit breaker open", nil)
	}
	var err error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		err = call()
		if err == nil {
			g.breaker.RecordSuccess(time.Now())
			return nil
		}
		g.breaker.RecordFailure(time.Now())
		if !isRetryable(err) || attempt == g.cfg.MaxRetries {
			break
		}
		if sleepErr := g.backoff(ctx, attempt); sleepErr != nil {
			return sleepErr
		}
	}
	g.checkSessionInvalidation(ctx, err)
	return fmt.Errorf("broker: read: %w", err)
}

func (g *Gateway) backoff(ctx context.Context, attempt int) error {
	base := g.cfg.BaseBackoff
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	delay := base * time.Duration(1<<uint(attempt))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// checkSessionInvalidation raises an URGENT alert when the broker reports a
// permanent auth failure (spec §4.7 "on invalidation, new orders are
// rejected and an URGENT alert is emitted").
func (g *Gateway) checkSessionInvalidation(ctx context.Context, err error) {
	if err == nil || g.alerts == nil {
		return
	}
	var dec *errs.Decision
	if as, ok := err.(*errs.Decision); ok {
		dec = as
	}
	if dec != nil && dec.Kind == errs.KindBrokerPermanent {
		g.alerts.PublishSessionInvalidated(ctx, dec.Message)
	}
}

func isRetryable(err error) bool {
	if dec, ok := err.(*errs.Decision); ok {
		return dec.Kind.IsRetryable()
	}
	return false
}
