package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/errs"
)

type fakeInner struct {
	domain.BrokerClient
	placeErrs   []error
	placeCalls  int
	cancelErr   error
	cancelCalls int
	connected   bool
}

func (f *fakeInner) PlaceOrder(ctx context.Context, order domain.Order, key string) (*domain.BrokerOrderResult, error) {
	idx := f.placeCalls
	f.placeCalls++
	if idx < len(f.placeErrs) {
		return nil, f.placeErrs[idx]
	}
	return &domain.BrokerOrderResult{}, nil
}

func (f *fakeInner) CancelOrder(ctx context.Context, orderID string) error {
	f.cancelCalls++
	return f.cancelErr
}

func (f *fakeInner) IsConnected() bool { return f.connected }

func (f *fakeInner) HealthCheck(ctx context.Context) (*domain.BrokerHealthResult, error) {
	return &domain.BrokerHealthResult{Connected: f.connected}, nil
}

type fakeSessionAlerter struct{ invalidated int }

func (a *fakeSessionAlerter) PublishSessionInvalidated(ctx context.Context, detail string) {
	a.invalidated++
}

func TestPlaceOrder_RetriesOnTransientErrorWithIdempotencyKey(t *testing.T) {
	inner := &fakeInner{placeErrs: []error{
		errs.New(errs.KindBrokerTransient, "timeout", nil),
		errs.New(errs.KindBrokerTransient, "timeout", nil),
	}}
	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	gw := New(inner, cfg, &fakeSessionAlerter{}, zerolog.Nop())

	_, err := gw.PlaceOrder(context.Background(), domain.Order{}, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, 3, inner.placeCalls)
}

func TestPlaceOrder_NoRetryWithoutIdempotencyKey(t *testing.T) {
	inner := &fakeInner{placeErrs: []error{errs.New(errs.KindBrokerTransient, "timeout", nil)}}
	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	gw := New(inner, cfg, &fakeSessionAlerter{}, zerolog.Nop())

	_, err := gw.PlaceOrder(context.Background(), domain.Order{}, "")
	require.Error(t, err)
	assert.Equal(t, 1, inner.placeCalls)
}

func TestPlaceOrder_SessionInvalidationEmitsAlert(t *testing.T) {
	inner := &fakeInner{placeErrs: []error{errs.New(errs.KindBrokerPermanent, "token expired", nil)}}
	alerts := &fakeSessionAlerter{}
	gw := New(inner, DefaultConfig(), alerts, zerolog.Nop())

	_, err := gw.PlaceOrder(context.Background(), domain.Order{}, "idem-1")
	require.Error(t, err)
	assert.Equal(t, 1, alerts.invalidated)
}

func TestCircuitBreaker_OpensAfterThresholdAndBlocksCalls(t *testing.T) {
	inner := &fakeInner{cancelErr: errs.New(errs.KindBrokerTransient, "down", nil)}
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 2
	cfg.BreakerWindow = time.Minute
	cfg.BreakerHalfOpen = time.Hour
	cfg.MaxRetries = 0
	gw := New(inner, cfg, &fakeSessionAlerter{}, zerolog.Nop())

	_ = gw.CancelOrder(context.Background(), "o1")
	_ = gw.CancelOrder(context.Background(), "o1")

	err := gw.CancelOrder(context.Background(), "o1")
	require.Error(t, err)
	var dec *errs.Decision
	require.ErrorAs(t, err, &dec)
	assert.Equal(t, 2, inner.cancelCalls)
}

func TestTokenBucket_AllowRespectsCapacity(t *testing.T) {
	b := NewTokenBucket(1, 1)
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
}

func TestHealthCheck_ReportsBreakerState(t *testing.T) {
	inner := &fakeInner{connected: true}
	gw := New(inner, DefaultConfig(), &fakeSessionAlerter{}, zerolog.Nop())

	res, err := gw.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "closed", res.CircuitState)
}
