package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/domain"
)

type fakeBroker struct {
	domain.BrokerClient
	cancelled []string
	cancelErr error
	placed    []domain.Order
}

func (b *fakeBroker) CancelOrder(ctx context.Context, orderID string) error {
	if b.cancelErr != nil {
		return b.cancelErr
	}
	b.cancelled = append(b.cancelled, orderID)
	return nil
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, order domain.Order, idempotencyKey string) (*domain.BrokerOrderResult, error) {
	b.placed = append(b.placed, order)
	return &domain.BrokerOrderResult{}, nil
}

type fakeStore struct {
	orders    []domain.Order
	positions []domain.Position
}

func (s *fakeStore) OpenOrders(ctx context.Context, strategy string) ([]domain.Order, error) {
	return s.orders, nil
}
func (s *fakeStore) Positions(ctx context.Context, strategy string) ([]domain.Position, error) {
	return s.positions, nil
}

type fakeLogger struct {
	saved  []domain.CleanupLog
	seen   map[string]bool
}

func newFakeLogger() *fakeLogger { return &fakeLogger{seen: map[string]bool{}} }

func (f *fakeLogger) AlreadyLogged(ctx context.Context, key string) (bool, error) {
	return f.seen[key], nil
}
func (f *fakeLogger) Save(ctx context.Context, l domain.CleanupLog) error {
	f.saved = append(f.saved, l)
	f.seen[l.Key()] = true
	return nil
}

type fakeAlerts struct {
	orphaned  int
	completed int
}

func (a *fakeAlerts) PublishOrphanedOrder(ctx context.Context, strategy, orderID string, reason domain.OrphanReason, severity domain.Severity) {
	a.orphaned++
}
func (a *fakeAlerts) PublishHousekeepingComplete(ctx context.Context, strategy string, actionsTaken int) {
	a.completed++
}

func TestOrphanCheck_NoCoveringPositionIsOrphan(t *testing.T) {
	order := domain.Order{ID: "o1", ParentPosition: "pos-1", Quantity: 10, Strategy: "s1", Instrument: domain.Instrument{Token: 1}}
	reason, isOrphan := orphanCheck(order, nil)
	assert.True(t, isOrphan)
	assert.Equal(t, domain.OrphanPositionClosed, reason)
}

func TestOrphanCheck_CoveredIsNotOrphan(t *testing.T) {
	order := domain.Order{ID: "o1", ParentPosition: "pos-1", Quantity: 10, Strategy: "s1", Instrument: domain.Instrument{Token: 1}}
	positions := []domain.Position{{Strategy: "s1", Instrument: domain.Instrument{Token: 1}, Quantity: 10}}
	_, isOrphan := orphanCheck(order, positions)
	assert.False(t, isOrphan)
}

func TestRun_AutoCleanupCancelsOrphan(t *testing.T) {
	broker := &fakeBroker{}
	store := &fakeStore{orders: []domain.Order{
		{ID: "o1", ParentPosition: "pos-1", Quantity: 10, Strategy: "s1", Instrument: domain.Instrument{Token: 1}, PlacedAt: time.Now()},
	}}
	logs := newFakeLogger()
	alerts := &fakeAlerts{}
	eng := New(broker, store, logs, alerts, zerolog.Nop())

	settings := Settings{AutoCleanup: true, StaleOrderHours: 100}
	actions, err := eng.Run(context.Background(), "s1", TriggerManual, settings, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, actions)
	assert.Contains(t, broker.cancelled, "o1")
	assert.Equal(t, 1, alerts.completed)
}

func TestRun_AllowOrphansSkipsCancel(t *testing.T) {
	broker := &fakeBroker{}
	store := &fakeStore{orders: []domain.Order{
		{ID: "o1", ParentPosition: "pos-1", Quantity: 10, Strategy: "s1", Instrument: domain.Instrument{Token: 1}, PlacedAt: time.Now()},
	}}
	logs := newFakeLogger()
	eng := New(broker, store, logs, &fakeAlerts{}, zerolog.Nop())

	settings := Settings{AutoCleanup: true, AllowOrphans: true, StaleOrderHours: 100}
	_, err := eng.Run(context.Background(), "s1", TriggerManual, settings, time.Now())
	require.NoError(t, err)
	assert.Empty(t, broker.cancelled)
	require.Len(t, logs.saved, 1)
	assert.Equal(t, domain.CleanupSkipped, logs.saved[0].Action)
}

func TestRun_IdempotentRetrySkipsAlreadyLogged(t *testing.T) {
	broker := &fakeBroker{}
	order := domain.Order{ID: "o1", ParentPosition: "pos-1", Quantity: 10, Strategy: "s1", Instrument: domain.Instrument{Token: 1}, PlacedAt: time.Now()}
	store := &fakeStore{orders: []domain.Order{order}}
	logs := newFakeLogger()
	now := time.Now()
	day := now.UTC().Format("2006-01-02")
	pre := domain.CleanupLog{OrderID: "o1", Reason: domain.OrphanPositionClosed, Day: day}
	logs.seen[pre.Key()] = true

	eng := New(broker, store, logs, &fakeAlerts{}, zerolog.Nop())
	actions, err := eng.Run(context.Background(), "s1", TriggerManual, Settings{AutoCleanup: true, StaleOrderHours: 100}, now)
	require.NoError(t, err)
	assert.Equal(t, 0, actions)
	assert.Empty(t, broker.cancelled)
}

func TestIntradaySquareOff_FlattensAfterSquareOffTime(t *testing.T) {
	broker := &fakeBroker{}
	positions := []domain.Position{{Strategy: "s1", Instrument: domain.Instrument{Token: 1}, Direction: domain.Long, Quantity: 5}}
	store := &fakeStore{positions: positions}
	eng := New(broker, store, newFakeLogger(), &fakeAlerts{}, zerolog.Nop())

	now := time.Date(2026, 7, 31, 15, 25, 0, 0, time.UTC)
	settings := Settings{Intraday: true, WarningTime: "15:15:00", SquareOffTime: "15:20:00"}
	actions, err := eng.Run(context.Background(), "s1", TriggerManual, settings, now)
	require.NoError(t, err)
	assert.Equal(t, 1, actions)
	require.Len(t, broker.placed, 1)
	assert.Equal(t, domain.Sell, broker.placed[0].Side)
}
