package positions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/domain"
)

type fakeBroker struct {
	domain.BrokerClient
	orders    []domain.Order
	positions []domain.Position
}

func (f *fakeBroker) ListOrders(ctx context.Context) ([]domain.Order, error)       { return f.orders, nil }
func (f *fakeBroker) ListPositions(ctx context.Context) ([]domain.Position, error) { return f.positions, nil }

func TestView_OpenOrders_FiltersByStrategyAndStatus(t *testing.T) {
	broker := &fakeBroker{orders: []domain.Order{
		{ID: "o1", Strategy: "s1", Status: domain.OrderOpen},
		{ID: "o2", Strategy: "s1", Status: domain.OrderFilled},
		{ID: "o3", Strategy: "s2", Status: domain.OrderOpen},
	}}
	v := New(broker)

	out, err := v.OpenOrders(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "o1", out[0].ID)
}

func TestView_OrphanedOrders_OnlyFlaggedOnes(t *testing.T) {
	broker := &fakeBroker{orders: []domain.Order{
		{ID: "o1", Strategy: "s1", IsOrphan: true, OrphanReason: domain.OrphanStale},
		{ID: "o2", Strategy: "s1", IsOrphan: false},
	}}
	v := New(broker)

	out, err := v.OrphanedOrders(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "o1", out[0].ID)
}

func TestView_Positions_FiltersByStrategy(t *testing.T) {
	broker := &fakeBroker{positions: []domain.Position{
		{Strategy: "s1", Quantity: 5},
		{Strategy: "s2", Quantity: 3},
	}}
	v := New(broker)

	out, err := v.Positions(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 5, out[0].Quantity)
}

func TestView_Positions_ResolvesStrategyFromOrderTagWhenBrokerOmitsIt(t *testing.T) {
	broker := &fakeBroker{
		positions: []domain.Position{
			{Instrument: domain.Instrument{Token: 999}, Quantity: 5},
		},
		orders: []domain.Order{
			{ID: "o1", Strategy: "s1", Instrument: domain.Instrument{Token: 999}, Status: domain.OrderFilled},
		},
	}
	v := New(broker)

	out, err := v.Positions(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 5, out[0].Quantity)

	out, err = v.Positions(context.Background(), "other")
	require.NoError(t, err)
	assert.Empty(t, out)
}
