package marketdata

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
	ltps  []float64
	idx   int
	delta float64
}

func (f *fakeBroker) GetInstrumentAnalytics(ctx context.Context, token int64) (*domain.InstrumentAnalytics, error) {
	ltp := f.ltps[f.idx]
	if f.idx < len(f.ltps)-1 {
		f.idx++
	}
	return &domain.InstrumentAnalytics{Token: token, LTP: ltp, Delta: f.delta, Timestamp: time.Now()}, nil
}

func (f *fakeBroker) GetDepth(ctx context.Context, token int64) (*domain.DepthSnapshot, error) {
	return &domain.DepthSnapshot{Instrument: domain.Instrument{Token: token}, Timestamp: time.Now()}, nil
}

func TestAdapter_IntradayPctChange_TracksHistory(t *testing.T) {
	broker := &fakeBroker{ltps: []float64{100, 100, 110}}
	a := New(broker, zerolog.Nop())
	ctx := context.Background()

	pct, err := a.IntradayPctChange(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, pct) // first tick, no history yet to compare against

	pct, err = a.IntradayPctChange(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, pct, 0.01)

	pct, err = a.IntradayPctChange(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, pct, 0.5)
}

func TestAdapter_InstrumentGreeks(t *testing.T) {
	broker := &fakeBroker{ltps: []float64{50}, delta: 0.6}
	a := New(broker, zerolog.Nop())

	delta, _, _, _, err := a.InstrumentGreeks(context.Background(), domain.Instrument{Token: 2})
	require.NoError(t, err)
	assert.Equal(t, 0.6, delta)
}

func TestAdapter_ResetDay_ClearsHistory(t *testing.T) {
	broker := &fakeBroker{ltps: []float64{100, 105}}
	a := New(broker, zerolog.Nop())
	ctx := context.Background()

	_, _ = a.IntradayPctChange(ctx, 1)
	_, _ = a.IntradayPctChange(ctx, 1)
	a.ResetDay()

	a.mu.RLock()
	hist := a.history[1]
	a.mu.RUnlock()
	assert.Empty(t, hist)
}

func TestAdapter_Subscribe_DeliversSnapshots(t *testing.T) {
	broker := &fakeBroker{ltps: []float64{1}}
	a := New(broker, zerolog.Nop())

	sub := a.Subscribe(context.Background(), 1, 5*time.Millisecond)
	defer sub.Close()

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot within 1s")
	}
}
