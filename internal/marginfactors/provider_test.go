package marginfactors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/domain"
)

type fakeVIX struct{ ltp float64 }

func (f *fakeVIX) Analytics(ctx context.Context, token int64) (*domain.InstrumentAnalytics, error) {
	return &domain.InstrumentAnalytics{Token: token, LTP: f.ltp}, nil
}

type fakeCache struct {
	span float64
	mul  *float64
	sttl float64
}

func (f *fakeCache) BaseSPAN(ctx context.Context, token int64, effectiveDate time.Time) (float64, error) {
	return f.span, nil
}
func (f *fakeCache) RegulatoryOverride(ctx context.Context, token int64) (float64, bool, error) {
	if f.mul == nil {
		return 0, false, nil
	}
	return *f.mul, true, nil
}
func (f *fakeCache) SettlementPrice(ctx context.Context, token int64, date time.Time) (float64, error) {
	return f.sttl, nil
}

func TestProvider_CurrentVIX(t *testing.T) {
	p := New(&fakeVIX{ltp: 17.5}, 987654, &fakeCache{})
	vix, err := p.CurrentVIX(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 17.5, vix)
}

func TestProvider_DaysToExpiry(t *testing.T) {
	p := New(&fakeVIX{}, 1, &fakeCache{})
	now := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)

	t.Run("no expiry reports zero", func(t *testing.T) {
		days, err := p.DaysToExpiry(context.Background(), domain.Instrument{}, now)
		require.NoError(t, err)
		assert.Equal(t, 0, days)
	})

	t.Run("future expiry rounds up", func(t *testing.T) {
		expiry := now.Add(49 * time.Hour)
		days, err := p.DaysToExpiry(context.Background(), domain.Instrument{Expiry: &expiry}, now)
		require.NoError(t, err)
		assert.Equal(t, 3, days)
	})

	t.Run("past expiry reports zero", func(t *testing.T) {
		expiry := now.Add(-time.Hour)
		days, err := p.DaysToExpiry(context.Background(), domain.Instrument{Expiry: &expiry}, now)
		require.NoError(t, err)
		assert.Equal(t, 0, days)
	})
}

func TestProvider_RegulatoryOverride(t *testing.T) {
	mul := 1.5
	p := New(&fakeVIX{}, 1, &fakeCache{mul: &mul})
	value, ok, err := p.RegulatoryOverride(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.5, value)
}
