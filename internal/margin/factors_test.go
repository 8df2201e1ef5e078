package margin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVIXMultiplier_Boundaries(t *testing.T) {
	cases := []struct {
		vix  float64
		want float64
	}{
		{14.99, 1.0},
		{15, 1.1},
		{19.99, 1.1},
		{20, 1.3},
		{24.99, 1.3},
		{25, 1.5},
		{29.99, 1.5},
		{30, 1.7},
		{39.99, 1.7},
		{40, 2.0},
		{100, 2.0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, vixMultiplier(c.vix), "vix=%v", c.vix)
	}
}

func TestExpiryMultiplier_DaysOnly(t *testing.T) {
	mid := time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, 1.0, expiryMultiplier(7, mid))
	assert.Equal(t, 1.1, expiryMultiplier(2, mid))
	assert.Equal(t, 1.3, expiryMultiplier(1, mid))
}

func TestExpiryMultiplier_ExpiryDayOverlay(t *testing.T) {
	morning := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	afternoon := time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC)
	close := time.Date(2026, 7, 31, 15, 10, 0, 0, time.UTC)

	// Before 13:30 the 2.0 overlay is below the day-0 base of 2.5, so the base wins.
	assert.Equal(t, 2.5, expiryMultiplier(0, morning))
	assert.Equal(t, 2.5, expiryMultiplier(0, afternoon))
	assert.Equal(t, 3.5, expiryMultiplier(0, close))
}

func TestPriceMoveMultiplier_Buckets(t *testing.T) {
	assert.Equal(t, 1.0, priceMoveMultiplier(0.5))
	assert.Equal(t, 1.1, priceMoveMultiplier(-1.5))
	assert.Equal(t, 1.2, priceMoveMultiplier(2.9))
	assert.Equal(t, 1.4, priceMoveMultiplier(4.9))
	assert.Equal(t, 1.6, priceMoveMultiplier(10))
}

func TestRegulatoryMultiplier_MaxOfOverridesOrDefault(t *testing.T) {
	assert.Equal(t, 1.0, regulatoryMultiplier())
	assert.Equal(t, 1.5, regulatoryMultiplier(1.2, 1.5, 1.0))
}
