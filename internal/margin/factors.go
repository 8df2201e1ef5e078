// Package margin implements the Margin Engine (spec §4.2): per-instrument
// SPAN/exposure/premium calculation, piecewise multiplier tables, and the
// broker-path vs internal-path snapshot reconciliation invariant.
package margin

import (
	"math"
	"time"
)

// vixMultiplier is the piecewise VIX table (spec §4.2). The lower bound of
// each bucket is inclusive (DESIGN.md Open Question decision 1).
func vixMultiplier(vix float64) float64 {
	switch {
	case vix < 15:
		return 1.0
	case vix < 20:
		return 1.1
	case vix < 25:
		return 1.3
	case vix < 30:
		return 1.5
	case vix < 40:
		return 1.7
	default:
		return 2.0
	}
}

// expiryMultiplier combines the days-to-expiry table with the expiry-day
// intraday-time overlay, taking the max of the two (spec §4.2).
func expiryMultiplier(daysToExpiry int, now time.Time) float64 {
	daysMul := 1.0
	switch {
	case daysToExpiry <= 0:
		daysMul = 2.5
	case daysToExpiry == 1:
		daysMul = 1.3
	case daysToExpiry == 2:
		daysMul = 1.1
	default:
		daysMul = 1.0
	}

	if daysToExpiry > 0 {
		return daysMul
	}

	// Expiry day: overlay time-of-day, take the max against the base.
	intradayMul := intradayExpiryMultiplier(now)
	return math.Max(daysMul, intradayMul)
}

// intradayExpiryMultiplier is the expiry-day time-of-day overlay (spec §4.2):
// <13:30→2.0, <15:00→2.5, >=15:00→3.5.
func intradayExpiryMultiplier(now time.Time) float64 {
	mins := now.Hour()*60 + now.Minute()
	switch {
	case mins < 13*60+30:
		return 2.0
	case mins < 15*60:
		return 2.5
	default:
		return 3.5
	}
}

// priceMoveMultiplier buckets the absolute intraday percentage move (spec
// §4.2). The upstream go-talib ROC indicator (SPEC_FULL.md §11) supplies
// pctMove; this function is the pure bucketing step.
func priceMoveMultiplier(pctMove float64) float64 {
	abs := math.Abs(pctMove)
	switch {
	case abs < 1:
		return 1.0
	case abs < 2:
		return 1.1
	case abs < 3:
		return 1.2
	case abs < 5:
		return 1.4
	default:
		return 1.6
	}
}

// regulatoryMultiplier is the max of whatever overrides are active, or 1.0
// if none apply (spec §4.2).
func regulatoryMultiplier(overrides ...float64) float64 {
	max := 1.0
	for _, o := range overrides {
		if o > max {
			max = o
		}
	}
	return max
}
