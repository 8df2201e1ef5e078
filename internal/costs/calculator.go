// Package costs computes the signed transaction-cost ledger for a single
// order leg (spec §3 Cost Breakdown): brokerage, STT, exchange transaction
// charges, SEBI turnover fees, stamp duty, and GST on the fee components
// themselves. Grounded on the teacher's own domain-stack neighbor
// CalculateBrokerage in
// _examples/SAbdulRahuman-opense-ai-agents/opense.ai/internal/broker/broker.go,
// generalized from its buy-then-sell round-trip shape (CNC/MIS/NRML
// product codes) to SODME's per-order, per-segment model (Equity/Futures/
// Options, one side at a time) since Cost Breakdown is requested per order,
// not per closed round trip. Arithmetic runs on shopspring/decimal rather
// than float64 (grounded on 0xtitan6-polymarket-mm/go.mod's domain-stack
// use of the same library) so that recomputing a breakdown round-trips to
// the penny, per spec §9's decimal-math note and §8's round-trip invariant.
package costs

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/errs"
)

// Rates mirror a standard NSE discount-broker fee schedule (Zerodha-like,
// the same reference point the teacher's calculator uses), current as of
// spec.md's writing. They are not sourced from a live rate card — a real
// deployment would refresh these from the exchange's published circulars.
var (
	brokeragePctCap    = decimal.NewFromFloat(0.0003) // 0.03% of order value
	brokerageFlatCap   = decimal.NewFromInt(20)       // or a flat Rs.20 per order, whichever is lower
	sttEquityDelivery  = decimal.NewFromFloat(0.001)  // 0.1%, both legs
	sttFuturesSell     = decimal.NewFromFloat(0.0000625)
	sttOptionsSell     = decimal.NewFromFloat(0.000625)
	stampDutyEquityBuy = decimal.NewFromFloat(0.00015)
	stampDutyDerivBuy  = decimal.NewFromFloat(0.00003)
	exchangeTxnRate    = decimal.NewFromFloat(0.0000345) // NSE transaction charges
	sebiChargeRate     = decimal.NewFromFloat(0.000001)  // Rs.10 per crore
	gstRate            = decimal.NewFromFloat(0.18)
)

// roundingPlaces is the currency's minor-unit precision (paise).
const roundingPlaces = 2

// Calculator implements server.CostCalculator.
type Calculator struct{}

// New builds a Calculator. It has no dependencies: every input is already
// on the order (price, quantity, lot size, segment, side).
func New() *Calculator { return &Calculator{} }

// CalculateCosts implements server.CostCalculator.
func (c *Calculator) CalculateCosts(ctx context.Context, order domain.Order) (*domain.CostBreakdown, error) {
	if order.Quantity <= 0 {
		return nil, errs.New(errs.KindValidation, "quantity must be positive", nil)
	}
	if order.Price <= 0 {
		return nil, errs.New(errs.KindValidation, "price must be positive", nil)
	}

	lotSize := order.Instrument.LotSize
	if lotSize <= 0 {
		lotSize = 1
	}
	orderValue := decimal.NewFromFloat(order.Price).
		Mul(decimal.NewFromInt(int64(order.Quantity))).
		Mul(decimal.NewFromInt(int64(lotSize)))

	cb := &domain.CostBreakdown{OrderValue: orderValue.Round(roundingPlaces)}

	switch order.Instrument.Segment {
	case domain.SegmentEquity:
		applyEquityCharges(cb, order, orderValue)
	case domain.SegmentFutures, domain.SegmentOptions:
		applyDerivativeCharges(cb, order, orderValue)
	default:
		return nil, fmt.Errorf("costs: unknown segment %q", order.Instrument.Segment)
	}

	cb.ExchangeCharges = orderValue.Mul(exchangeTxnRate).Round(roundingPlaces)
	cb.SEBICharges = orderValue.Mul(sebiChargeRate).Round(roundingPlaces)
	cb.GST = cb.Brokerage.Add(cb.ExchangeCharges).Add(cb.SEBICharges).Mul(gstRate).Round(roundingPlaces)
	cb.TotalCharges = cb.Brokerage.Add(cb.STT).Add(cb.ExchangeCharges).Add(cb.SEBICharges).Add(cb.StampDuty).Add(cb.GST)

	if order.Side == domain.Buy {
		cb.NetCost = cb.OrderValue.Add(cb.TotalCharges)
	} else {
		cb.NetCost = cb.OrderValue.Sub(cb.TotalCharges)
	}
	return cb, nil
}

// applyEquityCharges treats every equity order as delivery (CNC): STT on
// both legs, brokerage zero, stamp duty on the buy leg only. SODME's Order
// type carries no delivery-vs-intraday flag distinct from Segment, so this
// is the conservative assumption — see DESIGN.md's Open Question decision.
func applyEquityCharges(cb *domain.CostBreakdown, order domain.Order, orderValue decimal.Decimal) {
	cb.Brokerage = decimal.Zero
	cb.STT = orderValue.Mul(sttEquityDelivery).Round(roundingPlaces)
	if order.Side == domain.Buy {
		cb.StampDuty = orderValue.Mul(stampDutyEquityBuy).Round(roundingPlaces)
	} else {
		cb.StampDuty = decimal.Zero
	}
}

// applyDerivativeCharges covers both futures and options: percentage-
// capped brokerage on every leg, STT on the sell leg only (futures and
// options carry different sell-side STT rates), stamp duty on the buy leg.
func applyDerivativeCharges(cb *domain.CostBreakdown, order domain.Order, orderValue decimal.Decimal) {
	cb.Brokerage = decimal.Min(orderValue.Mul(brokeragePctCap), brokerageFlatCap).Round(roundingPlaces)
	cb.STT = decimal.Zero
	if order.Side == domain.Sell {
		if order.Instrument.Segment == domain.SegmentFutures {
			cb.STT = orderValue.Mul(sttFuturesSell).Round(roundingPlaces)
		} else {
			cb.STT = orderValue.Mul(sttOptionsSell).Round(roundingPlaces)
		}
	}
	cb.StampDuty = decimal.Zero
	if order.Side == domain.Buy {
		cb.StampDuty = orderValue.Mul(stampDutyDerivBuy).Round(roundingPlaces)
	}
}
