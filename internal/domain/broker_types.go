package domain

import "time"

// Broker-agnostic result/status types returned by a BrokerClient
// implementation (internal/broker). These abstract away the specific wire
// format of any one broker's API (Zerodha Kite in the reference gateway).

// BrokerOrderResult is the broker's acknowledgement of an order action.
type BrokerOrderResult struct {
	OrderID   string
	Status    OrderStatus
	Price     float64
	Quantity  int
	UpdatedAt time.Time
}

// BrokerFunds is the account's available margin/cash.
type BrokerFunds struct {
	Available float64
	Used      float64
	Total     float64
}

// BrokerMarginResult is the broker's authoritative margin-basket response.
type BrokerMarginResult struct {
	PerInstrument map[int64]float64 // token -> required margin
	Total         float64
}

// BrokerHealthResult reports broker session/connectivity health.
type BrokerHealthResult struct {
	Connected        bool
	SessionValid     bool
	LastHeartbeat    time.Time
	CircuitState     string // "closed" | "open" | "half_open"
	ConsecutiveFails int
}

// InstrumentAnalytics is the Market Data Adapter's per-instrument pricing
// feed: last-traded price plus, for derivatives, implied volatility and the
// four Greeks the Risk Monitor aggregates (spec.md §4.4).
type InstrumentAnalytics struct {
	Token     int64
	LTP       float64
	IV        float64
	Delta     float64
	Gamma     float64
	Vega      float64
	Theta     float64
	Timestamp time.Time
}
