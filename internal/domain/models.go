// Package domain holds the core entity types shared across SODME's
// components: instruments, strategies, positions, orders, depth snapshots,
// and the alert/cost/margin records the rest of the engine produces.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Segment identifies the kind of instrument traded.
type Segment string

const (
	SegmentEquity  Segment = "equity"
	SegmentFutures Segment = "futures"
	SegmentOptions Segment = "options"
)

// OptionType distinguishes calls from puts. Empty for non-option instruments.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// Instrument is immutable for a trading day: token, symbol, and contract
// terms don't change intraday.
type Instrument struct {
	Token         int64
	TradingSymbol string
	Segment       Segment
	Underlying    string
	Expiry        *time.Time
	Strike        float64
	OptionType    OptionType
	LotSize       int
	TickSize      float64
}

// IsDerivative reports whether the instrument carries an expiry.
func (i Instrument) IsDerivative() bool {
	return i.Segment == SegmentFutures || i.Segment == SegmentOptions
}

// StrategyStatus is the lifecycle state of a Strategy.
type StrategyStatus string

const (
	StrategyDraft  StrategyStatus = "draft"
	StrategyActive StrategyStatus = "active"
	StrategyPaused StrategyStatus = "paused"
	StrategyClosed StrategyStatus = "closed"
)

// Strategy is a user's trading strategy container. At most one default
// strategy is permitted per trading account — enforced by the Strategy Store.
type Strategy struct {
	ID          string
	OwnerAcct   string
	Status      StrategyStatus
	IsDefault   bool
	SettingsRef string
}

// Direction of a position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Position is a strategy's holding in one instrument.
type Position struct {
	Strategy        string
	Instrument      Instrument
	Direction       Direction
	Quantity        int // lots
	AveragePrice    float64
	CurrentPrice    float64
	PrevSettlePrice float64
	LotSize         int
}

// PnL returns direction-signed (current - average) * lots * lot_size.
func (p Position) PnL() float64 {
	sign := 1.0
	if p.Direction == Short {
		sign = -1.0
	}
	return sign * (p.CurrentPrice - p.AveragePrice) * float64(p.Quantity) * float64(p.LotSize)
}

// OrderSide is buy or sell.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderType enumerates the supported execution styles.
type OrderType string

const (
	OrderMarket     OrderType = "market"
	OrderLimit      OrderType = "limit"
	OrderStop       OrderType = "stop"
	OrderStopMarket OrderType = "stop-market"
	OrderTWAP       OrderType = "twap"
	OrderIceberg    OrderType = "iceberg"
)

// OrderStatus is the broker-driven state machine for an Order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// OrphanReason classifies why an order has no covering position.
type OrphanReason string

const (
	OrphanPositionClosed    OrphanReason = "position_closed"
	OrphanPositionReduced   OrphanReason = "position_reduced"
	OrphanStale             OrphanReason = "stale"
	OrphanExpiredInstrument OrphanReason = "expired_instrument"
	OrphanDuplicate         OrphanReason = "duplicate"
)

// Order is a single broker order tracked by SODME.
//
// Invariant: if IsOrphan then ParentPosition is empty or its parent holds
// zero quantity.
type Order struct {
	ID             string
	Strategy       string
	Instrument     Instrument
	Side           OrderSide
	Type           OrderType
	Quantity       int
	Price          float64
	Trigger        float64
	Status         OrderStatus
	ParentPosition string
	IsOrphan       bool
	OrphanReason   OrphanReason
	PlacedAt       time.Time
	UpdatedAt      time.Time
	IdempotencyKey string
}

// DepthLevel is one price/quantity pair on one side of the book.
type DepthLevel struct {
	Price    float64
	Quantity int
}

// DepthSnapshot is up to 5 bid levels and 5 ask levels for an instrument.
//
// Invariant: best bid <= best ask.
type DepthSnapshot struct {
	Instrument Instrument
	Bids       []DepthLevel // best first
	Asks       []DepthLevel // best first
	Timestamp  time.Time
}

// BestBid returns the top bid price, or 0 if the book is empty on that side.
func (d DepthSnapshot) BestBid() float64 {
	if len(d.Bids) == 0 {
		return 0
	}
	return d.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 if the book is empty on that side.
func (d DepthSnapshot) BestAsk() float64 {
	if len(d.Asks) == 0 {
		return 0
	}
	return d.Asks[0].Price
}

// Mid returns (best_bid+best_ask)/2.
func (d DepthSnapshot) Mid() float64 {
	return (d.BestBid() + d.BestAsk()) / 2
}

// LiquidityTier classifies how easily an order can be filled.
type LiquidityTier string

const (
	LiquidityHigh     LiquidityTier = "high"
	LiquidityMedium   LiquidityTier = "medium"
	LiquidityLow      LiquidityTier = "low"
	LiquidityIlliquid LiquidityTier = "illiquid"
)

// RecommendedAction is the Depth Analyzer's verdict for an order.
type RecommendedAction string

const (
	ActionExecuteMarket   RecommendedAction = "execute_market"
	ActionExecuteLimit    RecommendedAction = "execute_limit"
	ActionAlertUser       RecommendedAction = "alert_user"
	ActionRequireApproval RecommendedAction = "require_approval"
	ActionReject          RecommendedAction = "reject"
)

// ExecutionAnalysis is the Depth Analyzer's output for one order. Records
// are append-only: a later partial-fill update is a new row referencing
// OrderID, never an in-place edit.
type ExecutionAnalysis struct {
	OrderID            string
	SpreadAbs          float64
	SpreadPct          float64
	LiquidityTier      LiquidityTier
	LiquidityScore     float64
	EstimatedFillPrice float64
	ImpactBps          float64
	ImpactCost         float64
	LevelsConsumed     int
	CanFillCompletely  bool
	Warnings           []string
	RecommendedAction  RecommendedAction
	RecommendedType    OrderType
	// Optional post-fill fields.
	ActualFillPrice *float64
	ActualSlippage  *float64
	QualityScore    *float64
	CreatedAt       time.Time
}

// CostBreakdown is the signed transaction-cost ledger for an order.
// Every field is a fixed-precision decimal rather than float64 — spec §9
// requires monetary arithmetic to avoid binary floating point so that
// recomputing a breakdown round-trips to the penny.
//
// BUY: NetCost = OrderValue + TotalCharges.
// SELL: NetCost = OrderValue - TotalCharges.
type CostBreakdown struct {
	OrderValue      decimal.Decimal
	Brokerage       decimal.Decimal
	STT             decimal.Decimal
	ExchangeCharges decimal.Decimal
	GST             decimal.Decimal
	SEBICharges     decimal.Decimal
	StampDuty       decimal.Decimal
	TotalCharges    decimal.Decimal
	NetCost         decimal.Decimal
}

// MarginFactorKind names the four multiplier inputs applied to SPAN.
type MarginFactorKind string

const (
	FactorVIX        MarginFactorKind = "vix"
	FactorExpiry     MarginFactorKind = "expiry"
	FactorPriceMove  MarginFactorKind = "price_move"
	FactorRegulatory MarginFactorKind = "regulatory"
)

// AppliedFactor records one multiplier that contributed to a MarginSnapshot.
type AppliedFactor struct {
	Kind       MarginFactorKind
	Value      float64
	Multiplier float64
}

// MarginSource distinguishes broker-authoritative numbers from
// internally-computed interim ones.
type MarginSource string

const (
	SourceBroker   MarginSource = "broker"
	SourceInternal MarginSource = "internal"
)

// MarginSnapshot is a strategy's required-margin picture at a point in time.
//
// Invariant: Total >= Span+Exposure+Premium within rounding.
type MarginSnapshot struct {
	Strategy       string
	Timestamp      time.Time
	Span           float64
	Exposure       float64
	Premium        float64
	Additional     float64
	Total          float64
	AppliedFactors []AppliedFactor
	Available      float64
	UtilizationPct float64
	Warnings       []string
	Source         MarginSource
}

// MarginChangeEvent is emitted only when |pct| >= the minor-change threshold.
type MarginChangeEvent struct {
	Strategy    string
	Old         float64
	New         float64
	Pct         float64
	Reason      string
	Severity    Severity
	ActionTaken string
	Timestamp   time.Time
}

// SettlementRecord is one instrument's daily mark-to-market settlement.
type SettlementRecord struct {
	Instrument     Instrument
	Date           time.Time
	PreviousSettle float64
	NewSettle      float64
	M2MPnL         float64
}

// Severity is the alert severity ladder: info < warning < critical < urgent.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
	SeverityUrgent
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeverityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// AlertResponse records how a user disposed of an Alert.
type AlertResponse struct {
	Action    string
	Timestamp time.Time
}

// Alert is a user-facing notification with a typed payload.
type Alert struct {
	ID              string
	Type            string
	Severity        Severity
	Title           string
	Body            string
	Payload         interface{}
	ProposedActions []string
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	Response        *AlertResponse
	Read            bool
}

// CleanupAction is what Housekeeping did about an order.
type CleanupAction string

const (
	CleanupCancelled CleanupAction = "cancelled"
	CleanupSkipped   CleanupAction = "skipped"
	CleanupFailed    CleanupAction = "failed"
)

// CleanupLog records one housekeeping decision, keyed deterministically by
// {OrderID, Reason, Day} so retries are idempotent.
type CleanupLog struct {
	OrderID   string
	Reason    OrphanReason
	Action    CleanupAction
	WasAuto   bool
	PreQty    int
	PostQty   int
	Day       string // YYYY-MM-DD, part of the idempotency key
	CreatedAt time.Time
}

// Key returns the deterministic idempotency key for this cleanup action.
func (c CleanupLog) Key() string {
	return c.OrderID + "|" + string(c.Reason) + "|" + c.Day
}
