package events

import (
	"encoding/json"
	"time"

	"github.com/sodme/engine/internal/domain"
)

// EventData is implemented by every typed payload carried on the bus. Kept
// narrow on purpose so new event kinds don't require touching Bus/Manager.
type EventData interface {
	EventType() EventType
}

// Event is one message on the Alert/Event Bus: a typed, severity-tagged
// payload scoped to a strategy (or "" for system-wide events).
type Event struct {
	Type      EventType       `json:"type"`
	Severity  domain.Severity `json:"severity"`
	Strategy  string          `json:"strategy,omitempty"`
	Module    string          `json:"module"`
	Data      EventData       `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// wireEvent is Event's JSON shape for the Live channel (spec §6):
// {type, severity, payload, timestamp}.
type wireEvent struct {
	Type      EventType       `json:"type"`
	Severity  string          `json:"severity"`
	Strategy  string          `json:"strategy,omitempty"`
	Payload   EventData       `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON renders Event in the wire shape external subscribers expect.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Type:      e.Type,
		Severity:  e.Severity.String(),
		Strategy:  e.Strategy,
		Payload:   e.Data,
		Timestamp: e.Timestamp,
	})
}

// WideSpreadData is the payload for a WIDE_SPREAD event (§4.1, scenario A).
type WideSpreadData struct {
	OrderID       string  `json:"order_id"`
	SpreadPct     float64 `json:"spread_pct"`
	LiquidityTier string  `json:"liquidity_tier"`
}

func (WideSpreadData) EventType() EventType { return WideSpread }

// HighImpactData is the payload for a HIGH_IMPACT event.
type HighImpactData struct {
	OrderID   string  `json:"order_id"`
	ImpactBps float64 `json:"impact_bps"`
}

func (HighImpactData) EventType() EventType { return HighImpact }

// InsufficientLiquidityData is the payload for an INSUFFICIENT_LIQUIDITY
// event (§4.1, scenario B).
type InsufficientLiquidityData struct {
	OrderID        string `json:"order_id"`
	RequestedQty   int    `json:"requested_qty"`
	AvailableQty   int    `json:"available_qty"`
	LevelsConsumed int    `json:"levels_consumed"`
}

func (InsufficientLiquidityData) EventType() EventType { return InsufficientLiquidity }

// MarginWarningData is the payload for L2/L3-level utilization alerts (§4.4).
type MarginWarningData struct {
	Strategy       string  `json:"strategy"`
	UtilizationPct float64 `json:"utilization_pct"`
	Level          string  `json:"level"`
}

func (MarginWarningData) EventType() EventType { return MarginWarning }

// MarginShortfallData is the payload for an L6/shortfall event (§4.4,
// scenario F).
type MarginShortfallData struct {
	Strategy  string    `json:"strategy"`
	Required  float64   `json:"required"`
	Available float64   `json:"available"`
	Shortfall float64   `json:"shortfall"`
	Deadline  time.Time `json:"deadline"`
}

func (MarginShortfallData) EventType() EventType { return MarginShortfall }

// MarginIncreasedData is the payload for a MARGIN_INCREASED change event
// (§3 MarginChangeEvent).
type MarginIncreasedData struct {
	Strategy string  `json:"strategy"`
	Old      float64 `json:"old"`
	New      float64 `json:"new"`
	PctDelta float64 `json:"pct_delta"`
	Reason   string  `json:"reason"`
}

func (MarginIncreasedData) EventType() EventType { return MarginIncreased }

// RiskBreachData is the payload for a generic risk-level escalation (§4.4).
type RiskBreachData struct {
	Strategy    string `json:"strategy"`
	Level       int    `json:"level"`
	ActionTaken string `json:"action_taken"`
}

func (RiskBreachData) EventType() EventType { return RiskBreach }

// OrphanedOrderData is the payload for an ORPHANED_ORDER event (§4.3,
// scenario E).
type OrphanedOrderData struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
	Action  string `json:"action"`
	WasAuto bool   `json:"was_auto"`
}

func (OrphanedOrderData) EventType() EventType { return OrphanedOrder }

// GreeksRiskData is the payload for a GREEKS_RISK event (§4.4).
type GreeksRiskData struct {
	Strategy       string  `json:"strategy"`
	Greek          string  `json:"greek"`
	Value          float64 `json:"value"`
	Classification string  `json:"classification"`
	Recommendation string  `json:"recommendation"`
}

func (GreeksRiskData) EventType() EventType { return GreeksRisk }

// SettlementCompleteData is the payload for an EOD SETTLEMENT_COMPLETE event.
type SettlementCompleteData struct {
	Date             string `json:"date"`
	InstrumentsCount int    `json:"instruments_count"`
}

func (SettlementCompleteData) EventType() EventType { return SettlementComplete }

// HousekeepingCompleteData is the payload for a sweep-completion event.
type HousekeepingCompleteData struct {
	Cleaned int `json:"cleaned"`
	Errors  int `json:"errors"`
}

func (HousekeepingCompleteData) EventType() EventType { return HousekeepingComplete }

// SessionInvalidatedData is the payload for a broker session invalidation
// (§4.7 "on invalidation... an URGENT alert is emitted").
type SessionInvalidatedData struct {
	Detail string `json:"detail"`
}

func (SessionInvalidatedData) EventType() EventType { return SessionInvalidated }
