// Package errs defines SODME's typed decision/error-kind surface (spec §7).
//
// Two disjoint error surfaces exist in this codebase: plain Go `error`
// values wrapped with fmt.Errorf for system faults (DB down, broker
// transport failure, config error), and a *Decision built from this
// package for conditions that are not system faults — wide spread, high
// impact, margin shortfall, risk breaches — which the caller is meant to
// see and act on, not merely log.
package errs

// Kind enumerates the decision/error kinds spec.md §7 names.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindConfiguration       Kind = "ConfigurationError"
	KindBrokerTransient     Kind = "BrokerTransientError"
	KindBrokerPermanent     Kind = "BrokerPermanentError"
	KindRateLimit           Kind = "RateLimitError"
	KindDepthUnavailable    Kind = "DepthUnavailableError"
	KindInsufficientLiquid  Kind = "InsufficientLiquidityError"
	KindWideSpread          Kind = "WideSpreadError"
	KindHighImpact          Kind = "HighImpactError"
	KindMarginShortfall     Kind = "MarginShortfallError"
	KindMarginIncreased     Kind = "MarginIncreasedError"
	KindOrphanedOrders      Kind = "OrphanedOrdersError"
	KindRiskLimitBreach     Kind = "RiskLimitBreachError"
	KindGreeksRisk          Kind = "GreeksRiskError"
	KindDuplicateOrder      Kind = "DuplicateOrderError"
	KindPersistence         Kind = "PersistenceError"
)

// Decision is a typed, user-visible outcome: every error includes a kind, a
// short message, and a typed payload sufficient for the client to recover
// (§7 "shortfall amount and deadline" example). Decision is not a system
// fault — it implements `error` so it composes with existing error-handling
// call sites, but callers that care about recovery should type-assert to
// *Decision and read Payload rather than just logging Error().
type Decision struct {
	Kind    Kind
	Message string
	Payload interface{}
}

func (d *Decision) Error() string {
	return string(d.Kind) + ": " + d.Message
}

// New builds a Decision with the given kind, message, and typed payload.
func New(kind Kind, message string, payload interface{}) *Decision {
	return &Decision{Kind: kind, Message: message, Payload: payload}
}

// IsRetryable reports whether the broker should retry the call that
// produced this kind (spec §7 propagation policy).
func (k Kind) IsRetryable() bool {
	switch k {
	case KindBrokerTransient, KindRateLimit, KindPersistence:
		return true
	default:
		return false
	}
}
