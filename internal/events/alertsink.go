package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/domain"
)

// AlertCreator persists a warning-or-above bus event as a user-facing
// alert (backed by internal/persistence.AlertRepo over alerts.db).
type AlertCreator interface {
	CreateAlert(ctx context.Context, strategy string, alert domain.Alert) (string, error)
}

// AlertSink is a long-running Bus subscriber that turns every
// warning-and-above event into a persisted domain.Alert, so the REST
// /users/{id}/alerts surface reflects everything the bus has raised
// without each producer (margin, risk, housekeeping) writing alerts
// itself (spec §4.6).
type AlertSink struct {
	bus     *Bus
	creator AlertCreator
	log     zerolog.Logger
}

// NewAlertSink builds an AlertSink around bus and creator.
func NewAlertSink(bus *Bus, creator AlertCreator, log zerolog.Logger) *AlertSink {
	return &AlertSink{bus: bus, creator: creator, log: log.With().Str("component", "alert_sink").Logger()}
}

// Run subscribes to the bus and persists events until ctx is cancelled.
// Intended to run in its own goroutine for the life of the process.
func (s *AlertSink) Run(ctx context.Context) {
	sub := s.bus.Subscribe(nil)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Severity < domain.SeverityWarning {
				continue
			}
			if _, err := s.creator.CreateAlert(ctx, ev.Strategy, alertFromEvent(ev)); err != nil {
				s.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to persist alert")
			}
		}
	}
}

// alertFromEvent renders a bus Event into the user-facing Alert shape.
func alertFromEvent(ev Event) domain.Alert {
	return domain.Alert{
		Type:            string(ev.Type),
		Severity:        ev.Severity,
		Title:           alertTitle(ev.Type),
		Body:            alertTitle(ev.Type),
		Payload:         ev.Data,
		ProposedActions: proposedActions(ev.Type),
		CreatedAt:       ev.Timestamp,
	}
}

func alertTitle(t EventType) string {
	switch t {
	case WideSpread:
		return "Wide bid-ask spread detected"
	case HighImpact:
		return "High market impact expected"
	case InsufficientLiquidity:
		return "Insufficient order book liquidity"
	case MarginWarning:
		return "Margin utilization approaching limit"
	case MarginShortfall:
		return "Margin shortfall: action required"
	case MarginIncreased:
		return "Required margin increased"
	case RiskBreach:
		return "Risk limit breached"
	case OrphanedOrder:
		return "Orphaned order detected"
	case GreeksRisk:
		return "Greeks exposure risk"
	case SettlementComplete:
		return "End-of-day settlement complete"
	case HousekeepingComplete:
		return "Housekeeping sweep complete"
	case SessionInvalidated:
		return "Broker session invalidated"
	default:
		return string(t)
	}
}

func proposedActions(t EventType) []string {
	switch t {
	case MarginShortfall:
		return []string{"add_funds", "reduce_position"}
	case RiskBreach, GreeksRisk:
		return []string{"review_positions", "reduce_exposure"}
	case OrphanedOrder:
		return []string{"cancel_order", "ignore"}
	case SessionInvalidated:
		return []string{"reauthenticate"}
	default:
		return nil
	}
}
