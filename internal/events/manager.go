package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/domain"
)

// Manager wraps a Bus with typed, logged convenience methods. Mirrors the
// call shape the rest of the engine expects: Emit(type, strategy, module,
// severity, data) rather than constructing Event literals everywhere.
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a Manager around bus.
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("component", "event_manager").Logger(),
	}
}

// Emit publishes a typed event and logs it at a level matching its severity.
func (m *Manager) Emit(ctx context.Context, strategy, module string, severity domain.Severity, data EventData) {
	ev := Event{
		Type:     data.EventType(),
		Severity: severity,
		Strategy: strategy,
		Module:   module,
		Data:     data,
	}

	logEvt := m.log.Info()
	switch severity {
	case domain.SeverityWarning:
		logEvt = m.log.Warn()
	case domain.SeverityCritical, domain.SeverityUrgent:
		logEvt = m.log.Error()
	}
	logEvt.Str("event_type", string(ev.Type)).Str("strategy", strategy).Str("module", module).
		Str("severity", severity.String()).Msg("event emitted")

	if err := m.bus.Publish(ctx, ev); err != nil {
		m.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to publish event")
	}
}

// Subscribe exposes the underlying bus's subscription API directly; the
// Manager adds nothing on the read path.
func (m *Manager) Subscribe(types []EventType) *Subscription {
	return m.bus.Subscribe(types)
}
