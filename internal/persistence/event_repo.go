package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sodme/engine/internal/database"
	"github.com/sodme/engine/internal/events"
)

// EventRepo is the Alert/Event Bus's durable publish log (events.db),
// msgpack-encoded per SPEC_FULL.md §11.
type EventRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewEventRepo builds an EventRepo over an already-migrated events.db.
func NewEventRepo(db *database.DB, log zerolog.Logger) *EventRepo {
	return &EventRepo{db: db, log: log.With().Str("component", "event_repo").Logger()}
}

// wireEvent is the msgpack-encodable shape of events.Event: its Data field
// is an interface, so it's flattened to a concrete payload before encoding.
type wireEvent struct {
	Type      events.EventType `msgpack:"type"`
	Severity  string           `msgpack:"severity"`
	Strategy  string           `msgpack:"strategy"`
	Module    string           `msgpack:"module"`
	Payload   interface{}      `msgpack:"payload"`
	Timestamp time.Time        `msgpack:"timestamp"`
}

// Persist implements events.PersistFunc.
func (r *EventRepo) Persist(ctx context.Context, ev events.Event) error {
	payload, err := msgpack.Marshal(wireEvent{
		Type:      ev.Type,
		Severity:  ev.Severity.String(),
		Strategy:  ev.Strategy,
		Module:    ev.Module,
		Payload:   ev.Data,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("persistence: marshal event %s: %w", ev.Type, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO event_log (strategy_id, event_type, severity, payload, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Strategy, string(ev.Type), ev.Severity.String(), payload, ev.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("persistence: save event %s: %w", ev.Type, err)
	}
	return nil
}
