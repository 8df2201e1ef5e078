package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/domain"
)

// subscriberQueueSize bounds each subscriber's backlog before the
// severity-aware drop policy (§4.6) kicks in.
const subscriberQueueSize = 256

// urgentBlockTimeout is how long Publish will block for a full subscriber
// queue on a critical/urgent event before giving up and escalating
// out-of-band (§5, §9).
const urgentBlockTimeout = 2 * time.Second

// PersistFunc durably records an event before fan-out. The bus calls it
// synchronously so a crash between persist and dispatch never loses an
// event silently — dispatch failures are backpressure, not data loss.
type PersistFunc func(ctx context.Context, ev Event) error

// OutOfBandFunc is invoked when an urgent/critical event could not be
// delivered to a subscriber within urgentBlockTimeout (§4.6 "urgent also
// routed to a side channel for out-of-band notification").
type OutOfBandFunc func(ev Event, subscriberID string)

// Bus is the Alert/Event Bus (§4.6): typed events fan out to a persistent
// store and to live subscribers, each with its own bounded queue. Slow
// subscribers never stall the bus or each other.
//
// Bus never implements the persistent store or the out-of-band channel
// itself — those are injected so the bus stays a pure fan-out/backpressure
// primitive, testable without a database.
type Bus struct {
	log       zerolog.Logger
	mu        sync.RWMutex
	subs      map[string]*subscription
	nextID    int64
	persist   PersistFunc
	outOfBand OutOfBandFunc

	stratMu sync.Mutex
	stratLk map[string]*sync.Mutex // per-strategy publish serialization
}

// NewBus creates a Bus. persist and outOfBand may be nil (no-op).
func NewBus(log zerolog.Logger, persist PersistFunc, outOfBand OutOfBandFunc) *Bus {
	return &Bus{
		log:       log.With().Str("component", "event_bus").Logger(),
		subs:      make(map[string]*subscription),
		persist:   persist,
		outOfBand: outOfBand,
		stratLk:   make(map[string]*sync.Mutex),
	}
}

type subscription struct {
	id     string
	ch     chan Event
	types  map[EventType]bool // nil = all types
	closed bool
}

// Subscription is a live handle returned by Subscribe. Callers read from C
// and must call Close when done.
type Subscription struct {
	ID string
	C  <-chan Event

	bus *Bus
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.ID]; ok && !sub.closed {
		sub.closed = true
		close(sub.ch)
		delete(s.bus.subs, s.ID)
	}
}

// Subscribe registers a new subscriber. types is a filter; an empty slice
// subscribes to all known event types.
func (b *Bus) Subscribe(types []EventType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := subscriberID(b.nextID)

	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	sub := &subscription{
		id:    id,
		ch:    make(chan Event, subscriberQueueSize),
		types: filter,
	}
	b.subs[id] = sub

	return &Subscription{ID: id, C: sub.ch, bus: b}
}

func subscriberID(n int64) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "sub-0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append(buf, alphabet[n%int64(len(alphabet))])
		n /= int64(len(alphabet))
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return "sub-" + string(buf)
}

// Publish persists then fans out an event. Per-strategy publish order is
// serialized (§5 "per-strategy event order is preserved end-to-end").
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	unlock := b.lockStrategy(ev.Strategy)
	defer unlock()

	if b.persist != nil {
		if err := b.persist(ctx, ev); err != nil {
			b.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to persist event")
			return err
		}
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types == nil || sub.types[ev.Type] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(ctx, sub, ev)
	}
	return nil
}

func (b *Bus) lockStrategy(strategy string) func() {
	if strategy == "" {
		return func() {}
	}
	b.stratMu.Lock()
	lk, ok := b.stratLk[strategy]
	if !ok {
		lk = &sync.Mutex{}
		b.stratLk[strategy] = lk
	}
	b.stratMu.Unlock()
	lk.Lock()
	return lk.Unlock
}

// deliver applies the severity-aware drop policy: info/warning drop the
// oldest queued event rather than block; critical/urgent block the
// publisher up to urgentBlockTimeout, then escalate out-of-band (§4.6, §9).
func (b *Bus) deliver(ctx context.Context, sub *subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	if ev.Severity < domain.SeverityCritical {
		// Drop oldest, make room, try once more. Never block a publisher
		// for info/warning severities.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn().Str("subscriber", sub.id).Str("event_type", string(ev.Type)).
				Msg("dropped event, subscriber queue saturated")
		}
		return
	}

	timer := time.NewTimer(urgentBlockTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- ev:
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	b.log.Error().Str("subscriber", sub.id).Str("event_type", string(ev.Type)).
		Msg("urgent event could not be delivered within deadline, escalating out-of-band")
	if b.outOfBand != nil {
		b.outOfBand(ev, sub.id)
	}
}
