package kite

import (
	"context"
	"fmt"
	"sync"

	"github.com/sodme/engine/internal/domain"
)

// StaticInstrumentLookup is a process-memory InstrumentLookup seeded once at
// startup from the broker's instrument-dump CSV (out of scope for SODME
// proper — spec §1 excludes upload/statement parsing — but something has to
// satisfy the interface so Client can resolve lot size/strike/expiry).
// Safe for concurrent reads; Put is meant for startup-time seeding only.
type StaticInstrumentLookup struct {
	mu   sync.RWMutex
	byID map[int64]domain.Instrument
}

// NewStaticInstrumentLookup builds an empty lookup. Seed it with Put before
// wiring it into kite.New.
func NewStaticInstrumentLookup() *StaticInstrumentLookup {
	return &StaticInstrumentLookup{byID: make(map[int64]domain.Instrument)}
}

// Put seeds or replaces one instrument's contract terms.
func (l *StaticInstrumentLookup) Put(i domain.Instrument) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[i.Token] = i
}

// Instrument implements InstrumentLookup.
func (l *StaticInstrumentLookup) Instrument(ctx context.Context, token int64) (domain.Instrument, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[token]
	if !ok {
		return domain.Instrument{}, fmt.Errorf("kite: instrument %d not found in lookup", token)
	}
	return i, nil
}
