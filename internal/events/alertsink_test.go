package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/domain"
)

type fakeAlertCreator struct {
	mu      sync.Mutex
	created []domain.Alert
}

func (f *fakeAlertCreator) CreateAlert(ctx context.Context, strategy string, a domain.Alert) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, a)
	return "alert-1", nil
}

func (f *fakeAlertCreator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func TestAlertSink_PersistsWarningAndAboveOnly(t *testing.T) {
	bus := NewBus(zerolog.Nop(), nil, nil)
	creator := &fakeAlertCreator{}
	sink := NewAlertSink(bus, creator, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)
	time.Sleep(10 * time.Millisecond) // let the subscriber register

	require.NoError(t, bus.Publish(context.Background(), Event{
		Type: MarginWarning, Severity: domain.SeverityInfo, Strategy: "s1", Data: MarginWarningData{},
	}))
	require.NoError(t, bus.Publish(context.Background(), Event{
		Type: MarginShortfall, Severity: domain.SeverityUrgent, Strategy: "s1",
		Data: MarginShortfallData{Strategy: "s1"},
	}))

	assert.Eventually(t, func() bool { return creator.count() == 1 }, time.Second, time.Millisecond)
}
