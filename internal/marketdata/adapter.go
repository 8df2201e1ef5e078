// Package marketdata is the Market Data Adapter (spec §4.1's depth feed
// plus §4.4's Greeks feed): a pull+subscribe cache in front of the Broker
// Gateway's per-instrument reads, grounded in the teacher's
// clients/tradernet/websocket_client.go reconnect-and-fan-out idiom
// (simplified here to polling, since the underlying domain.BrokerClient
// contract is itself pull-based) and its formulas package's
// insufficient-data-falls-back-to-simpler-stat convention for the ROC
// calculation backing margin.PriceMover.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/domain"
)

// priceHistoryLimit bounds how many intraday ticks per token the Adapter
// keeps for the ROC calculation; one session's worth at a 5s poll cadence.
const priceHistoryLimit = 4096

// Adapter caches the most recent depth and analytics reads per instrument
// token, single-writer-refresh (spec §5 "read-mostly access with
// single-writer refresh"): each token's cache entry is only ever updated
// by its own refresh goroutine, read concurrently under RLock.
type Adapter struct {
	broker domain.BrokerClient
	log    zerolog.Logger

	mu        sync.RWMutex
	depth     map[int64]*domain.DepthSnapshot
	analytics map[int64]*domain.InstrumentAnalytics
	history   map[int64][]float64 // intraday LTP series, oldest first
}

// New builds an Adapter over broker (typically the broker.Gateway).
func New(broker domain.BrokerClient, log zerolog.Logger) *Adapter {
	return &Adapter{
		broker:    broker,
		log:       log.With().Str("component", "marketdata_adapter").Logger(),
		depth:     make(map[int64]*domain.DepthSnapshot),
		analytics: make(map[int64]*domain.InstrumentAnalytics),
		history:   make(map[int64][]float64),
	}
}

// Depth pulls and caches a fresh 5-level book for token.
func (a *Adapter) Depth(ctx context.Context, token int64) (*domain.DepthSnapshot, error) {
	snap, err := a.broker.GetDepth(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("marketdata: depth for token %d: %w", token, err)
	}
	a.mu.Lock()
	a.depth[token] = snap
	a.mu.Unlock()
	return snap, nil
}

// CachedDepth returns the last depth snapshot pulled for token without
// hitting the broker, or nil if none has been pulled yet.
func (a *Adapter) CachedDepth(token int64) *domain.DepthSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.depth[token]
}

// Analytics pulls and caches fresh LTP/IV/Greeks for token, recording the
// LTP into the intraday price history the PriceMover uses.
func (a *Adapter) Analytics(ctx context.Context, token int64) (*domain.InstrumentAnalytics, error) {
	an, err := a.broker.GetInstrumentAnalytics(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("marketdata: analytics for token %d: %w", token, err)
	}

	a.mu.Lock()
	a.analytics[token] = an
	hist := append(a.history[token], an.LTP)
	if len(hist) > priceHistoryLimit {
		hist = hist[len(hist)-priceHistoryLimit:]
	}
	a.history[token] = hist
	a.mu.Unlock()

	return an, nil
}

// InstrumentGreeks implements risk.GreeksProvider.
func (a *Adapter) InstrumentGreeks(ctx context.Context, instrument domain.Instrument) (delta, gamma, vega, theta float64, err error) {
	an, err := a.Analytics(ctx, instrument.Token)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return an.Delta, an.Gamma, an.Vega, an.Theta, nil
}

// IntradayPctChange implements margin.PriceMover: the percentage change
// from the first recorded LTP of the day to the latest, via go-talib's
// ROC over the full recorded series (spec §4.2 "price-move multiplier").
func (a *Adapter) IntradayPctChange(ctx context.Context, token int64) (float64, error) {
	if _, err := a.Analytics(ctx, token); err != nil {
		return 0, err
	}

	a.mu.RLock()
	hist := append([]float64(nil), a.history[token]...)
	a.mu.RUnlock()

	if len(hist) < 2 {
		return 0, nil
	}

	period := len(hist) - 1
	roc := talib.Roc(hist, period)
	last := roc[len(roc)-1]
	if last != last { // NaN guard; go-talib pads leading values with NaN
		return 0, nil
	}
	return last, nil
}

// IngestTick feeds a push-delivered quote (from kite.Ticker's streaming
// feed) into the same cache and price history GetDepth/Analytics populate
// on a pull, so a live WebSocket subscription and on-demand polling share
// one read path.
func (a *Adapter) IngestTick(an domain.InstrumentAnalytics) {
	a.mu.Lock()
	a.analytics[an.Token] = &an
	hist := append(a.history[an.Token], an.LTP)
	if len(hist) > priceHistoryLimit {
		hist = hist[len(hist)-priceHistoryLimit:]
	}
	a.history[an.Token] = hist
	a.mu.Unlock()
}

// IngestDepth feeds a push-delivered depth snapshot into the depth cache.
func (a *Adapter) IngestDepth(snap domain.DepthSnapshot) {
	a.mu.Lock()
	a.depth[snap.Instrument.Token] = &snap
	a.mu.Unlock()
}

// ResetDay clears the intraday price history, called by the scheduler's
// pre-market job (scheduler.SchedulePreMarket) so yesterday's closing
// moves don't leak into today's price-move multiplier.
func (a *Adapter) ResetDay() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = make(map[int64][]float64)
}

// Subscription is a live handle returned by Subscribe. Callers read from C
// and must call Close when done.
type Subscription struct {
	C      <-chan domain.DepthSnapshot
	cancel context.CancelFunc
}

// Close stops the subscription's poll loop.
func (s *Subscription) Close() { s.cancel() }

// Subscribe starts a poll loop refreshing token's depth every interval,
// pushing each refreshed snapshot to the returned channel. The channel is
// closed once the subscription's context is cancelled via Close.
func (a *Adapter) Subscribe(ctx context.Context, token int64, interval time.Duration) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan domain.DepthSnapshot, 8)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
				snap, err := a.Depth(subCtx, token)
				if err != nil {
					a.log.Debug().Err(err).Int64("token", token).Msg("subscription refresh failed")
					continue
				}
				select {
				case ch <- *snap:
				default:
					a.log.Debug().Int64("token", token).Msg("subscriber slow, dropping snapshot")
				}
			}
		}
	}()

	return &Subscription{C: ch, cancel: cancel}
}
