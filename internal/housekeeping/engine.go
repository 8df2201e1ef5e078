// Package housekeeping implements the Housekeeping Engine (spec §4.3):
// orphan detection, auto-cleanup, expiry cleanup, stale-order sweeps, and
// intraday square-off, all keyed through an idempotent cleanup log.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/domain"
)

// Trigger names the event that invoked a housekeeping pass (spec §4.3).
type Trigger string

const (
	TriggerPositionClosed    Trigger = "position_closed"
	TriggerPositionReduced   Trigger = "position_reduced"
	TriggerOrderFilled       Trigger = "order_filled"
	TriggerOrderRejected     Trigger = "order_rejected"
	TriggerInstrumentExpired Trigger = "instrument_expired"
	TriggerEndOfDay          Trigger = "end_of_day"
	TriggerManual            Trigger = "manual"
	TriggerPeriodicSweep     Trigger = "periodic_sweep"
)

// Settings is the narrow slice of strategy settings the Housekeeping Engine
// consumes (spec §3 Strategy Settings); kept local to avoid importing
// internal/strategystore from this package.
type Settings struct {
	AutoCleanup     bool
	AllowOrphans    bool
	StaleOrderHours int
	HardStaleHours  int // beyond this, cancel even without auto_cleanup
	Intraday        bool
	SquareOffTime   string // "HH:MM:SS"
	WarningTime     string // "HH:MM:SS"
}

// PositionStore resolves a strategy's live positions and open orders.
type PositionStore interface {
	OpenOrders(ctx context.Context, strategy string) ([]domain.Order, error)
	Positions(ctx context.Context, strategy string) ([]domain.Position, error)
}

// CleanupLogger persists idempotent cleanup decisions (Persistence Adapter).
type CleanupLogger interface {
	// AlreadyLogged reports whether this exact {order_id,reason,day} key was
	// already recorded, making retries safe (spec §4.3).
	AlreadyLogged(ctx context.Context, key string) (bool, error)
	Save(ctx context.Context, log domain.CleanupLog) error
}

// AlertPublisher is the narrow Alert/Event Bus slice Housekeeping needs.
type AlertPublisher interface {
	PublishOrphanedOrder(ctx context.Context, strategy string, orderID string, reason domain.OrphanReason, severity domain.Severity)
	PublishHousekeepingComplete(ctx context.Context, strategy string, actionsTaken int)
}

// Engine is the Housekeeping Engine (spec §4.3).
type Engine struct {
	broker domain.BrokerClient
	store  PositionStore
	logs   CleanupLogger
	alerts AlertPublisher
	log    zerolog.Logger
}

// New builds a Housekeeping Engine.
func New(broker domain.BrokerClient, store PositionStore, logs CleanupLogger, alerts AlertPublisher, log zerolog.Logger) *Engine {
	return &Engine{
		broker: broker,
		store:  store,
		logs:   logs,
		alerts: alerts,
		log:    log.With().Str("component", "housekeeping").Logger(),
	}
}

// orphanCheck classifies whether an order is orphaned: its side-inverse
// coverage position is missing or holds zero quantity (spec §4.3).
func orphanCheck(order domain.Order, positions []domain.Position) (domain.OrphanReason, bool) {
	if order.ParentPosition == "" {
		return domain.OrphanDuplicate, false
	}

	var covering *domain.Position
	for i := range positions {
		p := &positions[i]
		if p.Instrument.Token == order.Instrument.Token && p.Strategy == order.Strategy {
			covering = p
			break
		}
	}

	if covering == nil {
		return domain.OrphanPositionClosed, true
	}
	if covering.Quantity == 0 {
		return domain.OrphanPositionClosed, true
	}
	if covering.Quantity < order.Quantity {
		return domain.OrphanPositionReduced, true
	}
	return "", false
}

// Run executes one housekeeping pass for a strategy (spec §4.3). trigger
// gates only expiry cleanup, which runs for instrument-expired and
// end-of-day triggers; the other responsibilities run on every trigger
// (intraday square-off only when settings.Intraday is set).
func (e *Engine) Run(ctx context.Context, strategy string, trigger Trigger, settings Settings, now time.Time) (int, error) {
	orders, err := e.store.OpenOrders(ctx, strategy)
	if err != nil {
		return 0, fmt.Errorf("housekeeping: load open orders for %s: %w", strategy, err)
	}
	positions, err := e.store.Positions(ctx, strategy)
	if err != nil {
		return 0, fmt.Errorf("housekeeping: load positions for %s: %w", strategy, err)
	}

	actionsTaken := 0

	switch trigger {
	case TriggerInstrumentExpired, TriggerEndOfDay:
		n, err := e.expiryCleanup(ctx, strategy, orders, settings, now)
		if err != nil {
			e.log.Error().Err(err).Str("strategy", strategy).Msg("expiry cleanup failed")
		}
		actionsTaken += n
	}

	n, err := e.detectAndCleanOrphans(ctx, strategy, orders, positions, settings, now)
	if err != nil {
		e.log.Error().Err(err).Str("strategy", strategy).Msg("orphan cleanup failed")
	}
	actionsTaken += n

	n, err = e.staleOrderSweep(ctx, strategy, orders, settings, now)
	if err != nil {
		e.log.Error().Err(err).Str("strategy", strategy).Msg("stale order sweep failed")
	}
	actionsTaken += n

	if settings.Intraday {
		n, err = e.intradaySquareOff(ctx, strategy, positions, settings, now)
		if err != nil {
			e.log.Error().Err(err).Str("strategy", strategy).Msg("intraday square-off failed")
		}
		actionsTaken += n
	}

	if e.alerts != nil {
		e.alerts.PublishHousekeepingComplete(ctx, strategy, actionsTaken)
	}

	return actionsTaken, nil
}

// detectAndCleanOrphans implements the orphan-detection and auto-cleanup
// responsibilities (spec §4.3).
func (e *Engine) detectAndCleanOrphans(ctx context.Context, strategy string, orders []domain.Order, positions []domain.Position, settings Settings, now time.Time) (int, error) {
	actions := 0
	day := now.UTC().Format("2006-01-02")

	for _, o := range orders {
		reason, isOrphan := orphanCheck(o, positions)
		if !isOrphan {
			continue
		}

		logEntry := domain.CleanupLog{OrderID: o.ID, Reason: reason, Day: day, PreQty: o.Quantity, CreatedAt: now}
		key := logEntry.Key()

		already, err := e.logs.AlreadyLogged(ctx, key)
		if err != nil {
			return actions, fmt.Errorf("housekeeping: check cleanup log %s: %w", key, err)
		}
		if already {
			continue
		}

		if settings.AllowOrphans {
			logEntry.Action = domain.CleanupSkipped
			if err := e.saveLog(ctx, logEntry); err != nil {
				return actions, err
			}
			if e.alerts != nil {
				e.alerts.PublishOrphanedOrder(ctx, strategy, o.ID, reason, domain.SeverityInfo)
			}
			actions++
			continue
		}

		if !settings.AutoCleanup {
			if e.alerts != nil {
				e.alerts.PublishOrphanedOrder(ctx, strategy, o.ID, reason, domain.SeverityInfo)
			}
			continue
		}

		if err := e.broker.CancelOrder(ctx, o.ID); err != nil {
			logEntry.Action = domain.CleanupFailed
			_ = e.saveLog(ctx, logEntry)
			if e.alerts != nil {
				e.alerts.PublishOrphanedOrder(ctx, strategy, o.ID, reason, domain.SeverityWarning)
			}
			e.log.Warn().Err(err).Str("order_id", o.ID).Msg("failed to cancel orphaned order")
			continue
		}

		logEntry.Action = domain.CleanupCancelled
		logEntry.WasAuto = true
		if err := e.saveLog(ctx, logEntry); err != nil {
			return actions, err
		}
		if e.alerts != nil {
			e.alerts.PublishOrphanedOrder(ctx, strategy, o.ID, reason, domain.SeverityInfo)
		}
		actions++
	}

	return actions, nil
}

// expiryCleanup cancels all pending orders for instruments expiring today
// (spec §4.3). Archiving worthless option positions is the Broker Gateway's
// concern once the order cancel leaves nothing resting against them; this
// engine only owns the order-side cleanup.
func (e *Engine) expiryCleanup(ctx context.Context, strategy string, orders []domain.Order, settings Settings, now time.Time) (int, error) {
	actions := 0
	day := now.UTC().Format("2006-01-02")

	for _, o := range orders {
		if o.Instrument.Expiry == nil || !isSameDay(*o.Instrument.Expiry, now) {
			continue
		}

		logEntry := domain.CleanupLog{OrderID: o.ID, Reason: domain.OrphanExpiredInstrument, Day: day, PreQty: o.Quantity, CreatedAt: now}
		key := logEntry.Key()
		already, err := e.logs.AlreadyLogged(ctx, key)
		if err != nil {
			return actions, fmt.Errorf("housekeeping: check cleanup log %s: %w", key, err)
		}
		if already {
			continue
		}

		if err := e.broker.CancelOrder(ctx, o.ID); err != nil {
			logEntry.Action = domain.CleanupFailed
			_ = e.saveLog(ctx, logEntry)
			e.log.Warn().Err(err).Str("order_id", o.ID).Msg("expiry cleanup cancel failed")
			continue
		}

		logEntry.Action = domain.CleanupCancelled
		logEntry.WasAuto = true
		if err := e.saveLog(ctx, logEntry); err != nil {
			return actions, err
		}
		actions++
	}

	return actions, nil
}

// staleOrderSweep warns on orders older than stale_order_hours and cancels
// those beyond the hard bound (spec §4.3).
func (e *Engine) staleOrderSweep(ctx context.Context, strategy string, orders []domain.Order, settings Settings, now time.Time) (int, error) {
	actions := 0
	day := now.UTC().Format("2006-01-02")
	staleAfter := time.Duration(settings.StaleOrderHours) * time.Hour
	hardAfter := staleAfter
	if settings.HardStaleHours > 0 {
		hardAfter = time.Duration(settings.HardStaleHours) * time.Hour
	}

	for _, o := range orders {
		age := now.Sub(o.PlacedAt)
		if age < staleAfter {
			continue
		}

		if age < hardAfter {
			if e.alerts != nil {
				e.alerts.PublishOrphanedOrder(ctx, strategy, o.ID, domain.OrphanStale, domain.SeverityWarning)
			}
			continue
		}

		logEntry := domain.CleanupLog{OrderID: o.ID, Reason: domain.OrphanStale, Day: day, PreQty: o.Quantity, CreatedAt: now}
		key := logEntry.Key()
		already, err := e.logs.AlreadyLogged(ctx, key)
		if err != nil {
			return actions, fmt.Errorf("housekeeping: check cleanup log %s: %w", key, err)
		}
		if already {
			continue
		}

		if err := e.broker.CancelOrder(ctx, o.ID); err != nil {
			logEntry.Action = domain.CleanupFailed
			_ = e.saveLog(ctx, logEntry)
			continue
		}
		logEntry.Action = domain.CleanupCancelled
		logEntry.WasAuto = true
		if err := e.saveLog(ctx, logEntry); err != nil {
			return actions, err
		}
		actions++
	}

	return actions, nil
}

// intradaySquareOff sends an advisory at warning_time and flattens MIS
// positions with market orders from square_off_time onward (spec §4.3). Any
// remainders are intended to be retried by the Scheduler's 5-minutes-later
// timer, which simply calls Run again.
func (e *Engine) intradaySquareOff(ctx context.Context, strategy string, positions []domain.Position, settings Settings, now time.Time) (int, error) {
	warn, werr := parseClockTime(settings.WarningTime, now)
	squareOff, serr := parseClockTime(settings.SquareOffTime, now)
	if werr != nil || serr != nil {
		return 0, nil
	}

	if now.Before(warn) {
		return 0, nil
	}

	if now.Before(squareOff) {
		if e.alerts != nil && len(positions) > 0 {
			e.alerts.PublishOrphanedOrder(ctx, strategy, "", domain.OrphanStale, domain.SeverityWarning)
		}
		return 0, nil
	}

	actions := 0
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		side := domain.Sell
		if p.Direction == domain.Short {
			side = domain.Buy
		}
		order := domain.Order{
			Strategy:   strategy,
			Instrument: p.Instrument,
			Side:       side,
			Type:       domain.OrderMarket,
			Quantity:   p.Quantity,
		}
		key := fmt.Sprintf("squareoff-%s-%d", strategy, p.Instrument.Token)
		if _, err := e.broker.PlaceOrder(ctx, order, key); err != nil {
			e.log.Error().Err(err).Str("strategy", strategy).Int64("token", p.Instrument.Token).Msg("square-off order failed")
			continue
		}
		actions++
	}

	return actions, nil
}

// FlattenStrategy implements risk.Flattener: it market-closes every open
// position for strategy immediately, independent of the intraday
// square-off clock (spec §4.4 "emergency level flattens the strategy on
// breach"). It reuses the same idempotency-keyed PlaceOrder call as the
// scheduled square-off so a retried flatten after a partial failure never
// double-closes a position.
func (e *Engine) FlattenStrategy(ctx context.Context, strategy string) error {
	positions, err := e.store.Positions(ctx, strategy)
	if err != nil {
		return fmt.Errorf("housekeeping: flatten %s: list positions: %w", strategy, err)
	}

	var failed int
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		side := domain.Sell
		if p.Direction == domain.Short {
			side = domain.Buy
		}
		order := domain.Order{
			Strategy:   strategy,
			Instrument: p.Instrument,
			Side:       side,
			Type:       domain.OrderMarket,
			Quantity:   p.Quantity,
		}
		key := fmt.Sprintf("flatten-%s-%d", strategy, p.Instrument.Token)
		if _, err := e.broker.PlaceOrder(ctx, order, key); err != nil {
			e.log.Error().Err(err).Str("strategy", strategy).Int64("token", p.Instrument.Token).Msg("flatten order failed")
			failed++
			continue
		}
	}

	if e.alerts != nil {
		e.alerts.PublishHousekeepingComplete(ctx, strategy, len(positions)-failed)
	}
	if failed > 0 {
		return fmt.Errorf("housekeeping: flatten %s: %d of %d positions failed to close", strategy, failed, len(positions))
	}
	return nil
}

func (e *Engine) saveLog(ctx context.Context, l domain.CleanupLog) error {
	if err := e.logs.Save(ctx, l); err != nil {
		return fmt.Errorf("housekeeping: save cleanup log %s: %w", l.Key(), err)
	}
	return nil
}

func isSameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func parseClockTime(hhmmss string, now time.Time) (time.Time, error) {
	t, err := time.Parse("15:04:05", hhmmss)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, now.Location()), nil
}
