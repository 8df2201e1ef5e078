package scheduler

import (
	"context"
	"sync"
)

// NSE/BSE standard daily calendar (spec §4.5), 6-field cron: sec min hour
// dom month dow.
const (
	ScheduleMarginRefresh   = "0 0 18 * * *" // 18:00 NSE margin refresh
	SchedulePreMarket       = "0 0 9 * * *"  // 09:00 pre-market
	ScheduleMarketOpen      = "0 15 9 * * *" // 09:15 open
	ScheduleWarning         = "0 15 15 * * *"
	ScheduleSquareOff       = "0 20 15 * * *"
	ScheduleSquareOffRetry  = "0 25 15 * * *" // 5 minutes after square-off
	ScheduleCloseSnapshot   = "0 30 15 * * *"
	ScheduleSettlement      = "0 35 15 * * *"
	ScheduleEODReconcile    = "0 45 15 * * *"
	SchedulePeriodicSweep   = "0 */5 9-15 * * *" // ~every 5 minutes during market hours
	ScheduleMaintenance     = "0 30 18 * * *"     // nightly DB maintenance, after the 18:00 margin refresh
)

// RegisterCalendar wires the standard NSE/BSE daily timer calendar (spec
// §4.5) onto s. Each job is supplied by the caller so this package stays
// free of a dependency on the housekeeping/margin/risk packages themselves.
func RegisterCalendar(s *Scheduler, jobs CalendarJobs) error {
	entries := []struct {
		schedule string
		job      Job
	}{
		{ScheduleMarginRefresh, jobs.MarginRefresh},
		{SchedulePreMarket, jobs.PreMarket},
		{ScheduleMarketOpen, jobs.MarketOpen},
		{ScheduleWarning, jobs.IntradayWarning},
		{ScheduleSquareOff, jobs.SquareOff},
		{ScheduleSquareOffRetry, jobs.SquareOffRetry},
		{ScheduleCloseSnapshot, jobs.CloseSnapshot},
		{ScheduleSettlement, jobs.Settlement},
		{ScheduleEODReconcile, jobs.EODReconcile},
		{SchedulePeriodicSweep, jobs.PeriodicSweep},
	}

	for _, e := range entries {
		if e.job == nil {
			continue
		}
		if err := s.AddJob(e.schedule, e.job); err != nil {
			return err
		}
	}
	return nil
}

// CalendarJobs names each slot in the standard daily calendar. Any field
// left nil is simply not registered.
type CalendarJobs struct {
	MarginRefresh   Job
	PreMarket       Job
	MarketOpen      Job
	IntradayWarning Job
	SquareOff       Job
	SquareOffRetry  Job
	CloseSnapshot   Job
	Settlement      Job
	EODReconcile    Job
	PeriodicSweep   Job
}

// VIXPoller supplies the current VIX level for the ad hoc delta trigger.
type VIXPoller interface {
	CurrentVIX(ctx context.Context) (float64, error)
}

// vixDeltaThresholdPct is the |ΔVIX/VIX_prev| trigger threshold (spec §4.5).
const vixDeltaThresholdPct = 5.0

// VIXDeltaWatcher polls VIX each time its caller invokes it (cmd/sodme does
// so on a fixed interval) and fires recompute when it moves by more than the
// threshold since the last observation — registered outside the cron table (spec §4.5), since its
// trigger is event-driven rather than time-driven.
type VIXDeltaWatcher struct {
	poller  VIXPoller
	onDelta func(ctx context.Context, oldVIX, newVIX float64)

	mu   sync.Mutex
	last float64
	have bool
}

// NewVIXDeltaWatcher builds a watcher that invokes onDelta whenever VIX
// moves by more than 5% since the last observed value.
func NewVIXDeltaWatcher(poller VIXPoller, onDelta func(ctx context.Context, oldVIX, newVIX float64)) *VIXDeltaWatcher {
	return &VIXDeltaWatcher{poller: poller, onDelta: onDelta}
}

// Check polls VIX once and fires onDelta if the move exceeds the threshold.
func (w *VIXDeltaWatcher) Check(ctx context.Context) error {
	vix, err := w.poller.CurrentVIX(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	prev := w.last
	hadPrev := w.have
	w.last = vix
	w.have = true
	w.mu.Unlock()

	if !hadPrev || prev == 0 {
		return nil
	}

	deltaPct := abs((vix - prev) / prev * 100)
	if deltaPct > vixDeltaThresholdPct && w.onDelta != nil {
		w.onDelta(ctx, prev, vix)
	}
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
