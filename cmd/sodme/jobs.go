// The Scheduler (internal/scheduler) only knows about the scheduler.Job
// interface; it has no dependency on margin, housekeeping, or risk. These
// wrapper types close that gap by adapting each engine's per-strategy
// operation to Run(ctx) error, looping over every active strategy from the
// Strategy Store (spec §4.5's "the calendar applies to every active
// strategy"), grounded in the teacher's job-wrapper idiom in
// internal/jobs/*.go (one small struct per cron slot, each holding exactly
// the dependencies its Run needs).
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/housekeeping"
	"github.com/sodme/engine/internal/margin"
	"github.com/sodme/engine/internal/persistence"
	"github.com/sodme/engine/internal/risk"
	"github.com/sodme/engine/internal/strategystore"
)

// activeStrategyLister is the narrow slice of strategystore.Repository
// every job needs: the population to iterate.
type activeStrategyLister interface {
	ListActiveStrategies(ctx context.Context) ([]string, error)
}

// toHousekeepingSettings narrows a strategy's full Settings row to the
// fields housekeeping.Engine.Run actually reads.
func toHousekeepingSettings(s strategystore.Settings) housekeeping.Settings {
	return housekeeping.Settings{
		AutoCleanup:     s.AutoCleanup,
		AllowOrphans:    s.AllowOrphans,
		StaleOrderHours: s.StaleOrderHours,
		HardStaleHours:  s.StaleOrderHours * 2,
		Intraday:        s.Intraday,
		SquareOffTime:   s.SquareOffTime,
		WarningTime:     s.WarningTime,
	}
}

// forEachActiveStrategy runs fn for every active strategy, logging (not
// aborting on) a single strategy's failure so the rest of the sweep still
// completes — consistent with housekeeping.Engine.Run's own per-
// responsibility error isolation.
func forEachActiveStrategy(ctx context.Context, strategies activeStrategyLister, log zerolog.Logger, jobName string, fn func(ctx context.Context, strategyID string) error) error {
	ids, err := strategies.ListActiveStrategies(ctx)
	if err != nil {
		return fmt.Errorf("%s: list active strategies: %w", jobName, err)
	}
	for _, id := range ids {
		if err := fn(ctx, id); err != nil {
			log.Error().Err(err).Str("job", jobName).Str("strategy", id).Msg("job step failed")
		}
	}
	return nil
}

// marginRefreshJob recomputes and persists a fresh margin snapshot for
// every active strategy (spec §4.5 18:00 daily refresh, also reused for the
// closing-snapshot slot).
type marginRefreshJob struct {
	name        string
	strategies  *strategystore.Repository
	margin      *margin.Engine
	defaultBuff float64
	log         zerolog.Logger
}

func (j *marginRefreshJob) Name() string { return j.name }

func (j *marginRefreshJob) Run(ctx context.Context) error {
	now := time.Now()
	return forEachActiveStrategy(ctx, j.strategies, j.log, j.name, func(ctx context.Context, id string) error {
		settings, err := j.strategies.GetSettings(ctx, id)
		buffer := j.defaultBuff
		if err == nil {
			buffer = settings.MarginBufferPct
		}
		_, err = j.margin.RefreshStrategy(ctx, id, buffer, now)
		return err
	})
}

// housekeepingSweepJob runs one housekeeping pass, under a fixed trigger,
// for every active strategy. Used for the pre-market expiry cleanup, the
// square-off and square-off-retry slots, the end-of-day reconcile, and the
// periodic intraday sweep.
type housekeepingSweepJob struct {
	name        string
	strategies  *strategystore.Repository
	housekeeper *housekeeping.Engine
	trigger     housekeeping.Trigger
	log         zerolog.Logger
}

func (j *housekeepingSweepJob) Name() string { return j.name }

func (j *housekeepingSweepJob) Run(ctx context.Context) error {
	now := time.Now()
	return forEachActiveStrategy(ctx, j.strategies, j.log, j.name, func(ctx context.Context, id string) error {
		settings, err := j.strategies.GetSettings(ctx, id)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		_, err = j.housekeeper.Run(ctx, id, j.trigger, toHousekeepingSettings(*settings), now)
		return err
	})
}

// riskEvaluateJob re-runs the Risk Monitor's level assessment for every
// active strategy from its latest persisted margin snapshot and live
// positions — used at market open and for the 15:15 intraday warning.
type riskEvaluateJob struct {
	name        string
	strategies  *strategystore.Repository
	marginRepo  *persistence.MarginRepo
	positions   margin.PositionProvider
	monitor     *risk.Monitor
	graceWindow time.Duration
	log         zerolog.Logger
}

func (j *riskEvaluateJob) Name() string { return j.name }

func (j *riskEvaluateJob) Run(ctx context.Context) error {
	now := time.Now()
	return forEachActiveStrategy(ctx, j.strategies, j.log, j.name, func(ctx context.Context, id string) error {
		settings, err := j.strategies.GetSettings(ctx, id)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		snap, err := j.marginRepo.LastSnapshot(ctx, id)
		if err != nil {
			return fmt.Errorf("load last snapshot: %w", err)
		}
		if snap == nil {
			return nil
		}
		positions, err := j.positions.Positions(ctx, id)
		if err != nil {
			return fmt.Errorf("load positions: %w", err)
		}
		// Available <= 0 means the engine has never seen a funds figure
		// (broker never connected) rather than an actual shortfall; treat
		// only a known, positive available margin being exceeded as one.
		hasShortfall := snap.Available > 0 && snap.Total > snap.Available
		_, err = j.monitor.Evaluate(ctx, id, snap.UtilizationPct, hasShortfall, positions,
			settings.MaxLossPct, settings.AutoSquareOffOnLoss, j.graceWindow, now)
		return err
	})
}

// settlementJob persists each open position's daily settlement price from
// its current mark, the input the Margin Engine's FactorCache reads back
// as SettlementPrice on subsequent M2M-aware margin calculations (spec
// §4.2/§4.5 15:35 daily settlement).
type settlementJob struct {
	strategies *strategystore.Repository
	positions  margin.PositionProvider
	marginRepo *persistence.MarginRepo
	log        zerolog.Logger
}

func (j *settlementJob) Name() string { return "settlement" }

func (j *settlementJob) Run(ctx context.Context) error {
	now := time.Now()
	return forEachActiveStrategy(ctx, j.strategies, j.log, j.Name(), func(ctx context.Context, id string) error {
		positions, err := j.positions.Positions(ctx, id)
		if err != nil {
			return fmt.Errorf("load positions: %w", err)
		}
		for _, p := range positions {
			rec := domain.SettlementRecord{
				Instrument:     p.Instrument,
				Date:           now,
				PreviousSettle: p.PrevSettlePrice,
				NewSettle:      p.CurrentPrice,
				M2MPnL:         p.PnL(),
			}
			if err := j.marginRepo.SaveSettlement(ctx, rec); err != nil {
				return fmt.Errorf("save settlement for %s: %w", p.Instrument.TradingSymbol, err)
			}
		}
		return nil
	})
}

// maintenanceJob runs the nightly WAL-checkpoint/connectivity-check/stats sweep over
// every persisted database (spec §5 shared-resource housekeeping), not
// strategy-scoped like the other calendar jobs.
type maintenanceJob struct {
	dbs *persistence.Databases
	log zerolog.Logger
}

func (j *maintenanceJob) Name() string { return "database_maintenance" }

func (j *maintenanceJob) Run(ctx context.Context) error {
	return j.dbs.Maintain(ctx, j.log)
}
