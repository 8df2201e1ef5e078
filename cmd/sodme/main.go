// Command sodme is SODME's composition root: it loads configuration,
// opens every persisted store, wires each engine (Market Data Adapter,
// Broker Gateway, Margin Engine, Housekeeping Engine, Risk Monitor,
// Alert/Event Bus, Scheduler) together, and serves the REST + WebSocket
// surface until an interrupt signal arrives. Grounded in the teacher's
// cmd/sentinel/main.go bootstrap order: config, then logger, then
// dependency wiring, then settings-DB credential overrides, then server
// start, then background workers, then a two-phase graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sodme/engine/internal/broker"
	"github.com/sodme/engine/internal/broker/kite"
	"github.com/sodme/engine/internal/config"
	"github.com/sodme/engine/internal/costs"
	"github.com/sodme/engine/internal/depth"
	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/events"
	"github.com/sodme/engine/internal/housekeeping"
	"github.com/sodme/engine/internal/logging"
	"github.com/sodme/engine/internal/margin"
	"github.com/sodme/engine/internal/marginfactors"
	"github.com/sodme/engine/internal/marketdata"
	"github.com/sodme/engine/internal/persistence"
	"github.com/sodme/engine/internal/positions"
	"github.com/sodme/engine/internal/risk"
	"github.com/sodme/engine/internal/scheduler"
	"github.com/sodme/engine/internal/server"
	"github.com/sodme/engine/internal/strategystore"
)

// indiaVIXToken is NSE's INDIAVIX index instrument token. It has no
// tradable contract terms (no lot size, no expiry) so it is seeded into the
// instrument lookup separately from the broker's regular instrument dump.
const indiaVIXToken int64 = 264969

// defaultMarginBufferPct is used when a strategy's settings row can't be
// loaded for some reason — conservative, matches strategystore.DefaultSettings.
const defaultMarginBufferPct = 10.0

// vixPollInterval is how often the ad hoc VIX-delta watcher samples VIX
// during the trading day (spec §4.5: "checked alongside every margin
// factor refresh", approximated here as a fixed poll rather than piggy-
// backing on the tick stream since VIX itself isn't quoted every tick).
const vixPollInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sodme: load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Logger = logger

	dbs, err := persistence.OpenDatabases(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open databases")
	}
	defer dbs.Close(logger)

	strategies := strategystore.New(dbs.Strategy, logger)
	if err := cfg.UpdateFromSettings(strategies); err != nil {
		logger.Warn().Err(err).Msg("failed to refine config from strategy store settings")
	}

	marginRepo := persistence.NewMarginRepo(dbs.Margin, logger)
	alertRepo := persistence.NewAlertRepo(dbs.Alerts, logger)
	cleanupRepo := persistence.NewCleanupRepo(dbs.Housekeeping, logger)
	eventRepo := persistence.NewEventRepo(dbs.Events, logger)

	instruments := kite.NewStaticInstrumentLookup()
	instruments.Put(domain.Instrument{Token: indiaVIXToken, TradingSymbol: "INDIA VIX", Segment: domain.SegmentEquity})

	kiteClient := kite.New(kite.Config{
		APIKey:      cfg.BrokerAPIKey,
		APISecret:   cfg.BrokerAPISecret,
		AccessToken: cfg.BrokerAccessToken,
		BaseURL:     cfg.BrokerBaseURL,
	}, instruments, logger)

	bus := events.NewBus(logger, eventRepo.Persist, nil)
	manager := events.NewManager(bus, logger)
	publisher := events.NewPublisher(manager)

	gateway := broker.New(kiteClient, broker.Config{
		OrdersPerSecond:   cfg.OrdersPerSecond,
		MarginCallsPerSec: cfg.MarginCallsPerSec,
		MaxRetries:        3,
		BaseBackoff:       200 * time.Millisecond,
		BreakerThreshold:  cfg.CircuitBreakerFailureThreshold,
		BreakerWindow:     cfg.CircuitBreakerWindow,
		BreakerHalfOpen:   cfg.CircuitBreakerHalfOpenAfter,
	}, publisher, logger)

	adapter := marketdata.New(gateway, logger)
	factors := marginfactors.New(adapter, indiaVIXToken, marginRepo)
	positionView := positions.New(gateway)

	marginEngine := margin.New(factors, gateway, adapter, marginRepo, publisher, positionView, logger)
	housekeepingEngine := housekeeping.New(gateway, positionView, cleanupRepo, publisher, logger)
	riskMonitor := risk.New(adapter, housekeepingEngine, publisher, risk.DefaultGreeksThresholds(), logger)
	depthAnalyzer := depth.New(logger)
	costCalculator := costs.New()

	alertSink := events.NewAlertSink(bus, alertRepo, logger)
	alertSinkCtx, stopAlertSink := context.WithCancel(context.Background())
	go alertSink.Run(alertSinkCtx)

	ticker := kite.NewTicker(cfg.BrokerTickerURL, cfg.BrokerAPIKey, cfg.BrokerAccessToken, adapter, logger)
	tickerCtx, stopTicker := context.WithCancel(context.Background())
	go ticker.Run(tickerCtx)

	schedStore := scheduler.NewSQLiteStore(dbs.Housekeeping, logger)
	sched := scheduler.New(schedStore, logger)
	jobs := buildCalendarJobs(strategies, marginEngine, housekeepingEngine, riskMonitor, marginRepo, positionView, logger)
	if err := scheduler.RegisterCalendar(sched, jobs); err != nil {
		logger.Fatal().Err(err).Msg("failed to register scheduler calendar")
	}
	if err := sched.AddJob(scheduler.ScheduleMaintenance, &maintenanceJob{dbs: dbs, log: logger}); err != nil {
		logger.Fatal().Err(err).Msg("failed to register database maintenance job")
	}
	sched.Start()

	vixWatcher := scheduler.NewVIXDeltaWatcher(factors, func(ctx context.Context, oldVIX, newVIX float64) {
		onVIXDelta(ctx, strategies, marginEngine, oldVIX, newVIX, logger)
	})
	vixWatcherDone := runVIXWatcher(vixWatcher, tickerCtx, logger)

	healthReporter := server.NewReporter(gateway, time.Now())

	handler := server.New(server.Deps{
		Depth:        depthAnalyzer,
		Margin:       marginEngine,
		Housekeeping: housekeepingEngine,
		Strategies:   strategies,
		Costs:        costCalculator,
		History:      marginRepo,
		Orphans:      positionView,
		Alerts:       alertRepo,
		Bus:          bus,
		Health:       healthReporter,
		Log:          logger,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.Port).Msg("sodme server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutdown signal received, draining")

	// Two-phase shutdown (spec §5): stop taking new scheduled/streamed work
	// first, then drain in-flight HTTP requests within the configured
	// shutdown window.
	sched.Stop()
	stopTicker()
	stopAlertSink()
	<-vixWatcherDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWindow)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server did not shut down cleanly")
	}

	logger.Info().Msg("sodme server stopped")
}

// buildCalendarJobs assembles the standard NSE/BSE daily calendar (spec
// §4.5): margin refresh, pre-market expiry cleanup, open/warning risk
// checks, square-off and its retry, the closing snapshot, settlement, the
// end-of-day reconcile, and the periodic intraday sweep.
func buildCalendarJobs(
	strategies *strategystore.Repository,
	marginEngine *margin.Engine,
	housekeepingEngine *housekeeping.Engine,
	riskMonitor *risk.Monitor,
	marginRepo *persistence.MarginRepo,
	positionView *positions.View,
	logger zerolog.Logger,
) scheduler.CalendarJobs {
	return scheduler.CalendarJobs{
		MarginRefresh: &marginRefreshJob{
			name: "margin_refresh", strategies: strategies, margin: marginEngine,
			defaultBuff: defaultMarginBufferPct, log: logger,
		},
		PreMarket: &housekeepingSweepJob{
			name: "pre_market_expiry_cleanup", strategies: strategies, housekeeper: housekeepingEngine,
			trigger: housekeeping.TriggerInstrumentExpired, log: logger,
		},
		MarketOpen: &riskEvaluateJob{
			name: "market_open_risk_check", strategies: strategies, marginRepo: marginRepo,
			positions: positionView, monitor: riskMonitor, graceWindow: 5 * time.Minute, log: logger,
		},
		IntradayWarning: &riskEvaluateJob{
			name: "intraday_warning_risk_check", strategies: strategies, marginRepo: marginRepo,
			positions: positionView, monitor: riskMonitor, graceWindow: 5 * time.Minute, log: logger,
		},
		SquareOff: &housekeepingSweepJob{
			name: "square_off", strategies: strategies, housekeeper: housekeepingEngine,
			trigger: housekeeping.TriggerEndOfDay, log: logger,
		},
		SquareOffRetry: &housekeepingSweepJob{
			name: "square_off_retry", strategies: strategies, housekeeper: housekeepingEngine,
			trigger: housekeeping.TriggerEndOfDay, log: logger,
		},
		CloseSnapshot: &marginRefreshJob{
			name: "close_snapshot", strategies: strategies, margin: marginEngine,
			defaultBuff: defaultMarginBufferPct, log: logger,
		},
		Settlement: &settlementJob{
			strategies: strategies, positions: positionView, marginRepo: marginRepo, log: logger,
		},
		EODReconcile: &housekeepingSweepJob{
			name: "eod_reconcile", strategies: strategies, housekeeper: housekeepingEngine,
			trigger: housekeeping.TriggerEndOfDay, log: logger,
		},
		PeriodicSweep: &housekeepingSweepJob{
			name: "periodic_sweep", strategies: strategies, housekeeper: housekeepingEngine,
			trigger: housekeeping.TriggerPeriodicSweep, log: logger,
		},
	}
}

// runVIXWatcher polls watcher on a fixed interval until ctx is canceled,
// returning a channel closed once the poll loop has exited (so shutdown can
// wait for it to stop cleanly).
func runVIXWatcher(watcher *scheduler.VIXDeltaWatcher, ctx context.Context, log zerolog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(vixPollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := watcher.Check(ctx); err != nil {
					log.Warn().Err(err).Msg("vix delta watcher poll failed")
				}
			}
		}
	}()
	return done
}

// onVIXDelta fans a material VIX move out to every active strategy's margin
// recompute (spec §4.5's ad hoc trigger, distinct from the daily calendar).
func onVIXDelta(ctx context.Context, strategies *strategystore.Repository, marginEngine *margin.Engine, oldVIX, newVIX float64, log zerolog.Logger) {
	ids, err := strategies.ListActiveStrategies(ctx)
	if err != nil {
		log.Error().Err(err).Msg("vix delta: list active strategies failed")
		return
	}
	log.Info().Float64("old_vix", oldVIX).Float64("new_vix", newVIX).Int("strategies", len(ids)).Msg("vix delta threshold crossed, recomputing margin")
	marginEngine.OnFactorChange(ctx, domain.FactorVIX, ids, defaultMarginBufferPct, time.Now())
}
