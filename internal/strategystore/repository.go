package strategystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/database"
	"github.com/sodme/engine/internal/domain"
)

// ErrNotFound is returned when a strategy or its settings row doesn't exist.
var ErrNotFound = errors.New("strategystore: not found")

// Repository is the Strategy Store (spec §4): CRUD for strategies and their
// settings over the strategy.db SQLite database, grounded in the teacher's
// settings-repository pattern (read-through with typed accessors).
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// New builds a Repository over an already-migrated strategy.db handle.
func New(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("component", "strategy_store").Logger()}
}

// CreateStrategy inserts a new strategy with its default settings row.
// Enforcing "at most one default strategy per account" is left to the
// partial unique index on the strategies table; a violation surfaces as a
// plain sqlite constraint error, which callers should present as a
// validation failure.
func (r *Repository) CreateStrategy(ctx context.Context, s domain.Strategy) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO strategies (id, owner_acct, status, is_default, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.OwnerAcct, string(s.Status), boolToInt(s.IsDefault), now, now,
	)
	if err != nil {
		return fmt.Errorf("strategystore: insert strategy %s: %w", s.ID, err)
	}

	def := DefaultSettings(s.ID)
	if err := r.SaveSettings(ctx, def); err != nil {
		return fmt.Errorf("strategystore: insert default settings for %s: %w", s.ID, err)
	}
	return nil
}

// GetStrategy loads a strategy by id.
func (r *Repository) GetStrategy(ctx context.Context, id string) (*domain.Strategy, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, owner_acct, status, is_default FROM strategies WHERE id = ?`, id)

	var s domain.Strategy
	var isDefault int
	var status string
	if err := row.Scan(&s.ID, &s.OwnerAcct, &status, &isDefault); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("strategystore: get strategy %s: %w", id, err)
	}
	s.Status = domain.StrategyStatus(status)
	s.IsDefault = isDefault != 0
	return &s, nil
}

// UpdateStatus transitions a strategy's lifecycle status.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.StrategyStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE strategies SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("strategystore: update status for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveStrategies returns every strategy id whose lifecycle status is
// "active" — the population the Scheduler's daily calendar jobs (margin
// refresh, housekeeping sweep, square-off) iterate over (spec §4.5).
func (r *Repository) ListActiveStrategies(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM strategies WHERE status = ? ORDER BY id`, string(domain.StrategyActive))
	if err != nil {
		return nil, fmt.Errorf("strategystore: list active strategies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("strategystore: scan active strategy id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetSettings loads a strategy's settings row.
func (r *Repository) GetSettings(ctx context.Context, strategyID string) (*Settings, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT strategy_id, auto_cleanup, cleanup_on_exit, allow_orphans, max_spread_pct,
		       min_liquidity_score, max_impact_bps, require_approval_high_impact,
		       margin_buffer_pct, check_margin_before_order, max_loss_pct,
		       max_margin_utilization_pct, auto_square_off_on_loss, intraday,
		       square_off_time, warning_time, stale_order_hours
		FROM strategy_settings WHERE strategy_id = ?`, strategyID)

	var s Settings
	var autoCleanup, cleanupOnExit, allowOrphans, requireApproval, checkMargin, autoSquareOff, intraday int
	if err := row.Scan(
		&s.StrategyID, &autoCleanup, &cleanupOnExit, &allowOrphans, &s.MaxSpreadPct,
		&s.MinLiquidityScore, &s.MaxImpactBps, &requireApproval,
		&s.MarginBufferPct, &checkMargin, &s.MaxLossPct,
		&s.MaxMarginUtilizationPct, &autoSquareOff, &intraday,
		&s.SquareOffTime, &s.WarningTime, &s.StaleOrderHours,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("strategystore: get settings for %s: %w", strategyID, err)
	}

	s.AutoCleanup = autoCleanup != 0
	s.CleanupOnExit = cleanupOnExit != 0
	s.AllowOrphans = allowOrphans != 0
	s.RequireApprovalHighImpact = requireApproval != 0
	s.CheckMarginBeforeOrder = checkMargin != 0
	s.AutoSquareOffOnLoss = autoSquareOff != 0
	s.Intraday = intraday != 0
	return &s, nil
}

// SaveSettings upserts a strategy's settings row.
func (r *Repository) SaveSettings(ctx context.Context, s Settings) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO strategy_settings (
			strategy_id, auto_cleanup, cleanup_on_exit, allow_orphans, max_spread_pct,
			min_liquidity_score, max_impact_bps, require_approval_high_impact,
			margin_buffer_pct, check_margin_before_order, max_loss_pct,
			max_margin_utilization_pct, auto_square_off_on_loss, intraday,
			square_off_time, warning_time, stale_order_hours, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id) DO UPDATE SET
			auto_cleanup = excluded.auto_cleanup,
			cleanup_on_exit = excluded.cleanup_on_exit,
			allow_orphans = excluded.allow_orphans,
			max_spread_pct = excluded.max_spread_pct,
			min_liquidity_score = excluded.min_liquidity_score,
			max_impact_bps = excluded.max_impact_bps,
			require_approval_high_impact = excluded.require_approval_high_impact,
			margin_buffer_pct = excluded.margin_buffer_pct,
			check_margin_before_order = excluded.check_margin_before_order,
			max_loss_pct = excluded.max_loss_pct,
			max_margin_utilization_pct = excluded.max_margin_utilization_pct,
			auto_square_off_on_loss = excluded.auto_square_off_on_loss,
			intraday = excluded.intraday,
			square_off_time = excluded.square_off_time,
			warning_time = excluded.warning_time,
			stale_order_hours = excluded.stale_order_hours,
			updated_at = excluded.updated_at`,
		s.StrategyID, boolToInt(s.AutoCleanup), boolToInt(s.CleanupOnExit), boolToInt(s.AllowOrphans),
		s.MaxSpreadPct, s.MinLiquidityScore, s.MaxImpactBps, boolToInt(s.RequireApprovalHighImpact),
		s.MarginBufferPct, boolToInt(s.CheckMarginBeforeOrder), s.MaxLossPct,
		s.MaxMarginUtilizationPct, boolToInt(s.AutoSquareOffOnLoss), boolToInt(s.Intraday),
		s.SquareOffTime, s.WarningTime, s.StaleOrderHours, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("strategystore: save settings for %s: %w", s.StrategyID, err)
	}
	return nil
}

// settingKeyPrefix namespaces the handful of global (non-strategy-scoped)
// key/value overrides Config.UpdateFromSettings reads at startup — broker
// credentials taking precedence over env defaults (SPEC_FULL.md §10.2).
const settingKeyPrefix = "global."

// Get implements config.SettingsReader so cmd/sodme/main.go can call
// cfg.UpdateFromSettings(strategyStoreRepo) without an import cycle. Global
// overrides live in a small key/value table distinct from per-strategy
// settings; a missing key is not an error, it just means "use the env
// default".
func (r *Repository) Get(key string) (*string, error) {
	row := r.db.QueryRow(`SELECT value FROM global_settings WHERE key = ?`, settingKeyPrefix+key)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("strategystore: read global setting %s: %w", key, err)
	}
	return &v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
