// Package persistence is SODME's Persistence Adapter (spec §6): thin
// repositories over the six per-concern SQLite databases, grounded in the
// teacher's strategystore.Repository convention (typed accessors,
// context-scoped queries, ErrNotFound for missing rows) and generalized to
// margin/alert/event/cleanup/execution state.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/database"
	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/margin"
)

// ErrNotFound is returned when a requested row doesn't exist.
var ErrNotFound = errors.New("persistence: not found")

// MarginRepo backs margin.Snapshotter, server.MarginHistory, and the
// cache/settlement/regulatory read side of domain.MarginFactorProvider,
// all over margin.db.
type MarginRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewMarginRepo builds a MarginRepo over an already-migrated margin.db.
func NewMarginRepo(db *database.DB, log zerolog.Logger) *MarginRepo {
	return &MarginRepo{db: db, log: log.With().Str("component", "margin_repo").Logger()}
}

var _ margin.Snapshotter = (*MarginRepo)(nil)

// SaveSnapshot implements margin.Snapshotter.
func (r *MarginRepo) SaveSnapshot(ctx context.Context, snap domain.MarginSnapshot) error {
	factorsJSON, err := json.Marshal(snap.AppliedFactors)
	if err != nil {
		return fmt.Errorf("persistence: marshal applied factors: %w", err)
	}
	warningsJSON, err := json.Marshal(snap.Warnings)
	if err != nil {
		return fmt.Errorf("persistence: marshal warnings: %w", err)
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO margin_snapshots (
			id, strategy_id, timestamp, day, span, exposure, premium, additional,
			total, available, utilization_pct, source, applied_factors, warnings, compressed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		uuid.NewString(), snap.Strategy, snap.Timestamp.Format(time.RFC3339), snap.Timestamp.Format("2006-01-02"),
		snap.Span, snap.Exposure, snap.Premium, snap.Additional, snap.Total, snap.Available,
		snap.UtilizationPct, string(snap.Source), string(factorsJSON), string(warningsJSON),
	)
	if err != nil {
		return fmt.Errorf("persistence: save margin snapshot for %s: %w", snap.Strategy, err)
	}
	return nil
}

// LastSnapshot implements margin.Snapshotter and server.MarginHistory.
func (r *MarginRepo) LastSnapshot(ctx context.Context, strategy string) (*domain.MarginSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT strategy_id, timestamp, span, exposure, premium, additional, total,
		       available, utilization_pct, source, applied_factors, warnings
		FROM margin_snapshots WHERE strategy_id = ? ORDER BY timestamp DESC LIMIT 1`, strategy)

	snap, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: last snapshot for %s: %w", strategy, err)
	}
	return snap, nil
}

// SnapshotHistory implements server.MarginHistory: every snapshot in the
// last `days` days, oldest first.
func (r *MarginRepo) SnapshotHistory(ctx context.Context, strategy string, days int) ([]domain.MarginSnapshot, error) {
	since := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	rows, err := r.db.QueryContext(ctx, `
		SELECT strategy_id, timestamp, span, exposure, premium, additional, total,
		       available, utilization_pct, source, applied_factors, warnings
		FROM margin_snapshots WHERE strategy_id = ? AND timestamp >= ? ORDER BY timestamp ASC`,
		strategy, since)
	if err != nil {
		return nil, fmt.Errorf("persistence: snapshot history for %s: %w", strategy, err)
	}
	defer rows.Close()

	var out []domain.MarginSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("persistence: scan snapshot history for %s: %w", strategy, err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

func scanSnapshot(scan func(dest ...interface{}) error) (*domain.MarginSnapshot, error) {
	var snap domain.MarginSnapshot
	var ts, source, factorsJSON, warningsJSON string
	if err := scan(&snap.Strategy, &ts, &snap.Span, &snap.Exposure, &snap.Premium, &snap.Additional,
		&snap.Total, &snap.Available, &snap.UtilizationPct, &source, &factorsJSON, &warningsJSON); err != nil {
		return nil, err
	}
	snap.Timestamp, _ = time.Parse(time.RFC3339, ts)
	snap.Source = domain.MarginSource(source)
	_ = json.Unmarshal([]byte(factorsJSON), &snap.AppliedFactors)
	_ = json.Unmarshal([]byte(warningsJSON), &snap.Warnings)
	return &snap, nil
}

// SaveChangeEvent implements margin.Snapshotter.
func (r *MarginRepo) SaveChangeEvent(ctx context.Context, ev domain.MarginChangeEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO margin_change_events (id, strategy_id, old_total, new_total, pct_delta, reason, severity, action_taken, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), ev.Strategy, ev.Old, ev.New, ev.Pct, ev.Reason, ev.Severity.String(), ev.ActionTaken,
		ev.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("persistence: save margin change event for %s: %w", ev.Strategy, err)
	}
	return nil
}

// RaiseMarginCall records an unresolved shortfall in margin_calls for
// EOD/ops follow-up (spec §4.4 scenario F). The margin engine's shortfall
// path does not call it; it only publishes the shortfall event.
func (r *MarginRepo) RaiseMarginCall(ctx context.Context, strategy string, required, available, shortfall float64, deadline time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO margin_calls (id, strategy_id, required, available, shortfall, deadline, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		uuid.NewString(), strategy, required, available, shortfall,
		deadline.Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("persistence: raise margin call for %s: %w", strategy, err)
	}
	return nil
}

// BaseSPAN implements the cache-read half of domain.MarginFactorProvider.
func (r *MarginRepo) BaseSPAN(ctx context.Context, token int64, effectiveDate time.Time) (float64, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT base_span FROM nse_margin_cache WHERE token = ? AND effective_date = ?`,
		token, effectiveDate.Format("2006-01-02"))
	var span float64
	if err := row.Scan(&span); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("persistence: base span for token %d: %w", token, err)
	}
	return span, nil
}

// RegulatoryOverride implements domain.MarginFactorProvider.
func (r *MarginRepo) RegulatoryOverride(ctx context.Context, token int64) (float64, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT regulatory_mul FROM nse_margin_cache WHERE token = ? ORDER BY effective_date DESC LIMIT 1`, token)
	var mul sql.NullFloat64
	if err := row.Scan(&mul); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("persistence: regulatory override for token %d: %w", token, err)
	}
	if !mul.Valid {
		return 0, false, nil
	}
	return mul.Float64, true, nil
}

// SettlementPrice implements domain.MarginFactorProvider.
func (r *MarginRepo) SettlementPrice(ctx context.Context, token int64, date time.Time) (float64, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT new_settle FROM futures_settlement_history WHERE token = ? AND settlement_date = ?`,
		token, date.Format("2006-01-02"))
	var settle float64
	if err := row.Scan(&settle); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("persistence: settlement price for token %d: %w", token, err)
	}
	return settle, nil
}

// SaveNSECacheEntry upserts a SPAN/exposure/regulatory row into
// nse_margin_cache. No scheduled job calls it; the 18:00 margin-refresh job
// recomputes strategy snapshots from whatever the cache already holds.
func (r *MarginRepo) SaveNSECacheEntry(ctx context.Context, token int64, effectiveDate time.Time, baseSpan, exposurePct float64, regulatoryMul *float64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nse_margin_cache (token, effective_date, base_span, exposure_pct, regulatory_mul)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token, effective_date) DO UPDATE SET
			base_span = excluded.base_span,
			exposure_pct = excluded.exposure_pct,
			regulatory_mul = excluded.regulatory_mul`,
		token, effectiveDate.Format("2006-01-02"), baseSpan, exposurePct, regulatoryMul,
	)
	if err != nil {
		return fmt.Errorf("persistence: save nse cache entry for token %d: %w", token, err)
	}
	return nil
}

// SaveSettlement upserts a daily mark-to-market settlement record, the
// write side of scheduler.ScheduleSettlement.
func (r *MarginRepo) SaveSettlement(ctx context.Context, rec domain.SettlementRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO futures_settlement_history (token, settlement_date, previous_settle, new_settle, m2m_pnl)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token, settlement_date) DO UPDATE SET
			previous_settle = excluded.previous_settle,
			new_settle = excluded.new_settle,
			m2m_pnl = excluded.m2m_pnl`,
		rec.Instrument.Token, rec.Date.Format("2006-01-02"), rec.PreviousSettle, rec.NewSettle, rec.M2MPnL,
	)
	if err != nil {
		return fmt.Errorf("persistence: save settlement for token %d: %w", rec.Instrument.Token, err)
	}
	return nil
}
