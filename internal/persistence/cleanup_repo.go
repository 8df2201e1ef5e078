package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/database"
	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/housekeeping"
)

// CleanupRepo backs housekeeping.CleanupLogger over housekeeping.db.
type CleanupRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewCleanupRepo builds a CleanupRepo over an already-migrated housekeeping.db.
func NewCleanupRepo(db *database.DB, log zerolog.Logger) *CleanupRepo {
	return &CleanupRepo{db: db, log: log.With().Str("component", "cleanup_repo").Logger()}
}

var _ housekeeping.CleanupLogger = (*CleanupRepo)(nil)

// AlreadyLogged implements housekeeping.CleanupLogger.
func (r *CleanupRepo) AlreadyLogged(ctx context.Context, key string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT 1 FROM housekeeping_events WHERE idempotency_key = ?`, key)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("persistence: check cleanup key %s: %w", key, err)
	}
	return true, nil
}

// Save implements housekeeping.CleanupLogger.
func (r *CleanupRepo) Save(ctx context.Context, log domain.CleanupLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO housekeeping_events (idempotency_key, order_id, reason, action, was_auto, pre_qty, post_qty, day, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		log.Key(), log.OrderID, string(log.Reason), string(log.Action), boolToInt(log.WasAuto),
		log.PreQty, log.PostQty, log.Day, log.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("persistence: save cleanup log for %s: %w", log.OrderID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
