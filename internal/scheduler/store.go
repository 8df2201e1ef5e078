package scheduler

import (
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/database"
)

// SQLiteStore persists each job's next-fire time in housekeeping.db's
// scheduler_next_fire table (spec §4.5 restart survival).
type SQLiteStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSQLiteStore builds a NextFireStore over an already-migrated
// housekeeping.db handle.
func NewSQLiteStore(db *database.DB, log zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, log: log.With().Str("component", "scheduler_store").Logger()}
}

// SaveNextFire upserts job's next scheduled fire time.
func (s *SQLiteStore) SaveNextFire(jobName string, next time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduler_next_fire (job_name, next_fire) VALUES (?, ?)
		ON CONFLICT(job_name) DO UPDATE SET next_fire = excluded.next_fire`,
		jobName, next.UTC().Format(time.RFC3339),
	)
	if err != nil {
		s.log.Warn().Err(err).Str("job", jobName).Msg("failed to persist next-fire time")
	}
	return err
}

// LastNextFire loads job's last persisted next-fire time.
func (s *SQLiteStore) LastNextFire(jobName string) (time.Time, bool) {
	row := s.db.QueryRow(`SELECT next_fire FROM scheduler_next_fire WHERE job_name = ?`, jobName)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Warn().Err(err).Str("job", jobName).Msg("failed to read next-fire time")
		}
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
