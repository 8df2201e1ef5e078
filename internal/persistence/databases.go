package persistence

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sodme/engine/internal/database"
)

// Databases holds every per-concern SQLite handle SODME opens at startup
// (spec §6 "Persisted state layout"), grounded in the teacher's
// di.InitializeDatabases bootstrap.
type Databases struct {
	Strategy     *database.DB
	Margin       *database.DB
	Alerts       *database.DB
	Housekeeping *database.DB
	Orders       *database.DB
	Events       *database.DB
}

// dbSpec is one database's open+profile configuration.
type dbSpec struct {
	name    string
	profile database.DatabaseProfile
	target  **database.DB
}

// OpenDatabases opens and migrates all six databases under dataDir. On any
// failure it closes whatever it already opened before returning.
func OpenDatabases(dataDir string, log zerolog.Logger) (*Databases, error) {
	dbs := &Databases{}
	specs := []dbSpec{
		{"strategy", database.ProfileStandard, &dbs.Strategy},
		{"margin", database.ProfileLedger, &dbs.Margin},
		{"alerts", database.ProfileStandard, &dbs.Alerts},
		{"housekeeping", database.ProfileStandard, &dbs.Housekeeping},
		{"orders", database.ProfileLedger, &dbs.Orders},
		{"events", database.ProfileCache, &dbs.Events},
	}

	var opened []*database.DB
	closeAll := func() {
		for _, db := range opened {
			db.Close()
		}
	}

	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    dataDir + "/" + spec.name + ".db",
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("persistence: open %s database: %w", spec.name, err)
		}
		opened = append(opened, db)
		*spec.target = db

		if err := db.Migrate(); err != nil {
			closeAll()
			return nil, fmt.Errorf("persistence: migrate %s database: %w", spec.name, err)
		}
	}

	log.Info().Int("count", len(opened)).Msg("all databases opened and migrated")
	return dbs, nil
}

// Maintain runs a nightly maintenance pass over every open database:
// a quick connectivity check, a WAL checkpoint (truncate mode, to keep the
// WAL file from growing unbounded), and a stats log line. It does not abort
// on one database's failure — each is logged and the sweep continues, the
// same per-responsibility error isolation housekeeping.Engine.Run uses.
func (d *Databases) Maintain(ctx context.Context, log zerolog.Logger) error {
	var firstErr error
	for _, db := range []*database.DB{d.Strategy, d.Margin, d.Alerts, d.Housekeeping, d.Orders, d.Events} {
		if db == nil {
			continue
		}
		l := log.With().Str("database", db.Name()).Logger()

		if err := db.QuickCheck(ctx); err != nil {
			l.Error().Err(err).Msg("maintenance: connectivity check failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("maintenance: %s: %w", db.Name(), err)
			}
			continue
		}

		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			l.Warn().Err(err).Msg("maintenance: WAL checkpoint failed")
		}

		if stats, err := db.GetStats(); err != nil {
			l.Warn().Err(err).Msg("maintenance: could not read stats")
		} else {
			l.Info().
				Int64("size_bytes", stats.SizeBytes).
				Int64("wal_size_bytes", stats.WALSizeBytes).
				Int64("freelist_count", stats.FreelistCount).
				Msg("maintenance sweep complete")
		}
	}
	return firstErr
}

// Close closes every open database handle, logging (not failing on) errors
// so shutdown always completes (spec §5 "graceful shutdown").
func (d *Databases) Close(log zerolog.Logger) {
	for _, db := range []*database.DB{d.Strategy, d.Margin, d.Alerts, d.Housekeeping, d.Orders, d.Events} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Str("database", db.Name()).Msg("error closing database")
		}
	}
}
