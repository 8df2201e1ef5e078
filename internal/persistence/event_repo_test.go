package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/database"
	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/events"
)

func TestEventRepo_Persist(t *testing.T) {
	db, cleanup := database.NewTestDB(t, "events")
	defer cleanup()
	repo := NewEventRepo(db, zerolog.Nop())

	ev := events.Event{
		Type: events.MarginWarning, Severity: domain.SeverityWarning, Strategy: "strat-1",
		Module: "margin", Timestamp: time.Now().UTC(),
		Data: events.MarginWarningData{Strategy: "strat-1", UtilizationPct: 80, Level: "L3"},
	}
	require.NoError(t, repo.Persist(context.Background(), ev))

	row := db.Conn().QueryRow(`SELECT COUNT(*) FROM event_log WHERE strategy_id = ?`, "strat-1")
	var count int
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}
