package persistence

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/database"
	"github.com/sodme/engine/internal/domain"
)

func TestCleanupRepo_SaveAndIdempotency(t *testing.T) {
	db, cleanup := database.NewTestDB(t, "housekeeping")
	defer cleanup()
	repo := NewCleanupRepo(db, zerolog.Nop())
	ctx := context.Background()

	log := domain.CleanupLog{
		OrderID: "ord-1", Reason: domain.OrphanPositionClosed, Action: domain.CleanupCancelled,
		WasAuto: true, PreQty: 10, PostQty: 0, Day: "2026-07-31",
	}

	logged, err := repo.AlreadyLogged(ctx, log.Key())
	require.NoError(t, err)
	assert.False(t, logged)

	require.NoError(t, repo.Save(ctx, log))
	require.NoError(t, repo.Save(ctx, log)) // idempotent retry, no error

	logged, err = repo.AlreadyLogged(ctx, log.Key())
	require.NoError(t, err)
	assert.True(t, logged)
}
