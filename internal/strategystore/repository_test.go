package strategystore

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/database"
	"github.com/sodme/engine/internal/domain"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    "file::memory:?cache=shared",
		Profile: database.ProfileStandard,
		Name:    "strategy",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return New(db, zerolog.Nop())
}

func TestCreateAndGetStrategy_SeedsDefaultSettings(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s := domain.Strategy{ID: "strat-1", OwnerAcct: "acct-1", Status: domain.StrategyStatus("active"), IsDefault: true}
	require.NoError(t, repo.CreateStrategy(ctx, s))

	got, err := repo.GetStrategy(ctx, "strat-1")
	require.NoError(t, err)
	require.Equal(t, "acct-1", got.OwnerAcct)
	require.True(t, got.IsDefault)

	settings, err := repo.GetSettings(ctx, "strat-1")
	require.NoError(t, err)
	require.Equal(t, DefaultSettings("strat-1").SquareOffTime, settings.SquareOffTime)
	require.True(t, settings.AutoCleanup)
}

func TestGetStrategy_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetStrategy(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveSettings_Upsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateStrategy(ctx, domain.Strategy{ID: "strat-2", OwnerAcct: "acct-2"}))

	custom := DefaultSettings("strat-2")
	custom.MaxLossPct = 2.5
	custom.AllowOrphans = true
	require.NoError(t, repo.SaveSettings(ctx, custom))

	got, err := repo.GetSettings(ctx, "strat-2")
	require.NoError(t, err)
	require.Equal(t, 2.5, got.MaxLossPct)
	require.True(t, got.AllowOrphans)
}

func TestGet_MissingGlobalSettingReturnsNilNoError(t *testing.T) {
	repo := newTestRepo(t)
	v, err := repo.Get("broker_api_key")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestListActiveStrategies_FiltersByStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateStrategy(ctx, domain.Strategy{ID: "strat-active-1", OwnerAcct: "acct-1", Status: domain.StrategyActive}))
	require.NoError(t, repo.CreateStrategy(ctx, domain.Strategy{ID: "strat-active-2", OwnerAcct: "acct-1", Status: domain.StrategyActive}))
	require.NoError(t, repo.CreateStrategy(ctx, domain.Strategy{ID: "strat-paused", OwnerAcct: "acct-1", Status: domain.StrategyPaused}))

	ids, err := repo.ListActiveStrategies(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"strat-active-1", "strat-active-2"}, ids)
}
