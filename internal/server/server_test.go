package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodme/engine/internal/database"
	"github.com/sodme/engine/internal/depth"
	"github.com/sodme/engine/internal/domain"
	"github.com/sodme/engine/internal/errs"
	"github.com/sodme/engine/internal/strategystore"
)

func newTestRepo(t *testing.T) *strategystore.Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    "file::memory:?cache=shared",
		Profile: database.ProfileStandard,
		Name:    "strategy",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return strategystore.New(db, zerolog.Nop())
}

func testDeps(t *testing.T) Deps {
	return Deps{
		Depth:      depth.New(zerolog.Nop()),
		Strategies: newTestRepo(t),
		Log:        zerolog.Nop(),
	}
}

func TestAnalyzeExecution_DepthUnavailableMapsTo503(t *testing.T) {
	r := New(testDeps(t))

	body, _ := json.Marshal(analyzeExecutionRequest{
		OrderID:    "ord-1",
		Instrument: domain.Instrument{Token: 1, TradingSymbol: "NIFTY"},
		Side:       domain.Buy,
		Quantity:   50,
		Depth:      nil,
	})

	req := httptest.NewRequest(http.MethodPost, "/orders/analyze-execution", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var we wireError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&we))
	assert.Equal(t, string(errs.KindDepthUnavailable), we.Kind)
}

func TestSettings_PutThenGetRoundTrips(t *testing.T) {
	deps := testDeps(t)
	require.NoError(t, deps.Strategies.CreateStrategy(context.Background(), domain.Strategy{ID: "strat-1", Status: domain.StrategyActive}))
	r := New(deps)

	settings := strategystore.DefaultSettings("strat-1")
	settings.MaxLossPct = 5
	body, _ := json.Marshal(settings)

	putReq := httptest.NewRequest(http.MethodPut, "/strategies/strat-1/settings", bytes.NewReader(body))
	putRec := httptest.NewRecorder()
	r.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusOK, putRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/strategies/strat-1/settings", nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var got strategystore.Settings
	require.NoError(t, json.NewDecoder(getRec.Body).Decode(&got))
	assert.Equal(t, 5.0, got.MaxLossPct)
}

func TestSettings_PutRejectsUnknownKey(t *testing.T) {
	deps := testDeps(t)
	require.NoError(t, deps.Strategies.CreateStrategy(context.Background(), domain.Strategy{ID: "strat-1", Status: domain.StrategyActive}))
	r := New(deps)

	body := []byte(`{"auto_cleanup": true, "not_a_real_field": 1}`)
	req := httptest.NewRequest(http.MethodPut, "/strategies/strat-1/settings", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var we wireError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&we))
	assert.Equal(t, string(errs.KindValidation), we.Kind)
}

func TestSettings_PutRejectsOutOfBoundsField(t *testing.T) {
	deps := testDeps(t)
	require.NoError(t, deps.Strategies.CreateStrategy(context.Background(), domain.Strategy{ID: "strat-1", Status: domain.StrategyActive}))
	r := New(deps)

	settings := strategystore.DefaultSettings("strat-1")
	settings.MinLiquidityScore = 150
	body, _ := json.Marshal(settings)

	req := httptest.NewRequest(http.MethodPut, "/strategies/strat-1/settings", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var we wireError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&we))
	assert.Equal(t, string(errs.KindValidation), we.Kind)
}

func TestSystemHealth_NoReporterConfiguredReturnsUnknown(t *testing.T) {
	r := New(testDeps(t))

	req := httptest.NewRequest(http.MethodGet, "/system/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "unknown", body["status"])
}

func TestWriteError_UnknownErrorMapsToInternalError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, assertNewPlainError("boom"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var we wireError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&we))
	assert.Equal(t, "InternalError", we.Kind)
}

func assertNewPlainError(msg string) error {
	return &plainError{msg: msg}
}

type plainError struct{ msg string }

func (e *plainError) Error() string { return e.msg }
