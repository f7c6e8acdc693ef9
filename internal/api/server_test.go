package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/topstepx-engine/internal/accounts"
	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/clock"
	"github.com/eddiefleurent/topstepx-engine/internal/config"
	"github.com/eddiefleurent/topstepx-engine/internal/eventbus"
	"github.com/eddiefleurent/topstepx-engine/internal/historical"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/orders"
	"github.com/eddiefleurent/topstepx-engine/internal/risk"
	"github.com/eddiefleurent/topstepx-engine/internal/store"
	"github.com/eddiefleurent/topstepx-engine/internal/strategy"
)

type allowAllRisk struct{}

func (allowAllRisk) EvaluateSymbol(accountID, symbol string) (bool, string) { return true, "" }

func newTestServer(t *testing.T) (*Server, *broker.Mock, *accounts.Store) {
	t.Helper()
	m := broker.NewMock()
	m.Accounts = []models.Account{{ID: "A1", Name: "Acct 1", Balance: 50000, StartOfDayBalance: 50000}}
	m.Contracts["MNQ"] = models.Contract{Symbol: "MNQ", TickSize: 0.25, TickValue: 0.5, PointValue: 2}

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.json"))
	require.NoError(t, err)
	accts := accounts.New(m)
	accts.Track(m.Accounts[0])

	cal, err := clock.NewCalendar("America/Chicago", "16:00")
	require.NoError(t, err)

	bus := eventbus.New()
	orderMgr := orders.New(m, accts, bus, allowAllRisk{}, orders.WithTradeStore(st))
	riskMon := risk.New(config.RiskConfig{DailyLossLimit: 1000, MaxLossLimit: 2000}, accts, bus, orderMgr, nil)
	hist := historical.New(m, st, historical.Config{})
	rt := strategy.New(st, orderMgr, hist, m, cal, bus, accts)

	srv := New(Config{ListenAddr: ":0"}, accts, orderMgr, riskMon, rt, hist, st, m, bus, nil)
	return srv, m, accts
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointIsPublic(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListAccountsReturnsTrackedAccounts(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got []models.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "A1", got[0].ID)
}

func TestSwitchAccountRejectsUnknownID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/accounts/ZZZ/switch", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaceMarketOrderSucceeds(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := map[string]interface{}{
		"account_id": "A1", "symbol": "MNQ", "side": "BUY", "quantity": 1, "order_type": "market",
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/orders/place", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var order models.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	require.Equal(t, "MNQ", order.Symbol)
	require.Equal(t, models.SideBuy, order.Side)
}

func TestPlaceOrderRejectsMutuallyExclusiveBracketFields(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := map[string]interface{}{
		"account_id": "A1", "symbol": "MNQ", "side": "BUY", "quantity": 1, "order_type": "market",
		"stop_loss_ticks": 10, "stop_loss_price": 21000.0,
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/orders/place", req)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestPlaceOrderRejectsUnknownContract(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := map[string]interface{}{
		"account_id": "A1", "symbol": "ZZZZ", "side": "BUY", "quantity": 1, "order_type": "market",
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/orders/place", req)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.authToken = "secret"
	srv.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsHeaderToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.authToken = "secret"
	srv.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareHealthAlwaysPublic(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.authToken = "secret"
	srv.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRiskSnapshotNotFoundUntilComputed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/risk?account_id=A1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestSettingsRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/settings", map[string]interface{}{
		"scope": "ui", "key": "theme", "value": "dark",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/api/settings/ui", nil)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "dark", got["theme"])
}

func TestListStrategiesIncludesUnconfiguredAsDisabled(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/strategies?account_id=A1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got []strategyView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotEmpty(t, got)
	for _, v := range got {
		require.Equal(t, models.StrategyDisabled, v.Status)
	}
}
