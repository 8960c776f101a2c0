package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tiller/internal/audit"
	"tiller/internal/broker"
	"tiller/internal/broker/sim"
	"tiller/internal/daemon"
	"tiller/internal/guard"
	"tiller/internal/orders"
	"tiller/internal/safety"
)

func newTestServer(t *testing.T, b *sim.Broker, auditDir string) (*gin.Engine, *daemon.Daemon) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	d := daemon.New(daemon.Options{
		Mode:          daemon.ModePaper,
		DefaultBroker: "sim",
		Brokers:       map[string]broker.Broker{"sim": b},
		Safety:        safety.NewManager(safety.Limits{}),
		Dup:           guard.NewDuplicateGuard(time.Minute),
		Rate:          guard.NewRateLimiter(100, 100, time.Second),
		OrderConfig:   orders.Config{RetryBackoff: 5 * time.Millisecond},
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		d.Stop(context.Background())
		cancel()
	})

	r := NewRouter(d, nil, auditDir)
	engine := gin.New()
	r.Register(engine.Group("/api/v1"))
	return engine, d
}

func doRequest(engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestPostSignalAccepted(t *testing.T) {
	b := sim.New("sim")
	b.SetQuote("AAPL", 179.9, 180.1)
	engine, d := newTestServer(t, b, "")

	w := doRequest(engine, http.MethodPost, "/api/v1/signals",
		`{"id":"sig-1","ticker":"AAPL","direction":"long","quantity":100,"kind":"market"}`)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "sig-1", gjson.Get(w.Body.String(), "signal_id").String())

	require.Eventually(t, func() bool { return len(d.Positions()) == 1 },
		3*time.Second, 10*time.Millisecond)

	w = doRequest(engine, http.MethodGet, "/api/v1/positions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "AAPL", gjson.Get(w.Body.String(), "positions.0.ticker").String())
}

func TestPostSignalSchemaRejection(t *testing.T) {
	engine, _ := newTestServer(t, sim.New("sim"), "")

	w := doRequest(engine, http.MethodPost, "/api/v1/signals",
		`{"id":"sig-1","ticker":"AAPL","direction":"buy","quantity":100,"kind":"market"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "schema")
}

func TestKillSwitchEndpoints(t *testing.T) {
	engine, d := newTestServer(t, sim.New("sim"), "")

	w := doRequest(engine, http.MethodPost, "/api/v1/killswitches/manual", `{"reason":"maintenance"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, d.Safety().Active(safety.SwitchManual))

	w = doRequest(engine, http.MethodGet, "/api/v1/killswitches", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "manual", gjson.Get(w.Body.String(), "active.0.switch").String())
	assert.Equal(t, "maintenance", gjson.Get(w.Body.String(), "active.0.reason").String())

	w = doRequest(engine, http.MethodDelete, "/api/v1/killswitches/manual", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, d.Safety().Active(safety.SwitchManual))
}

func TestOrderHistoryDisabled(t *testing.T) {
	engine, _ := newTestServer(t, sim.New("sim"), "")

	w := doRequest(engine, http.MethodGet, "/api/v1/orders/history", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditEndpointFilters(t *testing.T) {
	auditDir := t.TempDir()
	lg, err := audit.NewLog(auditDir, "paper", 0)
	require.NoError(t, err)
	at := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	require.NoError(t, lg.Append(audit.Entry{Timestamp: at, Kind: audit.KindOrderFilled, Ticker: "AAPL"}))
	require.NoError(t, lg.Append(audit.Entry{Timestamp: at, Kind: audit.KindOrderFilled, Ticker: "MSFT"}))
	require.NoError(t, lg.Append(audit.Entry{Timestamp: at, Kind: audit.KindKillSwitch}))
	require.NoError(t, lg.Close())

	engine, _ := newTestServer(t, sim.New("sim"), auditDir)

	w := doRequest(engine, http.MethodGet, "/api/v1/audit?day=2026-03-10", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(3), gjson.Get(w.Body.String(), "entries.#").Int())

	w = doRequest(engine, http.MethodGet, "/api/v1/audit?day=2026-03-10&kind=order_filled&ticker=AAPL", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, int64(1), gjson.Get(body, "entries.#").Int())
	assert.Equal(t, "AAPL", gjson.Get(body, "entries.0.ticker").String())

	w = doRequest(engine, http.MethodGet, "/api/v1/audit?day=2026-03-11", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), gjson.Get(w.Body.String(), "entries.#").Int())

	w = doRequest(engine, http.MethodGet, "/api/v1/audit?day=notaday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClosePositionEndpoint(t *testing.T) {
	b := sim.New("sim")
	b.SetQuote("AAPL", 179.9, 180.1)
	engine, d := newTestServer(t, b, "")

	w := doRequest(engine, http.MethodPost, "/api/v1/signals",
		`{"id":"sig-1","ticker":"AAPL","direction":"long","quantity":100,"kind":"market"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool { return len(d.Positions()) == 1 },
		3*time.Second, 10*time.Millisecond)

	w = doRequest(engine, http.MethodPost, "/api/v1/positions/AAPL/close", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool { return len(d.Positions()) == 0 },
		3*time.Second, 10*time.Millisecond)

	// Closing again is harmless: no position, nothing happens.
	w = doRequest(engine, http.MethodPost, "/api/v1/positions/AAPL/close", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	pnl := decimal.RequireFromString(gjson.Get(
		doRequest(engine, http.MethodGet, "/api/v1/killswitches", "").Body.String(),
		"realized_pnl").String())
	assert.True(t, pnl.IsNegative(), "entry at ask, exit at bid loses the spread")
}
