package apihttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclone/internal/cycle"
	"cyclone/internal/engine"
	"cyclone/internal/gateway/venue"
	"cyclone/internal/store"
	"cyclone/internal/store/journal"
)

type fakeEngine struct {
	active    []cycle.Cycle
	opened    []engine.OpenRequest
	openErr   error
	openRes   cycle.Cycle
	closed    []string
	closeErr  error
	closeErrs map[string]error
}

func (f *fakeEngine) OpenCycle(ctx context.Context, req engine.OpenRequest) (cycle.Cycle, error) {
	f.opened = append(f.opened, req)
	if f.openErr != nil {
		return cycle.Cycle{}, f.openErr
	}
	return f.openRes, nil
}

func (f *fakeEngine) CloseCycle(ctx context.Context, cycleID string) error {
	f.closed = append(f.closed, cycleID)
	if err, ok := f.closeErrs[cycleID]; ok {
		return err
	}
	return f.closeErr
}

func (f *fakeEngine) ActiveCycles() []cycle.Cycle { return f.active }

type fakeCycles struct {
	byID   map[string]cycle.Cycle
	recent []cycle.Cycle

	lastSymbol string
	lastLimit  int
	lastOffset int
}

func (f *fakeCycles) GetCycleByCycleID(ctx context.Context, cycleID string) (cycle.Cycle, bool, error) {
	c, ok := f.byID[cycleID]
	return c, ok, nil
}

func (f *fakeCycles) ListRecentCycles(ctx context.Context, symbol string, limit, offset int) ([]cycle.Cycle, error) {
	f.lastSymbol, f.lastLimit, f.lastOffset = symbol, limit, offset
	return f.recent, nil
}

type fakeOrders struct {
	byCycle  map[string][]store.OrderRecord
	open     []store.OrderRecord
	pending  []store.OrderRecord
	listErr  error
	lastByID string
}

func (f *fakeOrders) ListOrdersByCycle(ctx context.Context, cycleID string) ([]store.OrderRecord, error) {
	f.lastByID = cycleID
	return f.byCycle[cycleID], nil
}

func (f *fakeOrders) ListOpenOrders(ctx context.Context) ([]store.OrderRecord, error) {
	return f.open, f.listErr
}

func (f *fakeOrders) ListPendingOrders(ctx context.Context) ([]store.OrderRecord, error) {
	return f.pending, f.listErr
}

type fakeSnapshots struct {
	recs      []store.AccountSnapshotRecord
	lastSince time.Time
	lastLimit int
}

func (f *fakeSnapshots) ListAccountSnapshots(ctx context.Context, since time.Time, limit int) ([]store.AccountSnapshotRecord, error) {
	f.lastSince, f.lastLimit = since, limit
	return f.recs, nil
}

type fakeJournal struct {
	entries []journal.Entry
	lastQ   journal.Query
}

func (f *fakeJournal) List(ctx context.Context, q journal.Query) ([]journal.Entry, error) {
	f.lastQ = q
	if q.Event != "" {
		out := make([]journal.Entry, 0, len(f.entries))
		for _, e := range f.entries {
			if e.Event == q.Event {
				out = append(out, e)
			}
		}
		return out, nil
	}
	return f.entries, nil
}

type fakeAccount struct {
	snap venue.AccountSnapshot
	err  error
}

func (f *fakeAccount) Account(ctx context.Context) (venue.AccountSnapshot, error) {
	return f.snap, f.err
}

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	parsed := map[string]any{}
	if ct := rec.Header().Get("Content-Type"); strings.Contains(ct, "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	}
	return rec, parsed
}

func TestServerRequiresEngine(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.Error(t, err)
}

func TestOpenCycleEndpoint(t *testing.T) {
	eng := &fakeEngine{openRes: cycle.Cycle{CycleID: "cyc-7", Symbol: "EURUSD", Status: cycle.StatusPendingOpen}}
	srv := newTestServer(t, ServerConfig{Engine: eng})

	rec, body := doJSON(t, srv, http.MethodPost, "/api/cycles",
		`{"symbol":"eurusd","direction":"buy","strategy":"zone-basic","overrides":{"profit_target":75}}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, eng.opened, 1)
	assert.Equal(t, "eurusd", eng.opened[0].Symbol)
	assert.Equal(t, venue.SideBuy, eng.opened[0].Direction)
	assert.Equal(t, "zone-basic", eng.opened[0].Strategy)
	assert.Equal(t, float64(75), eng.opened[0].Overrides["profit_target"])

	created := body["cycle"].(map[string]any)
	assert.Equal(t, "cyc-7", created["cycle_id"])
	assert.Equal(t, string(cycle.StatusPendingOpen), created["status"])
}

func TestOpenCycleRejectsBadPayload(t *testing.T) {
	eng := &fakeEngine{}
	srv := newTestServer(t, ServerConfig{Engine: eng})

	rec, _ := doJSON(t, srv, http.MethodPost, "/api/cycles", `{"symbol":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, eng.opened)
}

func TestOpenCycleSurfacesEngineError(t *testing.T) {
	eng := &fakeEngine{openErr: fmt.Errorf("direction must be buy or sell, got %q", "sideways")}
	srv := newTestServer(t, ServerConfig{Engine: eng})

	rec, body := doJSON(t, srv, http.MethodPost, "/api/cycles", `{"symbol":"EURUSD","direction":"sideways","strategy":"zone-basic"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "direction must be buy or sell")
}

func TestActiveCyclesEndpoint(t *testing.T) {
	eng := &fakeEngine{active: []cycle.Cycle{
		{CycleID: "cyc-1", Symbol: "EURUSD", Status: cycle.StatusActive},
		{CycleID: "cyc-2", Symbol: "GBPUSD", Status: cycle.StatusHedging},
	}}
	srv := newTestServer(t, ServerConfig{Engine: eng})

	rec, body := doJSON(t, srv, http.MethodGet, "/api/cycles/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])
	cycles := body["cycles"].([]any)
	first := cycles[0].(map[string]any)
	assert.Equal(t, "cyc-1", first["cycle_id"])
}

func TestCycleDetailPrefersLiveWorker(t *testing.T) {
	eng := &fakeEngine{active: []cycle.Cycle{{CycleID: "cyc-1", Status: cycle.StatusHedging, ZoneIndex: 2}}}
	cycles := &fakeCycles{byID: map[string]cycle.Cycle{
		"cyc-1": {CycleID: "cyc-1", Status: cycle.StatusActive, ZoneIndex: 0},
	}}
	srv := newTestServer(t, ServerConfig{Engine: eng, Cycles: cycles})

	rec, body := doJSON(t, srv, http.MethodGet, "/api/cycles/cyc-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["live"])
	got := body["cycle"].(map[string]any)
	assert.Equal(t, string(cycle.StatusHedging), got["status"])
	assert.Equal(t, float64(2), got["zone_index"])
}

func TestCycleDetailFallsBackToStore(t *testing.T) {
	eng := &fakeEngine{}
	cycles := &fakeCycles{byID: map[string]cycle.Cycle{
		"cyc-done": {CycleID: "cyc-done", Status: cycle.StatusClosed, ClosingMethod: cycle.CloseTakeProfit},
	}}
	srv := newTestServer(t, ServerConfig{Engine: eng, Cycles: cycles})

	rec, body := doJSON(t, srv, http.MethodGet, "/api/cycles/cyc-done", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["live"])
	got := body["cycle"].(map[string]any)
	assert.Equal(t, string(cycle.CloseTakeProfit), got["closing_method"])

	rec, _ = doJSON(t, srv, http.MethodGet, "/api/cycles/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCycleHistoryPaging(t *testing.T) {
	eng := &fakeEngine{}
	cycles := &fakeCycles{recent: []cycle.Cycle{{CycleID: "cyc-old"}}}
	srv := newTestServer(t, ServerConfig{Engine: eng, Cycles: cycles})

	rec, body := doJSON(t, srv, http.MethodGet, "/api/cycles?symbol=eurusd&page=3&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EURUSD", cycles.lastSymbol)
	assert.Equal(t, 10, cycles.lastLimit)
	assert.Equal(t, 20, cycles.lastOffset)
	assert.Equal(t, float64(3), body["page"])
}

func TestCloseCycleEndpoint(t *testing.T) {
	eng := &fakeEngine{closeErrs: map[string]error{
		"cyc-gone": fmt.Errorf("%w: cyc-gone", engine.ErrUnknownCycle),
		"cyc-bad":  fmt.Errorf("venue unreachable"),
	}}
	srv := newTestServer(t, ServerConfig{Engine: eng})

	rec, body := doJSON(t, srv, http.MethodPost, "/api/cycles/cyc-1/close", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closing", body["status"])
	assert.Equal(t, []string{"cyc-1"}, eng.closed)

	rec, _ = doJSON(t, srv, http.MethodPost, "/api/cycles/cyc-gone/close", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, srv, http.MethodPost, "/api/cycles/cyc-bad/close", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCycleOrdersEndpoint(t *testing.T) {
	eng := &fakeEngine{}
	orders := &fakeOrders{byCycle: map[string][]store.OrderRecord{
		"cyc-1": {
			{Ticket: 101, CycleID: "cyc-1", OpenedBy: store.OpenedByInitial},
			{Ticket: 202, CycleID: "cyc-1", OpenedBy: store.OpenedByHedge, IsClosed: true},
		},
	}}
	srv := newTestServer(t, ServerConfig{Engine: eng, Orders: orders})

	rec, body := doJSON(t, srv, http.MethodGet, "/api/cycles/cyc-1/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, "cyc-1", orders.lastByID)
}

func TestOpenOrdersEndpoint(t *testing.T) {
	eng := &fakeEngine{}
	orders := &fakeOrders{
		open:    []store.OrderRecord{{Ticket: 101, Kind: venue.KindPosition}},
		pending: []store.OrderRecord{{Ticket: 105, Kind: venue.KindPending}},
	}
	srv := newTestServer(t, ServerConfig{Engine: eng, Orders: orders})

	rec, body := doJSON(t, srv, http.MethodGet, "/api/orders/open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["positions"].([]any), 1)
	assert.Len(t, body["pending"].([]any), 1)
}

func TestJournalEndpointPassesFilters(t *testing.T) {
	eng := &fakeEngine{}
	jr := &fakeJournal{entries: []journal.Entry{
		{ID: 1, Event: journal.EventAck, CycleID: "cyc-1"},
		{ID: 2, Event: journal.EventSubmit, CycleID: "cyc-1"},
	}}
	srv := newTestServer(t, ServerConfig{Engine: eng, Journal: jr})

	rec, body := doJSON(t, srv, http.MethodGet, "/api/journal?cycle_id=cyc-1&event=ack&symbol=eurusd&limit=25&since=1000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cyc-1", jr.lastQ.CycleID)
	assert.Equal(t, "ack", jr.lastQ.Event)
	assert.Equal(t, "EURUSD", jr.lastQ.Symbol)
	assert.Equal(t, 25, jr.lastQ.Limit)
	assert.Equal(t, int64(1000), jr.lastQ.Since)
	assert.Equal(t, float64(1), body["count"])
}

func TestJournalEndpointUnavailableWithoutStore(t *testing.T) {
	srv := newTestServer(t, ServerConfig{Engine: &fakeEngine{}})
	rec, _ := doJSON(t, srv, http.MethodGet, "/api/journal", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAccountEndpoint(t *testing.T) {
	eng := &fakeEngine{}
	acct := &fakeAccount{snap: venue.AccountSnapshot{
		Login: 9000, Currency: "USD", Balance: 10000, Equity: 10100,
		Margin: 200, FreeMargin: 9900, MarginLevel: 5050, Profit: 100, Leverage: 100,
	}}
	srv := newTestServer(t, ServerConfig{Engine: eng, Account: acct})

	rec, body := doJSON(t, srv, http.MethodGet, "/api/account", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(9000), body["login"])
	assert.Equal(t, "USD", body["currency"])
	assert.Equal(t, float64(10100), body["equity"])
	assert.Equal(t, float64(9900), body["free_margin"])
	assert.Equal(t, float64(5050), body["margin_level"])
}

func TestAccountEndpointReportsVenueFailure(t *testing.T) {
	eng := &fakeEngine{}
	acct := &fakeAccount{err: fmt.Errorf("bridge unreachable")}
	srv := newTestServer(t, ServerConfig{Engine: eng, Account: acct})

	rec, body := doJSON(t, srv, http.MethodGet, "/api/account", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, body["error"], "bridge unreachable")
}

func TestAccountHistoryEndpoint(t *testing.T) {
	eng := &fakeEngine{}
	snaps := &fakeSnapshots{recs: []store.AccountSnapshotRecord{
		{ID: 1, Balance: 10000, Equity: 10050, At: time.Now().Add(-time.Hour)},
		{ID: 2, Balance: 10000, Equity: 10110, At: time.Now()},
	}}
	srv := newTestServer(t, ServerConfig{Engine: eng, Snapshots: snaps})

	rec, body := doJSON(t, srv, http.MethodGet, "/api/account/history?hours=24&limit=100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, 100, snaps.lastLimit)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), snaps.lastSince, time.Minute)
}

func TestEquityChartRenders(t *testing.T) {
	eng := &fakeEngine{}
	snaps := &fakeSnapshots{recs: []store.AccountSnapshotRecord{
		{Balance: 10000, Equity: 10050, At: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
		{Balance: 10062, Equity: 10062, At: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)},
	}}
	jr := &fakeJournal{entries: []journal.Entry{
		{Event: journal.EventCycleClose, Timestamp: time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC).UnixMilli(),
			Detail: map[string]any{"profit": 62.5}},
		{Event: journal.EventCycleClose, Timestamp: time.Date(2025, 6, 1, 10, 50, 0, 0, time.UTC).UnixMilli(),
			Detail: map[string]any{"profit": -12.5}},
	}}
	srv := newTestServer(t, ServerConfig{Engine: eng, Snapshots: snaps, Journal: jr})

	req := httptest.NewRequest(http.MethodGet, "/charts/equity", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	html := rec.Body.String()
	assert.Contains(t, html, "Account equity")
	assert.Contains(t, html, "Cumulative realized profit")
	assert.Contains(t, html, "2 closed cycles, total 50.00")
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, ServerConfig{Engine: &fakeEngine{}})
	rec, body := doJSON(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}
