package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cyclone/internal/config"
	"cyclone/internal/cycle"
	"cyclone/internal/gateway/venue"
	"cyclone/internal/market"
	"cyclone/internal/pkg/idempotency"
	"cyclone/internal/store"
	"cyclone/internal/strategy"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type infoStub struct{}

func (infoStub) SymbolInfo(ctx context.Context, symbol string) (venue.SymbolInfo, error) {
	info := testInfo()
	info.Name = cycle.NormalizeSymbol(symbol)
	return info, nil
}

type acctStub struct {
	snap venue.AccountSnapshot
}

func (a acctStub) Account(ctx context.Context) (venue.AccountSnapshot, error) {
	return a.snap, nil
}

type fakeTicks struct {
	mu sync.Mutex
	m  map[string]venue.Tick
}

func (f *fakeTicks) set(t venue.Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[string]venue.Tick)
	}
	f.m[strings.ToUpper(t.Symbol)] = t
}

func (f *fakeTicks) LatestTick(symbol string) (venue.Tick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.m[strings.ToUpper(symbol)]
	return t, ok
}

type snapStore struct {
	mu   sync.Mutex
	recs []store.AccountSnapshotRecord
}

func (s *snapStore) AppendAccountSnapshot(ctx context.Context, rec store.AccountSnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *snapStore) ListAccountSnapshots(ctx context.Context, since time.Time, limit int) ([]store.AccountSnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.AccountSnapshotRecord(nil), s.recs...), nil
}

func (s *snapStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func testRegistry(t *testing.T) *strategy.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	data := `strategies:
  zone-basic:
    description: fixed-band zone cycle
    params:
      zone_size_points: 100
      initial_volume: 0.1
      lot_progression: [0.2, 0.4]
      profit_target: 50
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	reg, err := strategy.NewRegistry(path)
	require.NoError(t, err)
	return reg
}

type supervisorFixture struct {
	venue  *mockVenue
	store  *memStore
	alerts *alertRecorder
	ticks  *fakeTicks
	snaps  *snapStore
	sup    *Supervisor
}

func newSupervisorFixture(t *testing.T) *supervisorFixture {
	t.Helper()
	f := &supervisorFixture{
		venue:  &mockVenue{},
		store:  newMemStore(),
		alerts: &alertRecorder{},
		ticks:  &fakeTicks{},
		snaps:  &snapStore{},
	}
	f.sup = NewSupervisor(SupervisorParams{
		Config: config.EngineConfig{
			ReconcileInterval:  time.Hour,
			SnapshotInterval:   time.Hour,
			HedgeRetryAttempts: 3,
			HedgeRetryBase:     time.Millisecond,
			HedgeRetryMax:      2 * time.Millisecond,
		},
		Venue:      f.venue,
		Informer:   infoStub{},
		Account:    acctStub{snap: venue.AccountSnapshot{Balance: 10000, Equity: 10100, Margin: 200, FreeMargin: 9900, Profit: 100}},
		Cycles:     f.store,
		Orders:     f.store,
		Snapshots:  f.snaps,
		Idem:       idempotency.NewRegistry(64, f.store),
		Notifier:   f.alerts,
		Strategies: testRegistry(t),
		Bounds:     market.NewBounds(nil, ""),
		Ticks:      f.ticks,
		AccountID:  9000,
		Magic:      77,
		Deviation:  5,
	})
	return f
}

func (f *supervisorFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sup.Start(context.Background()))
	t.Cleanup(f.sup.Stop)
}

// seededCycle is an already-running cycle as the store would hand it back
// after a restart.
func seededCycle(id, symbol string, ticket venue.Ticket, lower, upper float64) *cycle.Cycle {
	return &cycle.Cycle{
		CycleID:    id,
		Symbol:     symbol,
		Status:     cycle.StatusActive,
		Direction:  venue.SideBuy,
		LowerBound: lower,
		UpperBound: upper,
		Roles:      cycle.RoleSets{Initial: []venue.Ticket{ticket}},
		Params:     testParams(),
		Magic:      77,
		OpenedAt:   time.Now(),
	}
}

func seededOrder(ticket venue.Ticket, cycleID, symbol string, price float64) (venue.Order, store.OrderRecord) {
	ord := venue.Order{
		Ticket:    ticket,
		Symbol:    symbol,
		Type:      venue.TypeBuy,
		Kind:      venue.KindPosition,
		Volume:    0.10,
		OpenPrice: price,
		Magic:     77,
		OpenTime:  time.Now(),
	}
	rec := store.OrderRecord{
		Ticket:        ticket,
		CycleID:       cycleID,
		CorrelationID: venue.NewCorrelation(),
		Symbol:        symbol,
		Kind:          venue.KindPosition,
		Type:          venue.TypeBuy,
		Volume:        0.10,
		OpenPrice:     price,
		Magic:         77,
		OpenedBy:      store.OpenedByInitial,
		OpenedAt:      time.Now(),
	}
	return ord, rec
}

func TestSupervisorOpenCycleSubmitsInitialOrder(t *testing.T) {
	f := newSupervisorFixture(t)
	f.start(t)
	f.ticks.set(tickAt(1.1000))

	opened := venue.Order{
		Ticket: 301, Symbol: "EURUSD", Type: venue.TypeBuy, Kind: venue.KindPosition,
		Volume: 0.10, OpenPrice: 1.1000, Magic: 77, OpenTime: time.Now(),
	}
	f.venue.On("Submit", mock.Anything, mock.MatchedBy(func(it venue.Intent) bool {
		return it.Type == venue.TypeBuy && it.Volume == 0.10 && it.Symbol == "EURUSD"
	})).Return(venue.Ticket(301), nil).Once()
	f.venue.On("Query", mock.Anything, venue.Ticket(301)).Return(opened, true, nil)

	c, err := f.sup.OpenCycle(context.Background(), OpenRequest{
		Symbol:    "eurusd",
		Direction: venue.SideBuy,
		Strategy:  "zone-basic",
		Overrides: map[string]any{"profit_target": 75},
	})
	require.NoError(t, err)
	require.NotEmpty(t, c.CycleID)
	require.Equal(t, "EURUSD", c.Symbol)
	require.Equal(t, int64(77), c.Magic)
	require.Equal(t, int64(9000), c.Account)
	require.Equal(t, "zone-basic", c.Bot)
	require.InDelta(t, 75, c.Params.ProfitTarget, 1e-9, "overrides must land in the frozen snapshot")

	// The seeded tick drives the worker to the opening market order.
	require.Eventually(t, func() bool {
		cs := f.sup.ActiveCycles()
		return len(cs) == 1 && cs[0].Status == cycle.StatusActive
	}, 3*time.Second, 5*time.Millisecond)

	snap := f.sup.ActiveCycles()[0]
	require.Equal(t, []venue.Ticket{301}, snap.Roles.Initial)
	require.InDelta(t, 1.0900, snap.LowerBound, 1e-9)
	require.InDelta(t, 1.1100, snap.UpperBound, 1e-9)

	rec, ok := f.store.orderByTicket(301)
	require.True(t, ok)
	require.Equal(t, c.CycleID, rec.CycleID)
	require.Equal(t, store.OpenedByInitial, rec.OpenedBy)
	f.venue.AssertExpectations(t)
}

func TestSupervisorOpenCycleRejectsBadRequests(t *testing.T) {
	f := newSupervisorFixture(t)
	f.start(t)
	ctx := context.Background()

	_, err := f.sup.OpenCycle(ctx, OpenRequest{Direction: venue.SideBuy, Strategy: "zone-basic"})
	require.ErrorContains(t, err, "symbol")

	_, err = f.sup.OpenCycle(ctx, OpenRequest{Symbol: "EURUSD", Direction: "long", Strategy: "zone-basic"})
	require.ErrorContains(t, err, "direction")

	_, err = f.sup.OpenCycle(ctx, OpenRequest{Symbol: "EURUSD", Direction: venue.SideBuy, Strategy: "nope"})
	require.ErrorContains(t, err, "unknown strategy")

	require.Empty(t, f.sup.ActiveCycles())
}

func TestSupervisorResumesActiveCyclesOnStart(t *testing.T) {
	f := newSupervisorFixture(t)

	f.store.putCycle(seededCycle("cyc-a", "EURUSD", 101, 1.0900, 1.1100))
	liveA, recA := seededOrder(101, "cyc-a", "EURUSD", 1.1000)
	f.store.putOrder(recA)

	// Cycle B's only order vanished while the engine was down.
	f.store.putCycle(seededCycle("cyc-b", "EURUSD", 999, 1.0900, 1.1100))
	_, recB := seededOrder(999, "cyc-b", "EURUSD", 1.1000)
	f.store.putOrder(recB)

	f.venue.On("Positions", mock.Anything).Return([]venue.Order{liveA}, nil)
	f.venue.On("PendingOrders", mock.Anything).Return(nil, nil)

	f.start(t)

	cs := f.sup.ActiveCycles()
	require.Len(t, cs, 1, "a cycle resolved during downtime must not get a worker")
	require.Equal(t, "cyc-a", cs[0].CycleID)
	require.Equal(t, cycle.StatusActive, cs[0].Status)

	closed, ok := f.store.cycleByID("cyc-b")
	require.True(t, ok)
	require.Equal(t, cycle.StatusClosed, closed.Status)
	require.Equal(t, cycle.CloseReconciled, closed.ClosingMethod)
}

func TestSupervisorStartFailsOnPartialState(t *testing.T) {
	// Venue unreadable while active cycles exist: resuming would mean
	// guessing which orders are alive.
	f := newSupervisorFixture(t)
	f.store.putCycle(seededCycle("cyc-a", "EURUSD", 101, 1.0900, 1.1100))
	f.venue.On("Positions", mock.Anything).Return(nil, context.DeadlineExceeded)
	require.ErrorContains(t, f.sup.Start(context.Background()), "venue order set")

	// Store unreadable: there is nothing trustworthy to resume from.
	f2 := newSupervisorFixture(t)
	f2.store.setDown(true)
	require.ErrorContains(t, f2.sup.Start(context.Background()), "list active cycles")
}

func TestSupervisorRoutesTicksBySymbol(t *testing.T) {
	f := newSupervisorFixture(t)

	f.store.putCycle(seededCycle("cyc-eur", "EURUSD", 101, 1.0900, 1.1100))
	liveEUR, recEUR := seededOrder(101, "cyc-eur", "EURUSD", 1.1000)
	f.store.putOrder(recEUR)

	f.store.putCycle(seededCycle("cyc-gbp", "GBPUSD", 102, 1.2600, 1.2800))
	liveGBP, recGBP := seededOrder(102, "cyc-gbp", "GBPUSD", 1.2700)
	recGBP.Profit = 100 // past the profit target; the next tick closes it
	f.store.putOrder(recGBP)

	f.venue.On("Positions", mock.Anything).Return([]venue.Order{liveEUR, liveGBP}, nil)
	f.venue.On("PendingOrders", mock.Anything).Return(nil, nil)
	f.venue.On("Close", mock.Anything, venue.Ticket(102), 5).Return(nil)

	f.start(t)
	require.Len(t, f.sup.ActiveCycles(), 2)

	gbpTick := venue.Tick{Symbol: "GBPUSD", Bid: 1.2700, Ask: 1.2700, Time: time.Now()}
	require.Eventually(t, func() bool {
		f.sup.NotifyTick(gbpTick)
		cs := f.sup.ActiveCycles()
		return len(cs) == 1 && cs[0].CycleID == "cyc-eur"
	}, 3*time.Second, 5*time.Millisecond)

	closed, _ := f.store.cycleByID("cyc-gbp")
	require.Equal(t, cycle.StatusClosed, closed.Status)
	require.Equal(t, cycle.CloseTakeProfit, closed.ClosingMethod)

	kept, _ := f.store.cycleByID("cyc-eur")
	require.Equal(t, cycle.StatusActive, kept.Status)
	f.venue.AssertNotCalled(t, "Close", mock.Anything, venue.Ticket(101), 5)
}

func TestSupervisorCloseCycle(t *testing.T) {
	f := newSupervisorFixture(t)

	f.store.putCycle(seededCycle("cyc-a", "EURUSD", 101, 1.0900, 1.1100))
	liveA, recA := seededOrder(101, "cyc-a", "EURUSD", 1.1000)
	f.store.putOrder(recA)

	f.venue.On("Positions", mock.Anything).Return([]venue.Order{liveA}, nil)
	f.venue.On("PendingOrders", mock.Anything).Return(nil, nil)
	f.venue.On("Close", mock.Anything, venue.Ticket(101), 5).Return(nil)

	f.start(t)
	ctx := context.Background()

	require.NoError(t, f.sup.CloseCycle(ctx, "cyc-a"))
	require.Eventually(t, func() bool {
		return len(f.sup.ActiveCycles()) == 0
	}, 3*time.Second, 5*time.Millisecond)

	closed, _ := f.store.cycleByID("cyc-a")
	require.Equal(t, cycle.StatusClosed, closed.Status)
	require.Equal(t, cycle.CloseManual, closed.ClosingMethod)

	// Closing again is a no-op now that the store shows it closed.
	require.NoError(t, f.sup.CloseCycle(ctx, "cyc-a"))

	require.ErrorContains(t, f.sup.CloseCycle(ctx, "cyc-missing"), "unknown cycle")

	// An open cycle nobody is running is an operator problem, not a silent
	// success.
	f.store.putCycle(seededCycle("cyc-stray", "EURUSD", 555, 1.0900, 1.1100))
	require.ErrorContains(t, f.sup.CloseCycle(ctx, "cyc-stray"), "no running worker")
}

func TestSupervisorReconcileSinkRoutesToWorker(t *testing.T) {
	f := newSupervisorFixture(t)

	f.store.putCycle(seededCycle("cyc-a", "EURUSD", 101, 1.0900, 1.1100))
	liveA, recA := seededOrder(101, "cyc-a", "EURUSD", 1.1000)
	f.store.putOrder(recA)

	f.venue.On("Positions", mock.Anything).Return([]venue.Order{liveA}, nil)
	f.venue.On("PendingOrders", mock.Anything).Return(nil, nil)

	f.start(t)

	f.sup.CycleOrdersClosed("cyc-a", []venue.Ticket{101})
	require.Eventually(t, func() bool {
		return len(f.sup.ActiveCycles()) == 0
	}, 3*time.Second, 5*time.Millisecond)

	closed, _ := f.store.cycleByID("cyc-a")
	require.Equal(t, cycle.StatusClosed, closed.Status)
	require.Equal(t, cycle.CloseReconciled, closed.ClosingMethod)
	f.venue.AssertNotCalled(t, "Close", mock.Anything, mock.Anything, mock.Anything)
}

func TestSupervisorFlagsUnclaimedOrders(t *testing.T) {
	f := newSupervisorFixture(t)

	// A correlation-tagged row with no cycle is the residue of a crash
	// between submission and resolution.
	_, rec := seededOrder(777, "", "EURUSD", 1.1000)
	rec.OpenedBy = ""
	f.store.putOrder(rec)

	f.start(t)

	require.Equal(t, 1, f.alerts.count())
	sev, msg := f.alerts.last()
	require.Equal(t, "warning", sev)
	require.Contains(t, msg, "never attached to a cycle")
}

func TestSupervisorCapturesAccountSnapshot(t *testing.T) {
	f := newSupervisorFixture(t)
	_, rec := seededOrder(101, "cyc-a", "EURUSD", 1.1000)
	f.store.putOrder(rec)
	f.start(t)

	f.sup.captureSnapshot(context.Background())

	require.Equal(t, 1, f.snaps.count())
	snap := f.snaps.recs[0]
	require.InDelta(t, 10000, snap.Balance, 1e-9)
	require.InDelta(t, 10100, snap.Equity, 1e-9)
	require.InDelta(t, 9900, snap.MarginFree, 1e-9)
	require.Equal(t, 1, snap.OpenPositions)
}
