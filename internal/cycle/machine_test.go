package cycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclone/internal/gateway/venue"
)

func testSymbolInfo() venue.SymbolInfo {
	return venue.SymbolInfo{
		Name:       "EURUSD",
		Digits:     4,
		Point:      0.0001,
		VolumeMin:  0.01,
		VolumeMax:  100,
		VolumeStep: 0.01,
	}
}

func testParams() Params {
	return Params{
		ZoneSizePoints: 100,
		InitialVolume:  0.10,
		LotProgression: []float64{0.20, 0.40},
		ProfitTarget:   50,
	}
}

func tickAt(price float64) venue.Tick {
	return venue.Tick{Symbol: "EURUSD", Bid: price, Ask: price}
}

// activeMachine walks a fresh cycle through its initial fill at 1.1000 so
// the band sits at [1.0900, 1.1100].
func activeMachine(t *testing.T, params Params) *Machine {
	t.Helper()
	c := &Cycle{
		CycleID:   "c-test-1",
		Symbol:    "EURUSD",
		Account:   1001,
		Bot:       "cyclone",
		Status:    StatusPendingOpen,
		Direction: venue.SideBuy,
		Params:    params,
		Magic:     20817,
	}
	m := NewMachine(c, testSymbolInfo(), 3)

	cmds := m.OnTick(tickAt(1.1000))
	require.Len(t, cmds, 1)
	sub, ok := cmds[0].(SubmitOrder)
	require.True(t, ok)
	require.Equal(t, RoleInitial, sub.Role)
	require.Equal(t, venue.TypeBuy, sub.Intent.Type)
	require.Equal(t, 0.10, sub.Intent.Volume)

	m.OnOrderOpened(RoleInitial, venue.Order{
		Ticket:    101,
		Symbol:    "EURUSD",
		Type:      venue.TypeBuy,
		Kind:      venue.KindPosition,
		Volume:    0.10,
		OpenPrice: 1.1000,
	})
	return m
}

func submittedOrder(t *testing.T, cmds []Command) SubmitOrder {
	t.Helper()
	for _, cmd := range cmds {
		if sub, ok := cmd.(SubmitOrder); ok {
			return sub
		}
	}
	t.Fatalf("no SubmitOrder in %v", cmds)
	return SubmitOrder{}
}

func closedTickets(cmds []Command) []venue.Ticket {
	var out []venue.Ticket
	for _, cmd := range cmds {
		if cl, ok := cmd.(CloseTicket); ok {
			out = append(out, cl.Ticket)
		}
	}
	return out
}

func TestMachineInitialFillAnchorsBand(t *testing.T) {
	m := activeMachine(t, testParams())
	c := m.Cycle()

	assert.Equal(t, StatusActive, c.Status)
	assert.InDelta(t, 1.0900, c.LowerBound, 1e-9)
	assert.InDelta(t, 1.1100, c.UpperBound, 1e-9)
	assert.Equal(t, []venue.Ticket{101}, c.Roles.Initial)
	assert.Equal(t, 0, c.ZoneIndex)
	assert.InDelta(t, 0.10, m.NetExposure(), 1e-9)
}

func TestMachineUpperBreakoutHedgesNetLong(t *testing.T) {
	m := activeMachine(t, testParams())

	cmds := m.OnTick(tickAt(1.1105))
	sub := submittedOrder(t, cmds)
	assert.Equal(t, RoleHedge, sub.Role)
	assert.Equal(t, venue.TypeSell, sub.Intent.Type)
	assert.InDelta(t, 0.10, sub.Intent.Volume, 1e-9)
	assert.Contains(t, sub.Intent.Correlation, "cyc-")
	assert.Zero(t, sub.Intent.StopLoss, "hedges hold the lock, no working stop")

	m.OnOrderOpened(RoleHedge, venue.Order{
		Ticket: 102, Symbol: "EURUSD", Type: venue.TypeSell,
		Kind: venue.KindPosition, Volume: 0.10, OpenPrice: 1.1105,
	})

	c := m.Cycle()
	assert.Equal(t, 1, c.ZoneIndex)
	assert.InDelta(t, 1.1100, c.LowerBound, 1e-9)
	assert.InDelta(t, 1.1300, c.UpperBound, 1e-9)
	assert.Equal(t, StatusHedging, c.Status)
	assert.True(t, c.Locked())
	assert.InDelta(t, 0, m.NetExposure(), 1e-9)
}

func TestMachineLowerBreakoutStillSellsNetLong(t *testing.T) {
	m := activeMachine(t, testParams())

	cmds := m.OnTick(tickAt(1.0895))
	sub := submittedOrder(t, cmds)
	assert.Equal(t, RoleHedge, sub.Role)
	assert.Equal(t, venue.TypeSell, sub.Intent.Type)

	m.OnOrderOpened(RoleHedge, venue.Order{
		Ticket: 102, Type: venue.TypeSell, Kind: venue.KindPosition,
		Volume: 0.10, OpenPrice: 1.0895,
	})

	c := m.Cycle()
	assert.InDelta(t, 1.0700, c.LowerBound, 1e-9)
	assert.InDelta(t, 1.0900, c.UpperBound, 1e-9)
	assert.Equal(t, 1, c.ZoneIndex)
}

func TestMachineLockedBreakoutDeepensWithRecovery(t *testing.T) {
	m := activeMachine(t, testParams())
	m.OnTick(tickAt(1.1105))
	m.OnOrderOpened(RoleHedge, venue.Order{
		Ticket: 102, Type: venue.TypeSell, Kind: venue.KindPosition,
		Volume: 0.10, OpenPrice: 1.1105,
	})

	cmds := m.OnTick(tickAt(1.1305))
	sub := submittedOrder(t, cmds)
	assert.Equal(t, RoleRecovery, sub.Role)
	assert.Equal(t, venue.TypeBuy, sub.Intent.Type, "recovery chases the breakout side")
	assert.InDelta(t, 0.20, sub.Intent.Volume, 1e-9)

	m.OnOrderOpened(RoleRecovery, venue.Order{
		Ticket: 103, Type: venue.TypeBuy, Kind: venue.KindPosition,
		Volume: 0.20, OpenPrice: 1.1305,
	})
	c := m.Cycle()
	assert.Equal(t, 1, c.LotIdx)
	assert.Equal(t, 2, c.ZoneIndex)
	assert.Equal(t, StatusRecovering, c.Status)
	assert.Equal(t, []venue.Ticket{103}, c.Roles.MaxRecovery)

	cmds = m.OnTick(tickAt(1.1505))
	sub = submittedOrder(t, cmds)
	assert.InDelta(t, 0.40, sub.Intent.Volume, 1e-9)

	m.OnOrderOpened(RoleRecovery, venue.Order{
		Ticket: 104, Type: venue.TypeBuy, Kind: venue.KindPosition,
		Volume: 0.40, OpenPrice: 1.1505,
	})
	assert.Equal(t, 2, c.LotIdx, "lot index only ever advances")
	assert.Equal(t, 3, c.ZoneIndex)
	assert.Equal(t, []venue.Ticket{104}, c.Roles.MaxRecovery, "deepest step holds the slot")
	assert.Contains(t, c.Roles.Recovery, venue.Ticket(103))
}

func TestMachineRecoveryExhaustionStopsOut(t *testing.T) {
	m := activeMachine(t, testParams())
	m.OnTick(tickAt(1.1105))
	m.OnOrderOpened(RoleHedge, venue.Order{Ticket: 102, Type: venue.TypeSell, Kind: venue.KindPosition, Volume: 0.10, OpenPrice: 1.1105})
	m.OnTick(tickAt(1.1305))
	m.OnOrderOpened(RoleRecovery, venue.Order{Ticket: 103, Type: venue.TypeBuy, Kind: venue.KindPosition, Volume: 0.20, OpenPrice: 1.1305})
	m.OnTick(tickAt(1.1505))
	m.OnOrderOpened(RoleRecovery, venue.Order{Ticket: 104, Type: venue.TypeBuy, Kind: venue.KindPosition, Volume: 0.40, OpenPrice: 1.1505})

	cmds := m.OnTick(tickAt(1.1705))
	c := m.Cycle()
	assert.Equal(t, StatusClosing, c.Status)
	assert.Equal(t, CloseRecoveryExhausted, c.ClosingMethod)
	assert.ElementsMatch(t, []venue.Ticket{101, 102, 103, 104}, closedTickets(cmds))

	final := m.OnOrdersClosed([]venue.Ticket{101, 102, 103, 104})
	require.Len(t, final, 1)
	fin, ok := final[0].(FinalizeCycle)
	require.True(t, ok)
	assert.Equal(t, CloseRecoveryExhausted, fin.Method)
	assert.Equal(t, StatusClosed, c.Status)
}

func TestMachineSubmitFailureDegradesAfterRetries(t *testing.T) {
	m := activeMachine(t, testParams())
	errRejected := errors.New("market closed")

	first := submittedOrder(t, m.OnTick(tickAt(1.1105)))
	assert.Empty(t, m.OnSubmitFailed(RoleHedge, errRejected))

	second := submittedOrder(t, m.OnTick(tickAt(1.1106)))
	assert.NotEqual(t, first.Intent.Correlation, second.Intent.Correlation,
		"a fresh intent gets a fresh correlation key")
	assert.Empty(t, m.OnSubmitFailed(RoleHedge, errRejected))

	submittedOrder(t, m.OnTick(tickAt(1.1107)))
	cmds := m.OnSubmitFailed(RoleHedge, errRejected)
	require.Len(t, cmds, 1)
	alert, ok := cmds[0].(Alert)
	require.True(t, ok)
	assert.Equal(t, AlertCritical, alert.Severity)
	assert.Equal(t, StatusHedgeFailed, m.Cycle().Status)

	assert.Empty(t, m.OnTick(tickAt(1.1200)), "degraded cycles issue no new orders")
}

func TestMachineHoldsFireWhileSubmissionUnresolved(t *testing.T) {
	m := activeMachine(t, testParams())

	submittedOrder(t, m.OnTick(tickAt(1.1105)))
	for _, cmd := range m.OnTick(tickAt(1.1110)) {
		_, isSubmit := cmd.(SubmitOrder)
		assert.False(t, isSubmit, "no second submission before the first resolves")
	}
}

func TestMachineProfitTargetTakesProfit(t *testing.T) {
	m := activeMachine(t, testParams())
	m.Cycle().TotalProfit = 62.5

	cmds := m.OnTick(tickAt(1.1050))
	assert.Equal(t, []venue.Ticket{101}, closedTickets(cmds))
	assert.Equal(t, StatusClosing, m.Cycle().Status)
	assert.Equal(t, CloseTakeProfit, m.Cycle().ClosingMethod)

	final := m.OnOrdersClosed([]venue.Ticket{101})
	require.Len(t, final, 1)
	assert.Equal(t, CloseTakeProfit, final[0].(FinalizeCycle).Method)
}

func TestMachineDrawdownStopsOut(t *testing.T) {
	p := testParams()
	p.MaxDrawdown = 100
	m := activeMachine(t, p)
	m.Cycle().TotalProfit = -130

	m.OnTick(tickAt(1.1050))
	assert.Equal(t, StatusClosing, m.Cycle().Status)
	assert.Equal(t, CloseStopOut, m.Cycle().ClosingMethod)
}

func TestMachineThresholdParksAndCancels(t *testing.T) {
	p := testParams()
	p.ThresholdInsetPoints = 20
	m := activeMachine(t, p)
	c := m.Cycle()
	require.InDelta(t, 1.0920, c.ThresholdLower, 1e-9)
	require.InDelta(t, 1.1080, c.ThresholdUpper, 1e-9)

	cmds := m.OnTick(tickAt(1.1090))
	sub := submittedOrder(t, cmds)
	assert.Equal(t, RolePending, sub.Role)
	assert.Equal(t, venue.TypeSellLimit, sub.Intent.Type,
		"a net-long hedge above market rests as a sell limit")
	assert.InDelta(t, 1.1100, sub.Intent.Price, 1e-9)
	assert.InDelta(t, 0.10, sub.Intent.Volume, 1e-9)

	m.OnOrderOpened(RolePending, venue.Order{
		Ticket: 105, Type: venue.TypeSellLimit, Kind: venue.KindPending,
		Volume: 0.10, OpenPrice: 1.1100,
	})
	assert.Equal(t, []venue.Ticket{105}, c.Roles.Pending)
	assert.Equal(t, StatusActive, c.Status, "a parked order does not change the phase")

	cmds = m.OnTick(tickAt(1.1000))
	assert.Equal(t, []venue.Ticket{105}, closedTickets(cmds), "retreat cancels the parked order")

	m.OnOrdersClosed([]venue.Ticket{105})
	assert.Empty(t, c.Roles.Pending)
	assert.Equal(t, StatusActive, c.Status)
}

func TestMachinePendingFillPromotesToHedge(t *testing.T) {
	p := testParams()
	p.ThresholdInsetPoints = 20
	m := activeMachine(t, p)

	m.OnTick(tickAt(1.1090))
	m.OnOrderOpened(RolePending, venue.Order{
		Ticket: 105, Type: venue.TypeSellLimit, Kind: venue.KindPending,
		Volume: 0.10, OpenPrice: 1.1100,
	})

	m.OnPendingFilled(venue.Order{
		Ticket: 105, Type: venue.TypeSell, Kind: venue.KindPosition,
		Volume: 0.10, OpenPrice: 1.1100,
	})
	c := m.Cycle()
	assert.Equal(t, []venue.Ticket{105}, c.Roles.Hedge)
	assert.Empty(t, c.Roles.Pending)
	assert.Equal(t, 1, c.ZoneIndex)
	assert.InDelta(t, 1.1100, c.LowerBound, 1e-9)
	assert.InDelta(t, 1.1300, c.UpperBound, 1e-9)
	assert.Equal(t, StatusHedging, c.Status)
}

func TestMachineManualCloseFromAnyState(t *testing.T) {
	t.Run("active", func(t *testing.T) {
		m := activeMachine(t, testParams())
		cmds := m.RequestClose()
		assert.Equal(t, []venue.Ticket{101}, closedTickets(cmds))
		assert.Equal(t, StatusClosing, m.Cycle().Status)
		assert.Equal(t, CloseManual, m.Cycle().ClosingMethod)
	})

	t.Run("hedge failed", func(t *testing.T) {
		m := activeMachine(t, testParams())
		err := errors.New("no connection")
		for i := 0; i < 3; i++ {
			m.OnTick(tickAt(1.1105 + float64(i)*0.0001))
			m.OnSubmitFailed(RoleHedge, err)
		}
		require.Equal(t, StatusHedgeFailed, m.Cycle().Status)

		cmds := m.RequestClose()
		assert.Equal(t, []venue.Ticket{101}, closedTickets(cmds))
		assert.Equal(t, StatusClosing, m.Cycle().Status)
	})

	t.Run("closed is a no-op", func(t *testing.T) {
		m := activeMachine(t, testParams())
		m.RequestClose()
		m.OnOrdersClosed([]venue.Ticket{101})
		require.Equal(t, StatusClosed, m.Cycle().Status)
		assert.Empty(t, m.RequestClose())
	})
}

func TestMachineAllOrdersVanishedFinalizesReconciled(t *testing.T) {
	m := activeMachine(t, testParams())

	final := m.OnOrdersClosed([]venue.Ticket{101})
	require.Len(t, final, 1)
	fin, ok := final[0].(FinalizeCycle)
	require.True(t, ok)
	assert.Equal(t, CloseReconciled, fin.Method)
	assert.Equal(t, StatusClosed, m.Cycle().Status)
}

func TestMachineRehydrate(t *testing.T) {
	newPersisted := func() *Cycle {
		return &Cycle{
			CycleID:    "c-rehydrate",
			Symbol:     "EURUSD",
			Status:     StatusHedging,
			Direction:  venue.SideBuy,
			LowerBound: 1.1100,
			UpperBound: 1.1300,
			ZoneIndex:  1,
			Params:     testParams(),
			Roles: RoleSets{
				Initial: []venue.Ticket{101},
				Hedge:   []venue.Ticket{102},
			},
		}
	}

	t.Run("stale reference folds into closed", func(t *testing.T) {
		m := NewMachine(newPersisted(), testSymbolInfo(), 3)
		cmds := m.Rehydrate([]venue.Order{
			{Ticket: 102, Type: venue.TypeSell, Kind: venue.KindPosition, Volume: 0.10, OpenPrice: 1.1105},
		})
		assert.Empty(t, cmds)
		c := m.Cycle()
		assert.Empty(t, c.Roles.Initial)
		assert.Contains(t, c.Roles.Closed, venue.Ticket(101))
		assert.Equal(t, []venue.Ticket{102}, c.Roles.Hedge)
		assert.InDelta(t, -0.10, m.NetExposure(), 1e-9)
	})

	t.Run("everything gone closes the cycle", func(t *testing.T) {
		m := NewMachine(newPersisted(), testSymbolInfo(), 3)
		cmds := m.Rehydrate(nil)
		require.Len(t, cmds, 1)
		fin, ok := cmds[0].(FinalizeCycle)
		require.True(t, ok)
		assert.Equal(t, CloseReconciled, fin.Method)
	})

	t.Run("label catches up with roles", func(t *testing.T) {
		c := newPersisted()
		c.Status = StatusPendingOpen
		m := NewMachine(c, testSymbolInfo(), 3)
		m.Rehydrate([]venue.Order{
			{Ticket: 101, Type: venue.TypeBuy, Kind: venue.KindPosition, Volume: 0.10, OpenPrice: 1.1000},
			{Ticket: 102, Type: venue.TypeSell, Kind: venue.KindPosition, Volume: 0.10, OpenPrice: 1.1105},
		})
		assert.Equal(t, StatusHedging, c.Status)
	})
}

func TestMachineIgnoresForeignAndEmptyTicks(t *testing.T) {
	m := activeMachine(t, testParams())

	assert.Empty(t, m.OnTick(venue.Tick{Symbol: "GBPUSD", Bid: 2.5, Ask: 2.5}))
	assert.Empty(t, m.OnTick(venue.Tick{Symbol: "EURUSD"}))
	assert.Equal(t, StatusActive, m.Cycle().Status)
}
