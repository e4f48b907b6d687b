package cycle

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"cyclone/internal/gateway/venue"
)

// Machine is the decision core of one cycle. It consumes ticks and order
// lifecycle events, mutates the cycle, and emits Commands for its worker
// to execute. It is not safe for concurrent use; each cycle worker owns
// exactly one machine and drives it from a single goroutine.
//
// At most one order intent is unresolved at a time. After emitting a
// SubmitOrder the machine issues no further submissions until the worker
// reports OnOrderOpened or OnSubmitFailed, which keeps an ack-timeout
// from turning into a duplicate order.
type Machine struct {
	c           *Cycle
	info        venue.SymbolInfo
	maxAttempts int

	orders       map[venue.Ticket]orderRef
	inflight     *inflightIntent
	pendingClose ClosingMethod
}

// orderRef caches what the machine needs to know about a live order
// without reaching back to the ledger. Rebuilt from the venue on restart.
type orderRef struct {
	side    venue.Side
	volume  float64
	pending bool
	level   float64
	// covers is the breakout side a pre-positioned pending order guards.
	covers venue.Side
}

type inflightIntent struct {
	role     Role
	breakout venue.Side
	lotStep  int
}

// NewMachine wraps a cycle in its decision core. maxAttempts bounds venue
// submission retries before the cycle degrades to hedge_failed.
func NewMachine(c *Cycle, info venue.SymbolInfo, maxAttempts int) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	m := &Machine{
		c:           c,
		info:        info,
		maxAttempts: maxAttempts,
		orders:      make(map[venue.Ticket]orderRef),
	}
	if c.Status == StatusClosing && c.ClosingMethod != "" {
		m.pendingClose = c.ClosingMethod
	}
	return m
}

// Cycle returns the cycle the machine drives. The worker persists it
// after every event.
func (m *Machine) Cycle() *Cycle { return m.c }

// Rehydrate restores the in-memory order cache from the venue's live view
// after a restart. Role-set tickets absent from the live set were closed
// while the engine was down and are folded into the closed set.
func (m *Machine) Rehydrate(open []venue.Order) []Command {
	live := make(map[venue.Ticket]venue.Order, len(open))
	for _, o := range open {
		live[o.Ticket] = o
	}
	var stale []venue.Ticket
	for _, t := range m.c.Roles.Open() {
		o, ok := live[t]
		if !ok {
			stale = append(stale, t)
			continue
		}
		ref := orderRef{
			side:    o.Type.Side(),
			volume:  o.Volume,
			pending: o.Kind == venue.KindPending,
			level:   o.OpenPrice,
		}
		if ref.pending {
			ref.covers = m.sideOfLevel(o.OpenPrice)
		}
		m.orders[t] = ref
	}
	if len(stale) > 0 {
		return m.OnOrdersClosed(stale)
	}
	// The persisted label can lag the role sets when a crash landed between
	// an order event and its status write.
	m.refreshStatus()
	return nil
}

// OnTick reacts to one quote. The worker guarantees the previous tick's
// reaction finished first, so ordering here is strict per cycle.
func (m *Machine) OnTick(tick venue.Tick) []Command {
	if tick.Symbol != "" && !strings.EqualFold(tick.Symbol, m.c.Symbol) {
		return nil
	}
	price := tick.Mid()
	if price <= 0 {
		return nil
	}

	switch m.c.Status {
	case StatusClosed, StatusHedgeFailed:
		return nil
	case StatusClosing:
		return m.reissueCloses()
	}

	if m.c.Status == StatusPendingOpen && len(m.c.Roles.Initial) == 0 {
		return m.ensureInitial()
	}
	if cmds := m.closeOnTargets(); cmds != nil {
		return cmds
	}

	dir, out := m.c.BreakoutSide(price)
	if out {
		return m.onBreakout(dir)
	}
	if m.c.ThresholdEnabled() {
		return m.onThresholdBand(price)
	}
	return nil
}

// OnOrderOpened records a confirmed submission. Zone and lot bookkeeping
// advance here rather than at submit time, so a failed submission leaves
// the band untouched and the next tick can retry against it.
func (m *Machine) OnOrderOpened(role Role, ord venue.Order) []Command {
	fl := m.inflight
	if fl != nil && fl.role == role {
		m.inflight = nil
	} else {
		fl = nil
	}
	m.c.HedgeAttempts = 0

	ref := orderRef{
		side:    ord.Type.Side(),
		volume:  ord.Volume,
		pending: ord.Kind == venue.KindPending,
		level:   ord.OpenPrice,
	}
	if fl != nil {
		ref.covers = fl.breakout
	} else if ref.pending {
		ref.covers = m.sideOfLevel(ord.OpenPrice)
	}
	m.orders[ord.Ticket] = ref

	switch role {
	case RoleInitial:
		m.c.Roles.Add(RoleInitial, ord.Ticket)
		if m.c.LowerBound == 0 && m.c.UpperBound == 0 {
			m.applyBand(m.c.Params.BandAround(ord.OpenPrice, m.info.Point, m.info.Digits))
		}
	case RoleHedge:
		m.c.Roles.Add(RoleHedge, ord.Ticket)
		if fl != nil {
			m.advanceZone(fl.breakout)
		}
	case RoleRecovery:
		m.recordRecovery(ord.Ticket)
		if fl != nil {
			if fl.lotStep > m.c.LotIdx {
				m.c.LotIdx = fl.lotStep
			}
			m.advanceZone(fl.breakout)
		}
	default:
		m.c.Roles.Add(role, ord.Ticket)
	}

	m.refreshStatus()
	if m.c.Status == StatusClosing {
		// A close-all raced the submission; fold the straggler in.
		return m.reissueCloses()
	}
	return nil
}

// OnSubmitFailed records a definitive submission failure. The breakout or
// entry condition still holds, so the next tick retries until the attempt
// budget is spent and the cycle degrades for operator attention.
func (m *Machine) OnSubmitFailed(role Role, err error) []Command {
	m.inflight = nil
	m.c.HedgeAttempts++
	if m.c.HedgeAttempts < m.maxAttempts {
		return nil
	}
	if m.c.Status == StatusHedgeFailed || m.c.Status == StatusClosed {
		return nil
	}
	m.c.Status = StatusHedgeFailed
	msg := fmt.Sprintf("cycle %s on %s: %s submission failed %d times, halting new orders: %v",
		m.c.CycleID, m.c.Symbol, role, m.c.HedgeAttempts, err)
	return []Command{Alert{Severity: AlertCritical, Message: msg}}
}

// OnPendingFilled promotes a pre-positioned order the venue executed into
// the hedge or recovery role it was parked for.
func (m *Machine) OnPendingFilled(ord venue.Order) []Command {
	ref, ok := m.orders[ord.Ticket]
	if !ok {
		role, found := m.c.Roles.RoleOf(ord.Ticket)
		if !found || role != RolePending {
			return nil
		}
		ref = orderRef{covers: m.sideOfLevel(ord.OpenPrice)}
	}
	dir := ref.covers
	if dir == "" {
		dir = m.sideOfLevel(ord.OpenPrice)
	}

	wasLocked := m.c.Locked()
	m.orders[ord.Ticket] = orderRef{
		side:   ord.Type.Side(),
		volume: ord.Volume,
		level:  ord.OpenPrice,
	}
	if wasLocked {
		next := m.c.LotIdx + 1
		m.recordRecovery(ord.Ticket)
		m.c.LotIdx = next
	} else {
		m.c.Roles.Add(RoleHedge, ord.Ticket)
	}
	m.advanceZone(dir)
	m.refreshStatus()
	if m.c.Status == StatusClosing {
		return m.reissueCloses()
	}
	return nil
}

// OnOrdersClosed folds ledger-confirmed closes into the role sets. Once
// every referenced order is closed the cycle finalizes; without a close
// intent of our own on record the method is reconciled.
func (m *Machine) OnOrdersClosed(tickets []venue.Ticket) []Command {
	changed := false
	for _, t := range tickets {
		if m.c.Roles.MoveToClosed(t) {
			changed = true
		}
		delete(m.orders, t)
	}
	if !changed {
		return nil
	}
	if m.c.Roles.AllOpenClosed() && !m.c.Roles.Empty() {
		return m.finalize()
	}
	m.refreshStatus()
	return nil
}

// RequestClose starts an operator-initiated close. Accepted in any state
// before terminal; new hedge and recovery intents stop immediately while
// close submissions run to completion.
func (m *Machine) RequestClose() []Command {
	switch m.c.Status {
	case StatusClosed:
		return nil
	case StatusClosing:
		return m.reissueCloses()
	}
	return m.beginCloseAll(CloseManual)
}

// NetExposure is the signed open volume, positive for net long.
func (m *Machine) NetExposure() float64 {
	return m.netExposure().InexactFloat64()
}

func (m *Machine) ensureInitial() []Command {
	if m.inflight != nil {
		return nil
	}
	in := m.marketIntent(m.c.Direction, m.c.Params.VolumeFor(0), true)
	m.inflight = &inflightIntent{role: RoleInitial}
	return []Command{SubmitOrder{Role: RoleInitial, Intent: in}}
}

func (m *Machine) closeOnTargets() []Command {
	if !m.hasOpenPositions() {
		return nil
	}
	p := m.c.Params
	if p.MaxDrawdown > 0 && m.c.TotalProfit <= -p.MaxDrawdown {
		return m.beginCloseAll(CloseStopOut)
	}
	if p.ProfitTarget > 0 && m.c.TotalProfit >= p.ProfitTarget {
		return m.beginCloseAll(CloseTakeProfit)
	}
	return nil
}

func (m *Machine) onBreakout(dir venue.Side) []Command {
	cmds := m.cancelPendingNotCovering(dir)
	if m.hasPendingCovering(dir) {
		// The resting order at this bound fills venue-side; reconciliation
		// reports it, nothing to submit here.
		return cmds
	}
	if m.inflight != nil {
		return cmds
	}
	if m.c.Locked() && m.c.LotIdx+1 > m.c.Params.RecoveryLimit() {
		return append(cmds, m.beginCloseAll(CloseRecoveryExhausted)...)
	}
	side, vol, ok := m.breakoutOrderFor(dir)
	if !ok {
		return cmds
	}
	role := RoleHedge
	lotStep := 0
	withStops := false
	if m.c.Locked() {
		role = RoleRecovery
		lotStep = m.c.LotIdx + 1
		withStops = true
	}
	in := m.marketIntent(side, vol, withStops)
	m.inflight = &inflightIntent{role: role, breakout: dir, lotStep: lotStep}
	return append(cmds, SubmitOrder{Role: role, Intent: in})
}

// onThresholdBand manages the margin between the inner band and the outer
// bound: entering it parks a resting order at the bound so a true breakout
// executes venue-side with no engine latency, retreating cancels it.
func (m *Machine) onThresholdBand(price float64) []Command {
	if m.c.InThreshold(price) {
		return m.cancelPendingAll("price back inside inner band")
	}
	dir := venue.SideSell
	level := m.c.LowerBound
	if price > m.c.ThresholdUpper {
		dir = venue.SideBuy
		level = m.c.UpperBound
	}
	cmds := m.cancelPendingNotCovering(dir)
	if m.hasPendingCovering(dir) || m.inflight != nil {
		return cmds
	}
	side, vol, ok := m.breakoutOrderFor(dir)
	if !ok {
		return cmds
	}
	in := venue.Intent{
		Symbol:      m.c.Symbol,
		Type:        venue.StopFor(side, level > price),
		Volume:      vol,
		Price:       level,
		Magic:       m.c.Magic,
		Correlation: venue.NewCorrelation(),
	}
	if m.c.Locked() {
		in.StopLoss = m.c.Params.StopLossDistance
		in.TakeProfit = m.c.Params.TakeProfitDistance
		in.StopUnit = m.c.Params.StopUnit
	}
	m.inflight = &inflightIntent{role: RolePending, breakout: dir}
	return append(cmds, SubmitOrder{Role: RolePending, Intent: in})
}

// breakoutOrderFor sizes the order a breakout on dir requires: opposite
// the net exposure while unlocked, the next progression step on the
// breakout side once locked.
func (m *Machine) breakoutOrderFor(dir venue.Side) (venue.Side, float64, bool) {
	if !m.c.Locked() {
		net := m.netExposure()
		switch net.Sign() {
		case 0:
			return "", 0, false
		case 1:
			return venue.SideSell, net.InexactFloat64(), true
		default:
			return venue.SideBuy, net.Neg().InexactFloat64(), true
		}
	}
	next := m.c.LotIdx + 1
	if next > m.c.Params.RecoveryLimit() {
		return "", 0, false
	}
	return dir, m.c.Params.VolumeFor(next), true
}

func (m *Machine) beginCloseAll(method ClosingMethod) []Command {
	m.pendingClose = method
	m.c.ClosingMethod = method
	m.c.Status = StatusClosing
	m.inflight = nil
	return m.reissueCloses()
}

// reissueCloses re-emits a close for every open ticket. Close is
// idempotent at the venue, so repeating it each tick until reconciliation
// confirms costs nothing and survives transient failures.
func (m *Machine) reissueCloses() []Command {
	open := m.c.Roles.Open()
	if len(open) == 0 {
		return m.finalize()
	}
	cmds := make([]Command, 0, len(open))
	for _, t := range open {
		cmds = append(cmds, CloseTicket{Ticket: t, Reason: string(m.pendingClose)})
	}
	return cmds
}

func (m *Machine) finalize() []Command {
	if m.c.Status == StatusClosed {
		return nil
	}
	method := m.pendingClose
	if method == "" {
		method = CloseReconciled
	}
	m.c.ClosingMethod = method
	m.c.Status = StatusClosed
	return []Command{FinalizeCycle{Method: method}}
}

// recordRecovery keeps max_recovery pointing at the deepest step: earlier
// occupants move back to the recovery set, the new ticket takes the slot.
func (m *Machine) recordRecovery(t venue.Ticket) {
	prev := append([]venue.Ticket(nil), m.c.Roles.MaxRecovery...)
	for _, p := range prev {
		m.c.Roles.Add(RoleRecovery, p)
	}
	m.c.Roles.Add(RoleMaxRecovery, t)
}

func (m *Machine) advanceZone(dir venue.Side) {
	if dir != venue.SideBuy && dir != venue.SideSell {
		return
	}
	lower := decimal.NewFromFloat(m.c.LowerBound)
	upper := decimal.NewFromFloat(m.c.UpperBound)
	width := upper.Sub(lower)
	if width.Sign() <= 0 {
		return
	}
	if dir == venue.SideBuy {
		lower = upper
		upper = upper.Add(width)
	} else {
		upper = lower
		lower = lower.Sub(width)
	}
	d := int32(m.info.Digits)
	m.c.LowerBound = lower.Round(d).InexactFloat64()
	m.c.UpperBound = upper.Round(d).InexactFloat64()
	m.applyThresholdLevels()
	m.c.ZoneIndex++
}

func (m *Machine) applyBand(b Band) {
	m.c.LowerBound = b.Lower
	m.c.UpperBound = b.Upper
	m.c.ThresholdLower = b.ThresholdLower
	m.c.ThresholdUpper = b.ThresholdUpper
	if m.c.Params.ThresholdInsetPoints > 0 {
		m.c.Threshold = m.c.Params.ThresholdInsetPoints
	}
}

func (m *Machine) applyThresholdLevels() {
	if m.c.Threshold <= 0 {
		m.c.ThresholdLower, m.c.ThresholdUpper = 0, 0
		return
	}
	point := m.info.Point
	if point <= 0 {
		point = 1e-5
	}
	inset := decimal.NewFromFloat(m.c.Threshold).Mul(decimal.NewFromFloat(point))
	d := int32(m.info.Digits)
	m.c.ThresholdLower = decimal.NewFromFloat(m.c.LowerBound).Add(inset).Round(d).InexactFloat64()
	m.c.ThresholdUpper = decimal.NewFromFloat(m.c.UpperBound).Sub(inset).Round(d).InexactFloat64()
}

func (m *Machine) refreshStatus() {
	switch m.c.Status {
	case StatusClosing, StatusClosed, StatusHedgeFailed:
		return
	}
	m.c.Status = m.c.DerivedStatus()
}

func (m *Machine) marketIntent(side venue.Side, volume float64, withStops bool) venue.Intent {
	t := venue.TypeBuy
	if side == venue.SideSell {
		t = venue.TypeSell
	}
	in := venue.Intent{
		Symbol:      m.c.Symbol,
		Type:        t,
		Volume:      volume,
		Magic:       m.c.Magic,
		Correlation: venue.NewCorrelation(),
	}
	if withStops {
		in.StopLoss = m.c.Params.StopLossDistance
		in.TakeProfit = m.c.Params.TakeProfitDistance
		in.StopUnit = m.c.Params.StopUnit
	}
	return in
}

func (m *Machine) netExposure() decimal.Decimal {
	net := decimal.Zero
	for _, t := range m.c.Roles.Open() {
		ref, ok := m.orders[t]
		if !ok || ref.pending {
			continue
		}
		v := decimal.NewFromFloat(ref.volume)
		if ref.side == venue.SideSell {
			net = net.Sub(v)
		} else {
			net = net.Add(v)
		}
	}
	return net
}

func (m *Machine) hasOpenPositions() bool {
	for _, t := range m.c.Roles.Open() {
		if ref, ok := m.orders[t]; ok && !ref.pending {
			return true
		}
	}
	return false
}

func (m *Machine) hasPendingCovering(dir venue.Side) bool {
	for _, t := range m.c.Roles.Pending {
		if ref, ok := m.orders[t]; ok && ref.covers == dir {
			return true
		}
	}
	return false
}

func (m *Machine) cancelPendingNotCovering(dir venue.Side) []Command {
	var cmds []Command
	for _, t := range m.c.Roles.Pending {
		if ref, ok := m.orders[t]; ok && ref.covers == dir {
			continue
		}
		cmds = append(cmds, CloseTicket{Ticket: t, Reason: "pre-position on wrong side"})
	}
	return cmds
}

func (m *Machine) cancelPendingAll(reason string) []Command {
	var cmds []Command
	for _, t := range m.c.Roles.Pending {
		cmds = append(cmds, CloseTicket{Ticket: t, Reason: reason})
	}
	return cmds
}

// sideOfLevel guesses which bound a price level belongs to, used when a
// rehydrated pending order carries no recorded breakout side.
func (m *Machine) sideOfLevel(level float64) venue.Side {
	mid := (m.c.LowerBound + m.c.UpperBound) / 2
	if level > mid {
		return venue.SideBuy
	}
	return venue.SideSell
}
