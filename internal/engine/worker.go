// Package engine runs cycles against a venue. A supervisor owns one
// worker per active cycle and routes ticks and reconciliation events to
// it; each worker is a single-goroutine actor, so every decision for a
// cycle is strictly ordered even though cycles run concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"cyclone/internal/cycle"
	"cyclone/internal/gateway/venue"
	"cyclone/internal/logger"
	"cyclone/internal/pkg/backoff"
	"cyclone/internal/pkg/circuit"
	"cyclone/internal/pkg/idempotency"
	"cyclone/internal/store"
	"cyclone/internal/store/journal"
)

// Notifier delivers operator alerts. Implementations must tolerate being
// called from multiple workers at once.
type Notifier interface {
	Notify(ctx context.Context, severity, message string) error
}

// workerEvent is a message delivered to a worker's mailbox.
type workerEvent interface{ workerEvent() }

type eventOrdersClosed struct{ tickets []venue.Ticket }

type eventPendingFilled struct{ order venue.Order }

type eventCloseRequest struct{ reply chan error }

func (eventOrdersClosed) workerEvent()  {}
func (eventPendingFilled) workerEvent() {}
func (eventCloseRequest) workerEvent()  {}

// unresolvedSubmit tracks a venue submission whose outcome is unknown: the
// send may have landed even though no acknowledgement came back. The worker
// holds fire until reconciliation surfaces the order or the deadline passes.
type unresolvedSubmit struct {
	role        cycle.Role
	correlation string
	ticket      venue.Ticket
	deadline    time.Time
}

const (
	defaultResolveWait  = 30 * time.Second
	venueOpTimeout      = 20 * time.Second
	slowHandlerWarnAt   = 500 * time.Millisecond
	closeRequestTimeout = 15 * time.Second
)

// WorkerParams wires one worker to its collaborators.
type WorkerParams struct {
	Machine  *cycle.Machine
	Venue    venue.Venue
	Cycles   store.CycleStore
	Orders   store.OrderLedger
	Journal  *journal.Journal
	Idem     *idempotency.Registry
	Notifier Notifier

	// Deviation is the slippage allowance passed to venue closes.
	Deviation int

	// SubmitPace spaces retries after definitive submit failures.
	SubmitPace backoff.Policy

	// ResolveWait bounds how long an unacknowledged submission may stay
	// unresolved before it is treated as failed. Zero means the default.
	ResolveWait time.Duration

	// OnFinished is called once after the cycle reaches a terminal state
	// and the run loop is about to exit. May be nil.
	OnFinished func(cycleID string)
}

// Worker drives a single cycle: it feeds ticks and venue events to the
// cycle machine and executes the commands the machine emits. All state
// mutation happens on the run goroutine.
type Worker struct {
	machine  *cycle.Machine
	venue    venue.Venue
	cycles   store.CycleStore
	orders   store.OrderLedger
	journal  *journal.Journal
	idem     *idempotency.Registry
	notifier Notifier

	deviation   int
	submitPace  backoff.Policy
	resolveWait time.Duration
	onFinished  func(cycleID string)

	ticks  chan venue.Tick
	events chan workerEvent

	ctx      context.Context
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// published holds the latest cycle copy for cross-goroutine readers.
	published atomic.Value

	// Run-goroutine state. Never touched from outside.
	pending    *unresolvedSubmit
	dirty      bool
	orderDirty []store.OrderRecord
	closeDirty []venue.Ticket
	finalizeAs cycle.ClosingMethod
	holdUntil  time.Time
	finished   bool
}

// NewWorker builds a worker. Start must be called before it does anything.
func NewWorker(p WorkerParams) *Worker {
	resolveWait := p.ResolveWait
	if resolveWait <= 0 {
		resolveWait = defaultResolveWait
	}
	w := &Worker{
		machine:     p.Machine,
		venue:       p.Venue,
		cycles:      p.Cycles,
		orders:      p.Orders,
		journal:     p.Journal,
		idem:        p.Idem,
		notifier:    p.Notifier,
		deviation:   p.Deviation,
		submitPace:  p.SubmitPace,
		resolveWait: resolveWait,
		onFinished:  p.OnFinished,
		ticks:       make(chan venue.Tick, 1),
		events:      make(chan workerEvent, 16),
		stopCh:      make(chan struct{}),
	}
	w.publishSnapshot()
	return w
}

// CycleID returns the identifier of the managed cycle.
func (w *Worker) CycleID() string { return w.machine.Cycle().CycleID }

// Symbol returns the managed cycle's symbol.
func (w *Worker) Symbol() string { return w.machine.Cycle().Symbol }

// CycleSnapshot returns the latest published copy of the cycle. Safe to
// call from any goroutine; the run loop republishes after every event.
func (w *Worker) CycleSnapshot() cycle.Cycle {
	return w.published.Load().(cycle.Cycle)
}

func (w *Worker) publishSnapshot() {
	c := *w.machine.Cycle()
	c.Roles = c.Roles.Clone()
	w.published.Store(c)
}

// Start launches the run loop. Rehydration commands from a restart must be
// applied by the caller via ApplyRehydration before Start.
func (w *Worker) Start(ctx context.Context) {
	w.ctx = ctx
	w.wg.Add(1)
	go w.run()
}

// Stop shuts the loop down and waits for it to drain.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// OfferTick hands the worker a price update. The mailbox keeps only the
// most recent tick: a busy worker sees the latest price, not a backlog of
// stale ones, and per-cycle ordering is preserved because the single run
// goroutine consumes everything.
func (w *Worker) OfferTick(t venue.Tick) {
	select {
	case w.ticks <- t:
		return
	default:
	}
	select {
	case <-w.ticks:
	default:
	}
	select {
	case w.ticks <- t:
	default:
	}
}

// NotifyOrdersClosed tells the worker reconciliation observed the tickets
// disappear from the venue.
func (w *Worker) NotifyOrdersClosed(tickets []venue.Ticket) {
	w.deliver(eventOrdersClosed{tickets: tickets})
}

// NotifyPendingFilled tells the worker a resting order it placed became a
// position.
func (w *Worker) NotifyPendingFilled(ord venue.Order) {
	w.deliver(eventPendingFilled{order: ord})
}

// RequestClose asks the cycle to close everything and waits until the
// request has been taken up by the run loop.
func (w *Worker) RequestClose(ctx context.Context) error {
	reply := make(chan error, 1)
	ev := eventCloseRequest{reply: reply}
	select {
	case w.events <- ev:
	case <-w.stopCh:
		return fmt.Errorf("worker for cycle %s is stopped", w.CycleID())
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(closeRequestTimeout):
		return fmt.Errorf("close request for cycle %s timed out", w.CycleID())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) deliver(ev workerEvent) {
	select {
	case w.events <- ev:
	case <-w.stopCh:
	}
}

// ApplyRehydration executes the commands a machine emitted while restoring
// from the venue's live view. Must run before Start; it uses the caller's
// goroutine because the loop is not up yet.
func (w *Worker) ApplyRehydration(ctx context.Context, cmds []cycle.Command) {
	if len(cmds) == 0 {
		w.publishSnapshot()
		return
	}
	w.execute(ctx, cmds)
	w.persist(ctx)
	w.publishSnapshot()
}

func (w *Worker) run() {
	defer w.wg.Done()
	c := w.machine.Cycle()
	logger.Infof("cycle worker started cycle=%s symbol=%s status=%s", c.CycleID, c.Symbol, c.Status)
	for !w.finished {
		select {
		case <-w.stopCh:
			logger.Infof("cycle worker stopped cycle=%s", c.CycleID)
			return
		case ev := <-w.events:
			w.safeHandle(func(ctx context.Context) { w.handleEvent(ctx, ev) })
		case tick := <-w.ticks:
			w.safeHandle(func(ctx context.Context) { w.handleTick(ctx, tick) })
		}
	}
	logger.Infof("cycle worker finished cycle=%s method=%s", c.CycleID, c.ClosingMethod)
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.onFinished != nil {
		w.onFinished(c.CycleID)
	}
}

// safeHandle runs one mailbox item with a panic guard so a single bad
// event cannot take the whole engine down, and flags handlers that stall
// the loop.
func (w *Worker) safeHandle(fn func(ctx context.Context)) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("cycle worker panic cycle=%s: %v\n%s", w.CycleID(), r, debug.Stack())
		}
		w.publishSnapshot()
		if elapsed := time.Since(start); elapsed > slowHandlerWarnAt {
			logger.Warnf("cycle worker slow handler cycle=%s took=%s", w.CycleID(), elapsed)
		}
	}()
	ctx, cancel := context.WithTimeout(w.ctx, venueOpTimeout)
	defer cancel()
	fn(ctx)
}

func (w *Worker) handleEvent(ctx context.Context, ev workerEvent) {
	switch e := ev.(type) {
	case eventOrdersClosed:
		w.execute(ctx, w.machine.OnOrdersClosed(e.tickets))
		w.persist(ctx)
	case eventPendingFilled:
		w.execute(ctx, w.machine.OnPendingFilled(e.order))
		w.persist(ctx)
	case eventCloseRequest:
		w.execute(ctx, w.machine.RequestClose())
		w.persist(ctx)
		e.reply <- nil
	}
}

func (w *Worker) handleTick(ctx context.Context, tick venue.Tick) {
	// A failed write parks the worker: it keeps consuming ticks so the
	// mailbox stays fresh, but no new intents are formed until the store
	// takes the backlog.
	if w.dirty && !w.flushBacklog(ctx) {
		return
	}
	if w.pending != nil {
		w.resolvePending(ctx)
		if w.pending != nil {
			return
		}
	}
	if !w.holdUntil.IsZero() && time.Now().Before(w.holdUntil) {
		return
	}
	if err := w.refreshTotals(ctx); err != nil {
		if store.IsUnavailable(err) {
			logger.Warnf("cycle %s: store unavailable, pausing intents: %v", w.CycleID(), err)
			return
		}
		logger.Errorf("cycle %s: refresh totals: %v", w.CycleID(), err)
		return
	}
	w.execute(ctx, w.machine.OnTick(tick))
	w.persist(ctx)
}

// refreshTotals recomputes the cycle's profit and volume from ledger rows,
// never by incrementing in place.
func (w *Worker) refreshTotals(ctx context.Context) error {
	c := w.machine.Cycle()
	recs, err := w.orders.ListOrdersByCycle(ctx, c.CycleID)
	if err != nil {
		return err
	}
	var profit, volume float64
	for _, rec := range recs {
		profit += rec.Profit + rec.Swap + rec.Commission
		if !rec.IsClosed && !rec.IsPending() {
			volume += rec.Volume
		}
	}
	c.TotalProfit = profit
	c.TotalVolume = volume
	return nil
}

func (w *Worker) execute(ctx context.Context, cmds []cycle.Command) {
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case cycle.SubmitOrder:
			w.submit(ctx, c)
		case cycle.CloseTicket:
			w.closeTicket(ctx, c)
		case cycle.FinalizeCycle:
			w.finalizeCycle(ctx, c)
		case cycle.Alert:
			w.alert(ctx, c)
		default:
			logger.Errorf("cycle %s: unknown machine command %T", w.CycleID(), cmd)
		}
	}
}

// submit places one order intent. Outcomes split three ways: a confirmed
// ticket feeds the machine an open event, a definitive rejection feeds it
// a failure, and anything else becomes an unresolved submission that only
// reconciliation or a deadline can settle.
func (w *Worker) submit(ctx context.Context, cmd cycle.SubmitOrder) {
	c := w.machine.Cycle()
	intent := cmd.Intent
	if intent.Magic == 0 {
		intent.Magic = c.Magic
	}
	corr := intent.Correlation

	seen, err := w.idem.Seen(ctx, corr)
	if err != nil {
		logger.Warnf("cycle %s: idempotency check: %v", c.CycleID, err)
		w.failSubmit(ctx, cmd.Role, fmt.Errorf("idempotency check: %w", err))
		return
	}
	if seen {
		// The key was burned by an attempt whose outcome never came back.
		// Do not resend; wait for the ledger to surface it.
		w.beginAwait(cmd.Role, corr, 0)
		return
	}

	w.journalEvent(ctx, journal.Entry{
		Event:         journal.EventSubmit,
		CycleID:       c.CycleID,
		CorrelationID: corr,
		Symbol:        intent.Symbol,
		Side:          string(intent.Type.Side()),
		Volume:        intent.Volume,
		Price:         intent.Price,
		Detail:        map[string]any{"role": string(cmd.Role), "type": string(intent.Type)},
	})
	w.idem.Record(corr)

	ticket, err := w.venue.Submit(ctx, intent)
	switch {
	case err == nil:
		w.adoptSubmitted(ctx, cmd.Role, corr, ticket, intent)
	case venue.IsAckTimeout(err):
		var ack *venue.AckTimeoutError
		errors.As(err, &ack)
		w.journalEvent(ctx, journal.Entry{
			Event:         journal.EventAckTimeout,
			CycleID:       c.CycleID,
			CorrelationID: corr,
			Symbol:        intent.Symbol,
			Ticket:        int64(ack.Ticket),
			Error:         err.Error(),
		})
		w.beginAwait(cmd.Role, corr, ack.Ticket)
	case venue.IsRejected(err):
		// The venue said no: the key provably produced no order.
		w.idem.Forget(corr)
		var rej *venue.RejectedError
		errors.As(err, &rej)
		entry := journal.Entry{
			Event:         journal.EventReject,
			CycleID:       c.CycleID,
			CorrelationID: corr,
			Symbol:        intent.Symbol,
			Error:         err.Error(),
		}
		if rej != nil {
			entry.Retcode = rej.Retcode
		}
		w.journalEvent(ctx, entry)
		w.failSubmit(ctx, cmd.Role, err)
	case errors.Is(err, circuit.ErrOpen):
		// The breaker refused before anything reached the wire.
		w.idem.Forget(corr)
		w.failSubmit(ctx, cmd.Role, err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown or timeout mid-call: outcome unknown, leave the key
		// burned and let reconciliation decide.
		w.beginAwait(cmd.Role, corr, 0)
	default:
		// Transport failure after the request may have left the process.
		w.journalEvent(ctx, journal.Entry{
			Event:         journal.EventAckTimeout,
			CycleID:       c.CycleID,
			CorrelationID: corr,
			Symbol:        intent.Symbol,
			Error:         err.Error(),
		})
		w.beginAwait(cmd.Role, corr, 0)
	}
}

func (w *Worker) adoptSubmitted(ctx context.Context, role cycle.Role, corr string, ticket venue.Ticket, intent venue.Intent) {
	ord, found, err := w.venue.Query(ctx, ticket)
	if err != nil || !found {
		ord = orderFromIntent(ticket, intent)
	}
	w.persistOrder(ctx, role, corr, ord)
	w.journalEvent(ctx, journal.Entry{
		Event:         journal.EventAck,
		CycleID:       w.machine.Cycle().CycleID,
		CorrelationID: corr,
		Ticket:        int64(ticket),
		Symbol:        ord.Symbol,
		Side:          string(ord.Type.Side()),
		Volume:        ord.Volume,
		Price:         ord.OpenPrice,
	})
	w.execute(ctx, w.machine.OnOrderOpened(role, ord))
}

// beginAwait parks the worker on an unresolved submission. While set, the
// machine's own in-flight guard stops new intents, and handleTick routes
// every tick through resolvePending instead of the decision path.
func (w *Worker) beginAwait(role cycle.Role, corr string, ticket venue.Ticket) {
	w.pending = &unresolvedSubmit{
		role:        role,
		correlation: corr,
		ticket:      ticket,
		deadline:    time.Now().Add(w.resolveWait),
	}
	logger.Warnf("cycle %s: submission %s unresolved, awaiting reconciliation", w.CycleID(), corr)
}

// resolvePending settles an unresolved submission: the order shows up at
// the venue or in the ledger and is adopted, or the deadline passes and
// the submission is treated as failed.
func (w *Worker) resolvePending(ctx context.Context) {
	p := w.pending
	if p.ticket != 0 {
		if ord, found, err := w.venue.Query(ctx, p.ticket); err == nil && found {
			w.adoptResolved(ctx, p, ord)
			return
		}
	}
	rec, found, err := w.orders.GetOrderByCorrelation(ctx, p.correlation)
	if err != nil {
		// A dark store cannot prove the submission never landed, so the
		// deadline does not run against it.
		if store.IsUnavailable(err) {
			return
		}
		logger.Errorf("cycle %s: correlation lookup %s: %v", w.CycleID(), p.correlation, err)
	}
	if found {
		ord, ok, qerr := w.venue.Query(ctx, rec.Ticket)
		if qerr != nil || !ok {
			ord = orderFromRecord(rec)
		}
		w.adoptResolved(ctx, p, ord)
		return
	}
	if time.Now().After(p.deadline) {
		w.pending = nil
		logger.Warnf("cycle %s: submission %s never surfaced, treating as failed", w.CycleID(), p.correlation)
		w.failSubmit(ctx, p.role, fmt.Errorf("submission %s not acknowledged within %s", p.correlation, w.resolveWait))
		w.persist(ctx)
	}
}

func (w *Worker) adoptResolved(ctx context.Context, p *unresolvedSubmit, ord venue.Order) {
	w.pending = nil
	w.persistOrder(ctx, p.role, p.correlation, ord)
	w.journalEvent(ctx, journal.Entry{
		Event:         journal.EventAck,
		CycleID:       w.machine.Cycle().CycleID,
		CorrelationID: p.correlation,
		Ticket:        int64(ord.Ticket),
		Symbol:        ord.Symbol,
		Volume:        ord.Volume,
		Price:         ord.OpenPrice,
		Detail:        map[string]any{"recovered": true},
	})
	w.execute(ctx, w.machine.OnOrderOpened(p.role, ord))
	w.persist(ctx)
}

// failSubmit feeds a definitive failure to the machine and spaces the next
// attempt so a rejecting venue is not hammered at tick cadence.
func (w *Worker) failSubmit(ctx context.Context, role cycle.Role, cause error) {
	w.execute(ctx, w.machine.OnSubmitFailed(role, cause))
	c := w.machine.Cycle()
	if c.Status == cycle.StatusHedgeFailed {
		w.journalEvent(ctx, journal.Entry{
			Event:   journal.EventHedgeFailed,
			CycleID: c.CycleID,
			Symbol:  c.Symbol,
			Error:   cause.Error(),
		})
		w.persist(ctx)
		return
	}
	attempt := c.HedgeAttempts
	if attempt > 0 {
		attempt--
	}
	w.holdUntil = time.Now().Add(w.submitPace.Delay(attempt))
	w.persist(ctx)
}

func (w *Worker) closeTicket(ctx context.Context, cmd cycle.CloseTicket) {
	c := w.machine.Cycle()
	if err := w.venue.Close(ctx, cmd.Ticket, w.deviation); err != nil {
		// Leave the ticket open in the machine; the close is reissued on
		// the next tick.
		logger.Warnf("cycle %s: close ticket %d: %v", c.CycleID, cmd.Ticket, err)
		w.journalEvent(ctx, journal.Entry{
			Event:   journal.EventClose,
			CycleID: c.CycleID,
			Ticket:  int64(cmd.Ticket),
			Symbol:  c.Symbol,
			Error:   err.Error(),
			Detail:  map[string]any{"reason": cmd.Reason},
		})
		return
	}
	w.journalEvent(ctx, journal.Entry{
		Event:   journal.EventClose,
		CycleID: c.CycleID,
		Ticket:  int64(cmd.Ticket),
		Symbol:  c.Symbol,
		Detail:  map[string]any{"reason": cmd.Reason},
	})
	w.markClosed(ctx, cmd.Ticket)
	w.execute(ctx, w.machine.OnOrdersClosed([]venue.Ticket{cmd.Ticket}))
}

func (w *Worker) markClosed(ctx context.Context, ticket venue.Ticket) {
	err := w.orders.MarkOrderClosed(ctx, ticket, store.CloseReasonExplicit, time.Now())
	switch {
	case err == nil, errors.Is(err, store.ErrNotFound):
	case store.IsUnavailable(err):
		w.dirty = true
		w.closeDirty = append(w.closeDirty, ticket)
	default:
		logger.Errorf("cycle %s: mark order %d closed: %v", w.CycleID(), ticket, err)
	}
}

func (w *Worker) finalizeCycle(ctx context.Context, cmd cycle.FinalizeCycle) {
	c := w.machine.Cycle()
	if err := w.cycles.CloseCycle(ctx, c.CycleID, cmd.Method, time.Now()); err != nil {
		if store.IsUnavailable(err) {
			w.dirty = true
			w.finalizeAs = cmd.Method
		} else {
			logger.Errorf("cycle %s: close cycle: %v", c.CycleID, err)
		}
	}
	w.journalEvent(ctx, journal.Entry{
		Event:   journal.EventCycleClose,
		CycleID: c.CycleID,
		Symbol:  c.Symbol,
		Detail:  map[string]any{"method": string(cmd.Method), "profit": c.TotalProfit},
	})
	w.notify(ctx, severityFor(cmd.Method), fmt.Sprintf(
		"Cycle %s on %s closed (%s), profit %.2f", c.CycleID, c.Symbol, cmd.Method, c.TotalProfit))
	// Keep the loop alive only if the store still owes us the close write.
	w.finished = !w.dirty
	if w.finished {
		w.finalizeAs = ""
	}
}

func (w *Worker) alert(ctx context.Context, cmd cycle.Alert) {
	w.notify(ctx, cmd.Severity, cmd.Message)
}

func (w *Worker) notify(ctx context.Context, severity, message string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, severity, message); err != nil {
		logger.Warnf("cycle %s: notify: %v", w.CycleID(), err)
	}
}

// persist writes the cycle's full state. Failures flip the dirty flag so
// the next loop iteration retries with whatever the state is by then.
func (w *Worker) persist(ctx context.Context) {
	c := w.machine.Cycle()
	err := w.cycles.UpdateCycle(ctx, c.CycleID, store.PatchFrom(c))
	switch {
	case err == nil:
	case store.IsUnavailable(err):
		w.dirty = true
		logger.Warnf("cycle %s: persist deferred: %v", c.CycleID, err)
	default:
		logger.Errorf("cycle %s: persist: %v", c.CycleID, err)
	}
}

// persistOrder lands the ledger row for a newly adopted order.
func (w *Worker) persistOrder(ctx context.Context, role cycle.Role, corr string, ord venue.Order) {
	rec := recordFromOrder(ord, w.CycleID(), corr, openedByRole(role))
	if err := w.orders.UpsertOrder(ctx, rec); err != nil {
		if store.IsUnavailable(err) {
			w.dirty = true
			w.orderDirty = append(w.orderDirty, rec)
			return
		}
		logger.Errorf("cycle %s: upsert order %d: %v", w.CycleID(), ord.Ticket, err)
	}
}

// flushBacklog retries the writes that failed while the store was away.
// Order rows first, then close marks, then the cycle patch, then the
// deferred terminal close, so the ledger is never behind the cycle row.
func (w *Worker) flushBacklog(ctx context.Context) bool {
	for len(w.orderDirty) > 0 {
		if err := w.orders.UpsertOrder(ctx, w.orderDirty[0]); err != nil {
			return false
		}
		w.orderDirty = w.orderDirty[1:]
	}
	for len(w.closeDirty) > 0 {
		err := w.orders.MarkOrderClosed(ctx, w.closeDirty[0], store.CloseReasonExplicit, time.Now())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false
		}
		w.closeDirty = w.closeDirty[1:]
	}
	c := w.machine.Cycle()
	if err := w.cycles.UpdateCycle(ctx, c.CycleID, store.PatchFrom(c)); err != nil {
		return false
	}
	if w.finalizeAs != "" {
		if err := w.cycles.CloseCycle(ctx, c.CycleID, w.finalizeAs, time.Now()); err != nil {
			return false
		}
		w.finalizeAs = ""
		w.finished = true
	}
	w.dirty = false
	logger.Infof("cycle %s: store recovered, backlog flushed", c.CycleID)
	return true
}

func (w *Worker) journalEvent(ctx context.Context, entry journal.Entry) {
	if w.journal == nil {
		return
	}
	if _, err := w.journal.Record(ctx, entry); err != nil {
		logger.Warnf("cycle %s: journal %s: %v", w.CycleID(), entry.Event, err)
	}
}

func severityFor(method cycle.ClosingMethod) string {
	switch method {
	case cycle.CloseStopOut, cycle.CloseRecoveryExhausted:
		return cycle.AlertWarning
	default:
		return "info"
	}
}

func openedByRole(role cycle.Role) string {
	switch role {
	case cycle.RoleInitial:
		return store.OpenedByInitial
	case cycle.RoleHedge:
		return store.OpenedByHedge
	case cycle.RoleRecovery, cycle.RoleMaxRecovery:
		return store.OpenedByRecovery
	case cycle.RolePending:
		return store.OpenedByThreshold
	default:
		return store.OpenedByManual
	}
}

func orderFromIntent(ticket venue.Ticket, intent venue.Intent) venue.Order {
	kind := venue.KindPosition
	if intent.Type.IsPending() {
		kind = venue.KindPending
	}
	return venue.Order{
		Ticket:     ticket,
		Symbol:     intent.Symbol,
		Type:       intent.Type,
		Kind:       kind,
		Volume:     intent.Volume,
		OpenPrice:  intent.Price,
		Price:      intent.Price,
		StopLoss:   intent.StopLoss,
		TakeProfit: intent.TakeProfit,
		Magic:      intent.Magic,
		Comment:    intent.Comment,
		OpenTime:   time.Now(),
	}
}

func orderFromRecord(rec store.OrderRecord) venue.Order {
	return venue.Order{
		Ticket:     rec.Ticket,
		Symbol:     rec.Symbol,
		Type:       rec.Type,
		Kind:       rec.Kind,
		Volume:     rec.Volume,
		OpenPrice:  rec.OpenPrice,
		Price:      rec.CurrentPrice,
		StopLoss:   rec.StopLoss,
		TakeProfit: rec.TakeProfit,
		Commission: rec.Commission,
		Swap:       rec.Swap,
		Profit:     rec.Profit,
		Magic:      rec.Magic,
		Comment:    rec.Comment,
		OpenTime:   rec.OpenedAt,
	}
}

func recordFromOrder(ord venue.Order, cycleID, corr, openedBy string) store.OrderRecord {
	now := time.Now()
	openedAt := ord.OpenTime
	if openedAt.IsZero() {
		openedAt = now
	}
	return store.OrderRecord{
		Ticket:        ord.Ticket,
		CycleID:       cycleID,
		CorrelationID: corr,
		Symbol:        ord.Symbol,
		Kind:          ord.Kind,
		Type:          ord.Type,
		Volume:        ord.Volume,
		OpenPrice:     ord.OpenPrice,
		CurrentPrice:  ord.Price,
		StopLoss:      ord.StopLoss,
		TakeProfit:    ord.TakeProfit,
		Commission:    ord.Commission,
		Swap:          ord.Swap,
		Profit:        ord.Profit,
		Magic:         ord.Magic,
		Comment:       ord.Comment,
		OpenedBy:      openedBy,
		OpenedAt:      openedAt,
		LastSeenAt:    &now,
	}
}
