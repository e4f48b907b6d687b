package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cyclone/internal/config"
	"cyclone/internal/cycle"
	"cyclone/internal/gateway/venue"
	"cyclone/internal/logger"
	"cyclone/internal/market"
	"cyclone/internal/pkg/backoff"
	"cyclone/internal/pkg/idempotency"
	"cyclone/internal/scheduler"
	"cyclone/internal/store"
	"cyclone/internal/store/journal"
	"cyclone/internal/strategy"

	"github.com/google/uuid"
)

// TickSource serves the most recent tick for a symbol, used to seed a
// fresh worker so it acts before the next live tick arrives.
type TickSource interface {
	LatestTick(symbol string) (venue.Tick, bool)
}

// ErrUnknownCycle marks requests that reference a cycle id that was
// never created.
var ErrUnknownCycle = errors.New("unknown cycle")

// OpenRequest describes a cycle the operator wants started.
type OpenRequest struct {
	Symbol    string         `json:"symbol"`
	Direction venue.Side     `json:"direction"`
	Strategy  string         `json:"strategy"`
	Bot       string         `json:"bot,omitempty"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

// SupervisorParams wires the supervisor to its collaborators.
type SupervisorParams struct {
	Config     config.EngineConfig
	Venue      venue.Venue
	Informer   venue.SymbolInformer
	Account    venue.AccountReader
	Cycles     store.CycleStore
	Orders     store.OrderLedger
	Snapshots  store.SnapshotStore
	Journal    *journal.Journal
	Idem       *idempotency.Registry
	Notifier   Notifier
	Strategies *strategy.Registry
	Bounds     *market.Bounds
	Ticks      TickSource

	// AccountID stamps new cycles with the venue login they trade under.
	AccountID int64
	// Magic tags every order the engine places.
	Magic int64
	// Deviation is the slippage allowance for closes.
	Deviation int
}

// Supervisor owns the worker fleet: one worker per active cycle. It is the
// single place cycles are created, resumed after a restart and torn down,
// and it fans ticks and reconciliation events out to the right worker.
type Supervisor struct {
	cfg        config.EngineConfig
	venue      venue.Venue
	informer   venue.SymbolInformer
	account    venue.AccountReader
	cycles     store.CycleStore
	orders     store.OrderLedger
	snapshots  store.SnapshotStore
	journal    *journal.Journal
	idem       *idempotency.Registry
	notifier   Notifier
	strategies *strategy.Registry
	bounds     *market.Bounds
	ticks      TickSource

	accountID int64
	magic     int64
	deviation int

	mu      sync.RWMutex
	workers map[string]*Worker

	reconciler *Reconciler

	ctx       context.Context
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewSupervisor builds an idle supervisor. Start brings it to life.
func NewSupervisor(p SupervisorParams) *Supervisor {
	return &Supervisor{
		cfg:        p.Config,
		venue:      p.Venue,
		informer:   p.Informer,
		account:    p.Account,
		cycles:     p.Cycles,
		orders:     p.Orders,
		snapshots:  p.Snapshots,
		journal:    p.Journal,
		idem:       p.Idem,
		notifier:   p.Notifier,
		strategies: p.Strategies,
		bounds:     p.Bounds,
		ticks:      p.Ticks,
		accountID:  p.AccountID,
		magic:      p.Magic,
		deviation:  p.Deviation,
		workers:    make(map[string]*Worker),
		stopCh:     make(chan struct{}),
	}
}

// Start resumes every persisted active cycle against the venue's live
// order set, then begins reconciling and snapshotting. Startup fails
// rather than guesses when either the store or the venue cannot be read:
// resuming cycles against a partial view would close orders that are
// still alive.
func (s *Supervisor) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		s.ctx = ctx
		startErr = s.start(ctx)
	})
	return startErr
}

func (s *Supervisor) start(ctx context.Context) error {
	s.warmIdempotency(ctx)
	s.flagUnclaimed(ctx)

	active, err := s.cycles.ListActiveCycles(ctx)
	if err != nil {
		return fmt.Errorf("list active cycles: %w", err)
	}
	var live []venue.Order
	if len(active) > 0 {
		live, err = s.liveOrders(ctx)
		if err != nil {
			return fmt.Errorf("read venue order set: %w", err)
		}
	}
	for i := range active {
		c := active[i]
		if err := s.resumeCycle(ctx, &c, live); err != nil {
			logger.Errorf("resume cycle %s: %v", c.CycleID, err)
		}
	}
	logger.Infof("engine started: %d active cycle(s) resumed", len(s.snapshotWorkers()))

	s.reconciler = NewReconciler(ReconcilerParams{
		Venue:    s.venue,
		Orders:   s.orders,
		Journal:  s.journal,
		Notifier: s.notifier,
		Sink:     s,
		Magic:    s.magic,
		Interval: s.cfg.ReconcileInterval,
	})
	s.reconciler.Start(ctx)

	s.wg.Add(1)
	go s.runSnapshots(ctx)
	return nil
}

// Stop tears everything down: reconciler first so no late close events
// race the draining workers.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.reconciler != nil {
		s.reconciler.Stop()
	}
	for _, w := range s.snapshotWorkers() {
		w.Stop()
	}
	s.wg.Wait()
}

// NotifyTick routes a price update to the workers trading the symbol.
// Implements market.TickObserver; must never block the monitor.
func (s *Supervisor) NotifyTick(t venue.Tick) {
	for _, w := range s.workersFor(t.Symbol) {
		w.OfferTick(t)
	}
}

// OpenCycle creates a cycle from a strategy template, persists it and
// starts its worker. The worker submits the initial market order on the
// first tick it sees.
func (s *Supervisor) OpenCycle(ctx context.Context, req OpenRequest) (cycle.Cycle, error) {
	symbol := cycle.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		return cycle.Cycle{}, fmt.Errorf("symbol is required")
	}
	if req.Direction != venue.SideBuy && req.Direction != venue.SideSell {
		return cycle.Cycle{}, fmt.Errorf("direction must be buy or sell, got %q", req.Direction)
	}
	tpl, params, err := s.strategies.Resolve(req.Strategy, symbol, req.Overrides)
	if err != nil {
		return cycle.Cycle{}, err
	}
	info, err := s.informer.SymbolInfo(ctx, symbol)
	if err != nil {
		return cycle.Cycle{}, fmt.Errorf("symbol info %s: %w", symbol, err)
	}
	if params.AutoBounds {
		points, err := s.bounds.ZonePoints(ctx, symbol, params, info)
		if err != nil {
			return cycle.Cycle{}, fmt.Errorf("derive zone width: %w", err)
		}
		// The derived width is frozen into the cycle's parameter snapshot;
		// later volatility only affects cycles created later.
		params.ZoneSizePoints = points
	}

	bot := req.Bot
	if bot == "" {
		bot = tpl.ID
	}
	now := time.Now()
	c := &cycle.Cycle{
		CycleID:   uuid.NewString(),
		Symbol:    symbol,
		Account:   s.accountID,
		Bot:       bot,
		Status:    cycle.StatusPendingOpen,
		Direction: req.Direction,
		Threshold: params.ThresholdInsetPoints,
		Params:    params,
		Magic:     s.magic,
		OpenedAt:  now,
	}
	if err := s.cycles.CreateCycle(ctx, c); err != nil {
		return cycle.Cycle{}, fmt.Errorf("create cycle: %w", err)
	}
	s.journalEvent(ctx, journal.Entry{
		Event:   journal.EventCycleOpen,
		CycleID: c.CycleID,
		Symbol:  symbol,
		Side:    string(req.Direction),
		Detail:  map[string]any{"strategy": tpl.ID, "zone_size_points": params.ZoneSizePoints},
	})

	w, err := s.spawnWorker(ctx, c)
	if err != nil {
		return cycle.Cycle{}, err
	}
	if s.ticks != nil {
		if tick, ok := s.ticks.LatestTick(symbol); ok {
			w.OfferTick(tick)
		}
	}
	logger.Infof("cycle opened cycle=%s symbol=%s strategy=%s direction=%s", c.CycleID, symbol, tpl.ID, req.Direction)
	return w.CycleSnapshot(), nil
}

// CloseCycle asks a cycle's worker to flatten everything. Closing an
// already closed cycle is a no-op.
func (s *Supervisor) CloseCycle(ctx context.Context, cycleID string) error {
	if w := s.worker(cycleID); w != nil {
		return w.RequestClose(ctx)
	}
	c, found, err := s.cycles.GetCycleByCycleID(ctx, cycleID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownCycle, cycleID)
	}
	if c.IsClosed() {
		return nil
	}
	return fmt.Errorf("cycle %s has no running worker", cycleID)
}

// ActiveCycles returns live snapshots of every running cycle, oldest
// first. Fresher than the store because it reads the machines directly.
func (s *Supervisor) ActiveCycles() []cycle.Cycle {
	workers := s.snapshotWorkers()
	out := make([]cycle.Cycle, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.CycleSnapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// CycleOrdersClosed implements the reconciliation sink: route venue-side
// disappearances to the owning worker.
func (s *Supervisor) CycleOrdersClosed(cycleID string, tickets []venue.Ticket) {
	if w := s.worker(cycleID); w != nil {
		w.NotifyOrdersClosed(tickets)
	}
}

// CyclePendingFilled implements the reconciliation sink for resting orders
// that became positions.
func (s *Supervisor) CyclePendingFilled(cycleID string, ord venue.Order) {
	if w := s.worker(cycleID); w != nil {
		w.NotifyPendingFilled(ord)
	}
}

// resumeCycle rebuilds one persisted cycle's worker after a restart.
func (s *Supervisor) resumeCycle(ctx context.Context, c *cycle.Cycle, live []venue.Order) error {
	info, err := s.informer.SymbolInfo(ctx, c.Symbol)
	if err != nil {
		return fmt.Errorf("symbol info %s: %w", c.Symbol, err)
	}
	m := cycle.NewMachine(c, info, s.cfg.HedgeRetryAttempts)
	w := s.buildWorker(m)
	w.ApplyRehydration(ctx, m.Rehydrate(live))
	if c.IsClosed() {
		// Every order vanished while the engine was down; the rehydration
		// already finalized the cycle, so there is nothing to run.
		logger.Infof("cycle %s resolved during downtime, not resuming", c.CycleID)
		return nil
	}
	s.register(w)
	w.Start(s.ctx)
	return nil
}

func (s *Supervisor) spawnWorker(ctx context.Context, c *cycle.Cycle) (*Worker, error) {
	info, err := s.informer.SymbolInfo(ctx, c.Symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol info %s: %w", c.Symbol, err)
	}
	m := cycle.NewMachine(c, info, s.cfg.HedgeRetryAttempts)
	w := s.buildWorker(m)
	s.register(w)
	w.Start(s.ctx)
	return w, nil
}

func (s *Supervisor) buildWorker(m *cycle.Machine) *Worker {
	return NewWorker(WorkerParams{
		Machine:  m,
		Venue:    s.venue,
		Cycles:   s.cycles,
		Orders:   s.orders,
		Journal:  s.journal,
		Idem:     s.idem,
		Notifier: s.notifier,

		Deviation: s.deviation,
		SubmitPace: backoff.Policy{
			BaseDelay: s.cfg.HedgeRetryBase,
			MaxDelay:  s.cfg.HedgeRetryMax,
		},
		OnFinished: s.reapWorker,
	})
}

func (s *Supervisor) register(w *Worker) {
	s.mu.Lock()
	s.workers[w.CycleID()] = w
	s.mu.Unlock()
}

func (s *Supervisor) reapWorker(cycleID string) {
	s.mu.Lock()
	delete(s.workers, cycleID)
	s.mu.Unlock()
	logger.Infof("worker reaped cycle=%s", cycleID)
}

func (s *Supervisor) worker(cycleID string) *Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers[cycleID]
}

func (s *Supervisor) workersFor(symbol string) []*Worker {
	symbol = cycle.NormalizeSymbol(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Worker
	for _, w := range s.workers {
		if w.Symbol() == symbol {
			out = append(out, w)
		}
	}
	return out
}

func (s *Supervisor) snapshotWorkers() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// warmIdempotency preloads correlation keys from every ledger row that is
// still live, so a restart cannot reuse a key whose outcome predates it.
func (s *Supervisor) warmIdempotency(ctx context.Context) {
	var keys []string
	open, err := s.orders.ListOpenOrders(ctx)
	if err != nil {
		logger.Warnf("warm idempotency: list open orders: %v", err)
	}
	pending, err := s.orders.ListPendingOrders(ctx)
	if err != nil {
		logger.Warnf("warm idempotency: list pending orders: %v", err)
	}
	for _, rec := range append(open, pending...) {
		if rec.CorrelationID != "" {
			keys = append(keys, rec.CorrelationID)
		}
	}
	s.idem.Warm(keys)
}

// flagUnclaimed warns about ledger rows that carry a submission key but
// never got attached to a cycle: a crash mid-resolution leaves exposure
// nothing manages, and only the operator can decide what to do with it.
func (s *Supervisor) flagUnclaimed(ctx context.Context) {
	open, err := s.orders.ListOpenOrders(ctx)
	if err != nil {
		return
	}
	for _, rec := range open {
		if rec.CycleID != "" || rec.CorrelationID == "" {
			continue
		}
		logger.Warnf("unclaimed order ticket=%d symbol=%s correlation=%s", rec.Ticket, rec.Symbol, rec.CorrelationID)
		if s.notifier != nil {
			msg := fmt.Sprintf("Order %d on %s (%.2f lots) was submitted but never attached to a cycle; close or assign it manually",
				rec.Ticket, rec.Symbol, rec.Volume)
			if err := s.notifier.Notify(ctx, "warning", msg); err != nil {
				logger.Warnf("notify unclaimed order: %v", err)
			}
		}
	}
}

func (s *Supervisor) liveOrders(ctx context.Context) ([]venue.Order, error) {
	positions, err := s.venue.Positions(ctx)
	if err != nil {
		return nil, err
	}
	pendings, err := s.venue.PendingOrders(ctx)
	if err != nil {
		return nil, err
	}
	return append(positions, pendings...), nil
}

// runSnapshots appends one account snapshot per interval for the equity
// curve. Captures align to wall-clock boundaries so curve points land on
// round timestamps. Failures are logged and skipped; the curve tolerates
// gaps.
func (s *Supervisor) runSnapshots(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.SnapshotInterval
	if interval <= 0 {
		interval = time.Minute
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()
	sched := scheduler.NewAligned("account-snapshot", interval, 0)
	sched.Run(runCtx, func() { s.captureSnapshot(runCtx) })
}

func (s *Supervisor) captureSnapshot(ctx context.Context) {
	if s.account == nil || s.snapshots == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, venueOpTimeout)
	defer cancel()
	acct, err := s.account.Account(opCtx)
	if err != nil {
		logger.Warnf("account snapshot read: %v", err)
		return
	}
	open, err := s.orders.ListOpenOrders(opCtx)
	if err != nil {
		logger.Warnf("account snapshot open orders: %v", err)
	}
	rec := store.AccountSnapshotRecord{
		Balance:       acct.Balance,
		Equity:        acct.Equity,
		Margin:        acct.Margin,
		MarginFree:    acct.FreeMargin,
		Profit:        acct.Profit,
		OpenPositions: len(open),
		At:            time.Now(),
	}
	if err := s.snapshots.AppendAccountSnapshot(opCtx, rec); err != nil {
		logger.Warnf("append account snapshot: %v", err)
	}
}

func (s *Supervisor) journalEvent(ctx context.Context, entry journal.Entry) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Record(ctx, entry); err != nil {
		logger.Warnf("journal %s: %v", entry.Event, err)
	}
}
