package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cyclone/internal/gateway/venue"
	"cyclone/internal/logger"
	"cyclone/internal/store"
	"cyclone/internal/store/journal"
)

// ReconcileSink receives the per-cycle outcomes of a reconciliation pass.
// The supervisor implements it and routes into worker mailboxes.
type ReconcileSink interface {
	CycleOrdersClosed(cycleID string, tickets []venue.Ticket)
	CyclePendingFilled(cycleID string, ord venue.Order)
}

// ReconcilerParams wires a reconciler.
type ReconcilerParams struct {
	Venue    venue.Venue
	Orders   store.OrderLedger
	Journal  *journal.Journal
	Notifier Notifier
	Sink     ReconcileSink

	// Magic filters the venue view down to this engine's orders. Zero
	// disables the filter.
	Magic    int64
	Interval time.Duration
}

// Reconciler periodically compares the venue's live order set against the
// ledger. The venue is the source of truth: rows for vanished tickets are
// closed exactly once, resting orders that became positions are promoted,
// and live fields (profit, swap, current price) are refreshed so the
// workers' totals stay honest.
type Reconciler struct {
	venue    venue.Venue
	orders   store.OrderLedger
	journal  *journal.Journal
	notifier Notifier
	sink     ReconcileSink
	magic    int64
	interval time.Duration

	// orphans remembers tickets already flagged so one stray order does
	// not alert on every pass. Pruned when the ticket leaves the venue.
	orphans map[venue.Ticket]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const defaultReconcileEvery = 2 * time.Second

// NewReconciler builds a reconciler. Start begins the loop.
func NewReconciler(p ReconcilerParams) *Reconciler {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultReconcileEvery
	}
	return &Reconciler{
		venue:    p.Venue,
		orders:   p.Orders,
		journal:  p.Journal,
		notifier: p.Notifier,
		sink:     p.Sink,
		magic:    p.Magic,
		interval: interval,
		orphans:  make(map[venue.Ticket]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the reconcile loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop halts the loop and waits for the current pass to finish.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Pass(ctx); err != nil {
				logger.Warnf("reconcile pass skipped: %v", err)
			}
		}
	}
}

// Pass runs one reconciliation. It refuses to conclude anything when the
// venue view is incomplete: closing ledger rows because a read failed
// would flatten cycles that are still live.
func (r *Reconciler) Pass(ctx context.Context) error {
	positions, err := r.venue.Positions(ctx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	pendings, err := r.venue.PendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("pending orders: %w", err)
	}

	now := time.Now()
	live := make([]venue.Order, 0, len(positions)+len(pendings))
	for _, ord := range append(positions, pendings...) {
		if r.magic != 0 && ord.Magic != r.magic {
			continue
		}
		live = append(live, ord)
	}

	type fill struct {
		cycleID string
		ord     venue.Order
	}
	var fills []fill
	liveTickets := make([]venue.Ticket, 0, len(live))
	liveSet := make(map[venue.Ticket]struct{}, len(live))

	for _, ord := range live {
		liveTickets = append(liveTickets, ord.Ticket)
		liveSet[ord.Ticket] = struct{}{}

		existing, found, err := r.orders.GetOrder(ctx, ord.Ticket)
		if err != nil {
			logger.Warnf("reconcile: read ticket %d: %v", ord.Ticket, err)
			continue
		}
		rec, adopted := r.mergeRecord(ctx, existing, found, ord, now)
		if err := r.orders.UpsertOrder(ctx, rec); err != nil {
			logger.Warnf("reconcile: upsert ticket %d: %v", ord.Ticket, err)
			continue
		}
		if found && existing.IsPending() && ord.Kind == venue.KindPosition {
			r.journalEvent(ctx, journal.Entry{
				Event:         journal.EventAck,
				CycleID:       existing.CycleID,
				Ticket:        int64(ord.Ticket),
				CorrelationID: existing.CorrelationID,
				Symbol:        ord.Symbol,
				Volume:        ord.Volume,
				Price:         ord.OpenPrice,
				Detail:        map[string]any{"pending_filled": true},
			})
			if existing.CycleID != "" {
				fills = append(fills, fill{cycleID: existing.CycleID, ord: ord})
			}
		}
		if !found && !adopted {
			r.flagOrphan(ctx, ord)
		}
	}
	for t := range r.orphans {
		if _, ok := liveSet[t]; !ok {
			delete(r.orphans, t)
		}
	}

	closed, err := r.orders.CloseOrdersMissingFrom(ctx, liveTickets, now)
	if err != nil {
		return fmt.Errorf("close missing: %w", err)
	}
	byCycle := make(map[string][]venue.Ticket)
	for _, rec := range closed {
		r.journalEvent(ctx, journal.Entry{
			Event:         journal.EventReconcileClose,
			CycleID:       rec.CycleID,
			Ticket:        int64(rec.Ticket),
			CorrelationID: rec.CorrelationID,
			Symbol:        rec.Symbol,
			Volume:        rec.Volume,
		})
		if rec.CycleID != "" {
			byCycle[rec.CycleID] = append(byCycle[rec.CycleID], rec.Ticket)
		}
	}
	if r.sink != nil {
		for cycleID, tickets := range byCycle {
			r.sink.CycleOrdersClosed(cycleID, tickets)
		}
		for _, f := range fills {
			r.sink.CyclePendingFilled(f.cycleID, f.ord)
		}
	}
	return nil
}

// mergeRecord folds a live venue order into its ledger row. Provenance
// fields stay with the row; live fields follow the venue. For unknown
// tickets the correlation comment decides whether the order belongs to a
// submission still awaiting resolution (leave provenance open for the
// worker) or is genuinely foreign.
func (r *Reconciler) mergeRecord(ctx context.Context, existing store.OrderRecord, found bool, ord venue.Order, now time.Time) (store.OrderRecord, bool) {
	rec := store.OrderRecord{
		Ticket:       ord.Ticket,
		Symbol:       ord.Symbol,
		Kind:         ord.Kind,
		Type:         ord.Type,
		Volume:       ord.Volume,
		OpenPrice:    ord.OpenPrice,
		CurrentPrice: ord.Price,
		StopLoss:     ord.StopLoss,
		TakeProfit:   ord.TakeProfit,
		Commission:   ord.Commission,
		Swap:         ord.Swap,
		Profit:       ord.Profit,
		Magic:        ord.Magic,
		Comment:      ord.Comment,
		OpenedAt:     ord.OpenTime,
		LastSeenAt:   &now,
	}
	if found {
		rec.CycleID = existing.CycleID
		rec.CorrelationID = existing.CorrelationID
		rec.OpenedBy = existing.OpenedBy
		if !existing.OpenedAt.IsZero() {
			rec.OpenedAt = existing.OpenedAt
		}
		return rec, true
	}

	corr := correlationFromComment(ord.Comment)
	rec.CorrelationID = corr
	if corr == "" {
		rec.OpenedBy = store.OpenedByReconciled
		return rec, false
	}
	// A correlation-tagged ticket the ledger has never seen is a
	// submission whose acknowledgement was lost. Landing the row under
	// its correlation lets the awaiting worker adopt it.
	if prior, ok, err := r.orders.GetOrderByCorrelation(ctx, corr); err == nil && ok {
		rec.CycleID = prior.CycleID
		rec.OpenedBy = prior.OpenedBy
		return rec, true
	}
	return rec, true
}

// flagOrphan alerts once per ticket about live orders that carry our magic
// but belong to no known submission or cycle.
func (r *Reconciler) flagOrphan(ctx context.Context, ord venue.Order) {
	if _, seen := r.orphans[ord.Ticket]; seen {
		return
	}
	r.orphans[ord.Ticket] = struct{}{}
	logger.Warnf("reconcile: orphan order ticket=%d symbol=%s volume=%v", ord.Ticket, ord.Symbol, ord.Volume)
	r.journalEvent(ctx, journal.Entry{
		Event:  journal.EventOrphan,
		Ticket: int64(ord.Ticket),
		Symbol: ord.Symbol,
		Volume: ord.Volume,
	})
	if r.notifier != nil {
		msg := fmt.Sprintf("Orphan order %d on %s (%.2f lots) carries the engine magic but no cycle claims it",
			ord.Ticket, ord.Symbol, ord.Volume)
		if err := r.notifier.Notify(ctx, "warning", msg); err != nil {
			logger.Warnf("reconcile: notify orphan: %v", err)
		}
	}
}

func (r *Reconciler) journalEvent(ctx context.Context, entry journal.Entry) {
	if r.journal == nil {
		return
	}
	if _, err := r.journal.Record(ctx, entry); err != nil {
		logger.Warnf("reconcile: journal %s: %v", entry.Event, err)
	}
}

// correlationFromComment recovers the submission key the adapter put on
// the wire.
func correlationFromComment(comment string) string {
	comment = strings.TrimSpace(comment)
	if strings.HasPrefix(comment, "cyc-") {
		return comment
	}
	return ""
}
