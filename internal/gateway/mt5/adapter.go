package mt5

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cyconfig "cyclone/internal/config"
	"cyclone/internal/gateway/venue"
	"cyclone/internal/logger"
	"cyclone/internal/pkg/backoff"
)

// Adapter implements venue.Venue against the terminal bridge. It is
// stateless per call apart from the symbol-info cache; all order and
// cycle state lives in the ledger and the cycle store.
type Adapter struct {
	session   *Session
	ack       backoff.Policy
	deviation int
	magic     int64
	symbols   *symbolCache
}

// NewAdapter binds the adapter to an owned session. The ack policy
// bounds the submit read-back loop.
func NewAdapter(session *Session, cfg cyconfig.VenueConfig) *Adapter {
	ack := backoff.Policy{
		BaseDelay:   cfg.Ack.BaseDelay,
		MaxDelay:    cfg.Ack.MaxDelay,
		MaxAttempts: cfg.Ack.Attempts,
	}
	deviation := cfg.Deviation
	if deviation <= 0 {
		deviation = 10
	}
	return &Adapter{
		session:   session,
		ack:       ack,
		deviation: deviation,
		magic:     cfg.Magic,
		symbols:   newSymbolCache(cfg.SymbolCacheTTL),
	}
}

var _ venue.Venue = (*Adapter)(nil)

// Submit places the intent and blocks until the returned ticket is
// visible to Query. The venue assigns the ticket before the order shows
// up in reads, so the confirmation loop polls with bounded backoff; if
// the budget runs out the caller gets AckTimeoutError and must treat
// the trade as unknown-state.
func (a *Adapter) Submit(ctx context.Context, intent venue.Intent) (venue.Ticket, error) {
	if intent.Symbol == "" {
		return 0, fmt.Errorf("intent symbol is required")
	}
	info, err := a.SymbolInfo(ctx, intent.Symbol)
	if err != nil {
		return 0, fmt.Errorf("symbol info %s: %w", intent.Symbol, err)
	}
	volume, err := normalizeVolume(intent.Volume, info)
	if err != nil {
		return 0, err
	}

	anchor := intent.Price
	if !intent.Type.IsPending() {
		tick, err := a.Quote(ctx, intent.Symbol)
		if err != nil {
			return 0, fmt.Errorf("quote %s: %w", intent.Symbol, err)
		}
		anchor = anchorPrice(intent, tick)
	}
	sl, tp, err := resolveStops(intent, info, anchor)
	if err != nil {
		return 0, err
	}

	req := orderSendRequest{
		Symbol:      intent.Symbol,
		Volume:      volume,
		Type:        string(intent.Type),
		StopLoss:    sl,
		TakeProfit:  tp,
		Deviation:   a.intentDeviation(intent),
		Magic:       a.intentMagic(intent),
		Comment:     submitComment(intent),
		TypeTime:    string(defaultTIF(intent.TimeInForce)),
		TypeFilling: string(defaultFill(intent.FillPolicy)),
	}
	if intent.Type.IsPending() {
		req.Price = roundToDigits(intent.Price, info.Digits)
	}

	if err := a.session.Acquire(ctx); err != nil {
		return 0, err
	}
	resp, sendErr := a.session.Client().OrderSend(ctx, req)
	a.session.Release()

	if sendErr != nil {
		a.session.ReportOutcome(false)
		return 0, fmt.Errorf("order send %s %s: %w", intent.Type, intent.Symbol, sendErr)
	}
	if !retcodeOK(resp.Retcode) {
		a.session.ReportOutcome(resp.Retcode != retcodeNoConnection)
		return 0, &venue.RejectedError{Retcode: resp.Retcode, Message: resp.Comment}
	}
	a.session.ReportOutcome(true)

	ticket := venue.Ticket(resp.Order)
	if ticket == 0 {
		return 0, &venue.RejectedError{Retcode: resp.Retcode, Message: "no ticket in trade result"}
	}
	return a.awaitVisible(ctx, ticket)
}

// awaitVisible is the acknowledgement-race loop: the submission reply
// carries a ticket that queries cannot see yet. Poll until it appears
// or the bounded budget runs out.
func (a *Adapter) awaitVisible(ctx context.Context, ticket venue.Ticket) (venue.Ticket, error) {
	attempts := a.ack.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := a.ack.Sleep(ctx, attempt-1); err != nil {
				return 0, &venue.AckTimeoutError{Ticket: ticket, Attempts: attempt}
			}
		}
		_, found, err := a.Query(ctx, ticket)
		if err != nil {
			logger.Warnf("ack poll %d/%d for ticket %d: %v", attempt+1, attempts, ticket, err)
			continue
		}
		if found {
			return ticket, nil
		}
	}
	return 0, &venue.AckTimeoutError{Ticket: ticket, Attempts: attempts}
}

// Close closes a position or cancels a pending order. Idempotent by
// contract: a ticket the venue already closed reports success, because
// the position may have gone between decision and execution.
func (a *Adapter) Close(ctx context.Context, ticket venue.Ticket, deviation int) error {
	if deviation <= 0 {
		deviation = a.deviation
	}
	if err := a.session.Acquire(ctx); err != nil {
		return err
	}
	defer a.session.Release()

	resp, err := a.session.Client().PositionClose(ctx, int64(ticket), deviation)
	switch {
	case errors.Is(err, errNotFound):
		// not a position; try the pending book, then accept as closed
		cres, cerr := a.session.Client().OrderCancel(ctx, int64(ticket))
		if errors.Is(cerr, errNotFound) {
			a.session.ReportOutcome(true)
			return nil
		}
		if cerr != nil {
			a.session.ReportOutcome(false)
			return fmt.Errorf("cancel order %d: %w", ticket, cerr)
		}
		if !retcodeOK(cres.Retcode) && cres.Retcode != retcodePositionClosed {
			a.session.ReportOutcome(cres.Retcode != retcodeNoConnection)
			return &venue.RejectedError{Retcode: cres.Retcode, Message: cres.Comment}
		}
		a.session.ReportOutcome(true)
		return nil
	case err != nil:
		a.session.ReportOutcome(false)
		return fmt.Errorf("close position %d: %w", ticket, err)
	}

	if retcodeOK(resp.Retcode) || resp.Retcode == retcodePositionClosed {
		a.session.ReportOutcome(true)
		return nil
	}
	a.session.ReportOutcome(resp.Retcode != retcodeNoConnection)
	return &venue.RejectedError{Retcode: resp.Retcode, Message: resp.Comment}
}

// Query looks a ticket up in the live position set, then the pending
// book. Absence is routine during the acknowledgement window and is not
// an error.
func (a *Adapter) Query(ctx context.Context, ticket venue.Ticket) (venue.Order, bool, error) {
	pos, err := a.session.Client().PositionByTicket(ctx, int64(ticket))
	if err == nil {
		return toVenueOrderFromPosition(*pos), true, nil
	}
	if !errors.Is(err, errNotFound) {
		return venue.Order{}, false, err
	}
	ord, err := a.session.Client().OrderByTicket(ctx, int64(ticket))
	if err == nil {
		return toVenueOrderFromPending(*ord), true, nil
	}
	if !errors.Is(err, errNotFound) {
		return venue.Order{}, false, err
	}
	return venue.Order{}, false, nil
}

// Positions returns the venue's live open positions.
func (a *Adapter) Positions(ctx context.Context) ([]venue.Order, error) {
	raw, err := a.session.Client().Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]venue.Order, 0, len(raw))
	for _, p := range raw {
		out = append(out, toVenueOrderFromPosition(p))
	}
	return out, nil
}

// PendingOrders returns the venue's working pending orders.
func (a *Adapter) PendingOrders(ctx context.Context) ([]venue.Order, error) {
	raw, err := a.session.Client().PendingOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]venue.Order, 0, len(raw))
	for _, o := range raw {
		out = append(out, toVenueOrderFromPending(o))
	}
	return out, nil
}

// Quote returns the latest tick for a symbol.
func (a *Adapter) Quote(ctx context.Context, symbol string) (venue.Tick, error) {
	t, err := a.session.Client().Tick(ctx, symbol)
	if err != nil {
		return venue.Tick{}, err
	}
	return toVenueTick(*t), nil
}

// Candles returns recent bars, oldest first.
func (a *Adapter) Candles(ctx context.Context, symbol, timeframe string, count int) ([]venue.Candle, error) {
	raw, err := a.session.Client().Candles(ctx, symbol, timeframe, count)
	if err != nil {
		return nil, err
	}
	out := make([]venue.Candle, 0, len(raw))
	for _, c := range raw {
		out = append(out, venue.Candle{
			Time:   millisToTime(c.Time * 1000),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.TickVolume,
		})
	}
	return out, nil
}

// Account returns the venue account snapshot.
func (a *Adapter) Account(ctx context.Context) (venue.AccountSnapshot, error) {
	raw, err := a.session.Client().AccountInfo(ctx)
	if err != nil {
		return venue.AccountSnapshot{}, err
	}
	return venue.AccountSnapshot{
		Login:       raw.Login,
		Currency:    raw.Currency,
		Balance:     raw.Balance,
		Equity:      raw.Equity,
		Margin:      raw.Margin,
		FreeMargin:  raw.MarginFree,
		MarginLevel: raw.MarginLevel,
		Profit:      raw.Profit,
		Leverage:    raw.Leverage,
	}, nil
}

// SymbolInfo serves the symbol's trading parameters through a small TTL
// cache; point size and stops level change rarely.
func (a *Adapter) SymbolInfo(ctx context.Context, symbol string) (venue.SymbolInfo, error) {
	return a.symbols.get(ctx, symbol, func(ctx context.Context, sym string) (venue.SymbolInfo, error) {
		raw, err := a.session.Client().SymbolInfo(ctx, sym)
		if err != nil {
			return venue.SymbolInfo{}, err
		}
		return toVenueSymbolInfo(*raw), nil
	})
}

// Degraded reports whether the session breaker is rejecting submissions.
func (a *Adapter) Degraded() bool {
	return a.session.Degraded()
}

func (a *Adapter) intentDeviation(intent venue.Intent) int {
	if intent.Deviation > 0 {
		return intent.Deviation
	}
	return a.deviation
}

func (a *Adapter) intentMagic(intent venue.Intent) int64 {
	if intent.Magic != 0 {
		return intent.Magic
	}
	return a.magic
}

// submitComment puts the correlation key on the wire. The terminal caps
// comments at 31 characters, so keys are short by construction.
func submitComment(intent venue.Intent) string {
	c := strings.TrimSpace(intent.Correlation)
	if c == "" {
		c = strings.TrimSpace(intent.Comment)
	}
	if len(c) > 31 {
		c = c[:31]
	}
	return c
}

func defaultTIF(t venue.TimeInForce) venue.TimeInForce {
	if t == "" {
		return venue.TIFGTC
	}
	return t
}

func defaultFill(f venue.FillPolicy) venue.FillPolicy {
	if f == "" {
		return venue.FillIOC
	}
	return f
}
