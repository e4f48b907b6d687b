// Package venue defines the abstract order-execution surface the engine
// talks to. Implementations translate intents into venue requests and
// resolve the acknowledgement race; they hold no cycle or order state.
package venue

import "context"

// Venue is the execution contract. Submit blocks until the returned
// ticket is visible to Query (bounded backoff) or fails with
// AckTimeoutError; Close is idempotent-attempted, so closing a ticket the
// venue already closed reports success.
type Venue interface {
	// Submit places the order and returns the venue ticket once it is
	// confirmed queryable.
	Submit(ctx context.Context, intent Intent) (Ticket, error)
	// Close closes a position or cancels a pending order, allowing the
	// given slippage deviation in points.
	Close(ctx context.Context, ticket Ticket, deviation int) error
	// Query looks the ticket up in the live order/position set. Absence
	// is not an error; the second return reports visibility.
	Query(ctx context.Context, ticket Ticket) (Order, bool, error)
	// Positions returns all open positions on the account.
	Positions(ctx context.Context) ([]Order, error)
	// PendingOrders returns all working pending orders on the account.
	PendingOrders(ctx context.Context) ([]Order, error)
}

// MarketData serves quotes and history for bound derivation and display.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (Tick, error)
	Candles(ctx context.Context, symbol, timeframe string, count int) ([]Candle, error)
}

// AccountReader exposes the account snapshot used for display and
// stop-out inference.
type AccountReader interface {
	Account(ctx context.Context) (AccountSnapshot, error)
}

// SymbolInformer serves per-symbol trading parameters (point size,
// digits, stop distance) needed for zone math and bound derivation.
type SymbolInformer interface {
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
}

// TickStream delivers live quotes for a symbol set. Implementations
// reconnect internally; the channel closes only when ctx ends.
type TickStream interface {
	StreamTicks(ctx context.Context, symbols []string) (<-chan Tick, error)
}
