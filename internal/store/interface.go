package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cyclone/internal/cycle"
	"cyclone/internal/gateway/venue"
)

// Close reasons recorded on order rows. The reason is written by whichever
// transition closes the row first and is never overwritten afterwards.
const (
	CloseReasonReconciliation = "not found on reconciliation"
	CloseReasonExplicit       = "explicit close"
)

// OpenedBy values tag how an order came into existence.
const (
	OpenedByInitial    = "initial"
	OpenedByHedge      = "hedge"
	OpenedByRecovery   = "recovery"
	OpenedByThreshold  = "threshold"
	OpenedByManual     = "manual"
	OpenedByReconciled = "reconciled"
)

// ErrNotFound is returned by updates that target a row that does not exist.
// Lookups report absence through their bool return instead.
var ErrNotFound = errors.New("store: record not found")

// UnavailableError wraps persistence failures that callers should treat as
// temporary: pause new work, keep consuming ticks, retry the write.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err carries an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// StaleReferenceError marks a role-set ticket that no longer exists in the
// ledger. Holders treat the ticket as already closed.
type StaleReferenceError struct {
	Ticket venue.Ticket
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("stale order reference: ticket %d not in ledger", e.Ticket)
}

// IsStaleReference reports whether err carries a StaleReferenceError.
func IsStaleReference(err error) bool {
	var se *StaleReferenceError
	return errors.As(err, &se)
}

// OrderRecord is the ledger's view of one venue order. The venue remains
// authoritative for live fields; reconciliation refreshes them. Close state
// and its reason belong to the ledger alone.
type OrderRecord struct {
	Ticket        venue.Ticket    `json:"ticket"`
	CycleID       string          `json:"cycle_id"`
	CorrelationID string          `json:"correlation_id"`
	Symbol        string          `json:"symbol"`
	Kind          venue.OrderKind `json:"kind"`
	Type          venue.OrderType `json:"type"`
	Volume        float64         `json:"volume"`
	OpenPrice     float64         `json:"open_price"`
	CurrentPrice  float64         `json:"current_price"`
	StopLoss      float64         `json:"stop_loss"`
	TakeProfit    float64         `json:"take_profit"`
	Commission    float64         `json:"commission"`
	Swap          float64         `json:"swap"`
	Profit        float64         `json:"profit"`
	Magic         int64           `json:"magic"`
	Comment       string          `json:"comment"`
	OpenedBy      string          `json:"opened_by"`
	ClosingMethod string          `json:"closing_method,omitempty"`
	IsClosed      bool            `json:"is_closed"`
	CloseReason   string          `json:"close_reason,omitempty"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	LastSeenAt    *time.Time      `json:"last_seen_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsPending reports whether the record refers to a working pending order
// rather than an open position.
func (r OrderRecord) IsPending() bool { return r.Kind == venue.KindPending }

// SignedVolume returns the volume with direction applied: positive for buys,
// negative for sells, zero for pending orders that carry no exposure yet.
func (r OrderRecord) SignedVolume() float64 {
	if r.IsPending() {
		return 0
	}
	if r.Type.Side() == venue.SideSell {
		return -r.Volume
	}
	return r.Volume
}

// AccountSnapshotRecord is one point on the account equity curve.
type AccountSnapshotRecord struct {
	ID            int64     `json:"id"`
	Balance       float64   `json:"balance"`
	Equity        float64   `json:"equity"`
	Margin        float64   `json:"margin"`
	MarginFree    float64   `json:"margin_free"`
	Profit        float64   `json:"profit"`
	OpenPositions int       `json:"open_positions"`
	At            time.Time `json:"at"`
}

// CyclePatch is a partial cycle update. Nil fields are left untouched; the
// role sets are replaced as a whole so a patch is always internally
// consistent. Single-writer-per-cycle makes read-modify-write safe.
type CyclePatch struct {
	Status         *cycle.Status
	Roles          *cycle.RoleSets
	ZoneIndex      *int
	LotIdx         *int
	HedgeAttempts  *int
	LowerBound     *float64
	UpperBound     *float64
	ThresholdLower *float64
	ThresholdUpper *float64
	TotalVolume    *float64
	TotalProfit    *float64
	ClosingMethod  *cycle.ClosingMethod
}

// Empty reports whether the patch changes nothing.
func (p CyclePatch) Empty() bool {
	return p.Status == nil && p.Roles == nil && p.ZoneIndex == nil && p.LotIdx == nil &&
		p.HedgeAttempts == nil && p.LowerBound == nil && p.UpperBound == nil &&
		p.ThresholdLower == nil && p.ThresholdUpper == nil && p.TotalVolume == nil &&
		p.TotalProfit == nil && p.ClosingMethod == nil
}

// PatchFrom captures the cycle's complete mutable state as a patch. The
// engine persists this after every transition, so a write retried after an
// outage lands the latest state rather than replaying a stale increment.
func PatchFrom(c *cycle.Cycle) CyclePatch {
	roles := c.Roles.Clone()
	patch := CyclePatch{
		Status:         &c.Status,
		Roles:          &roles,
		ZoneIndex:      &c.ZoneIndex,
		LotIdx:         &c.LotIdx,
		HedgeAttempts:  &c.HedgeAttempts,
		LowerBound:     &c.LowerBound,
		UpperBound:     &c.UpperBound,
		ThresholdLower: &c.ThresholdLower,
		ThresholdUpper: &c.ThresholdUpper,
		TotalVolume:    &c.TotalVolume,
		TotalProfit:    &c.TotalProfit,
	}
	if c.ClosingMethod != "" {
		patch.ClosingMethod = &c.ClosingMethod
	}
	return patch
}

// CycleStore persists cycles. Every mutation is atomic per cycle row.
type CycleStore interface {
	// CreateCycle inserts a new cycle and fills in its storage id.
	CreateCycle(ctx context.Context, c *cycle.Cycle) error
	// GetCycle looks a cycle up by storage id. Absence is not an error.
	GetCycle(ctx context.Context, id int64) (cycle.Cycle, bool, error)
	// GetCycleByCycleID looks a cycle up by its engine-assigned identifier.
	GetCycleByCycleID(ctx context.Context, cycleID string) (cycle.Cycle, bool, error)
	// ListActiveCycles returns every cycle that is not terminally closed,
	// oldest first. This is the crash-recovery read.
	ListActiveCycles(ctx context.Context) ([]cycle.Cycle, error)
	// ListRecentCycles pages through cycle history, newest first. An empty
	// symbol matches all symbols.
	ListRecentCycles(ctx context.Context, symbol string, limit, offset int) ([]cycle.Cycle, error)
	// UpdateCycle applies a partial update. ErrNotFound if no such cycle.
	UpdateCycle(ctx context.Context, cycleID string, patch CyclePatch) error
	// CloseCycle marks the cycle terminally closed with the given method.
	// Closing an already closed cycle is a no-op that keeps the original
	// method and timestamp.
	CloseCycle(ctx context.Context, cycleID string, method cycle.ClosingMethod, closedAt time.Time) error
}

// OrderLedger persists the engine's view of venue orders.
type OrderLedger interface {
	// UpsertOrder inserts or refreshes a row keyed by ticket. Live fields
	// are overwritten from the venue view; is_closed, close_reason and
	// closed_at are never touched by an upsert, so reconciliation cannot
	// resurrect or re-close a row.
	UpsertOrder(ctx context.Context, rec OrderRecord) error
	// GetOrder looks a row up by ticket. Absence is not an error.
	GetOrder(ctx context.Context, ticket venue.Ticket) (OrderRecord, bool, error)
	// GetOrderByCorrelation looks a row up by the client-assigned
	// correlation identifier.
	GetOrderByCorrelation(ctx context.Context, correlationID string) (OrderRecord, bool, error)
	// ListOrdersByCycle returns every row referencing the cycle, oldest
	// first, closed rows included.
	ListOrdersByCycle(ctx context.Context, cycleID string) ([]OrderRecord, error)
	// ListOpenOrders returns open position rows.
	ListOpenOrders(ctx context.Context) ([]OrderRecord, error)
	// ListPendingOrders returns working pending-order rows.
	ListPendingOrders(ctx context.Context) ([]OrderRecord, error)
	// MarkOrderClosed transitions a row to closed with the given reason.
	// The transition happens exactly once: later calls are no-ops that
	// preserve the first reason. ErrNotFound if the ticket was never seen.
	MarkOrderClosed(ctx context.Context, ticket venue.Ticket, reason string, closedAt time.Time) error
	// CloseOrdersMissingFrom closes every open row whose ticket is absent
	// from the live set, recording CloseReasonReconciliation, and returns
	// the rows it transitioned. Rows already closed are never revisited,
	// which makes repeated reconciliation passes converge.
	CloseOrdersMissingFrom(ctx context.Context, live []venue.Ticket, closedAt time.Time) ([]OrderRecord, error)
	// SeenCorrelation reports whether any row carries the correlation id.
	SeenCorrelation(ctx context.Context, key string) (bool, error)
}

// SnapshotStore records the account equity curve.
type SnapshotStore interface {
	AppendAccountSnapshot(ctx context.Context, rec AccountSnapshotRecord) error
	// ListAccountSnapshots returns snapshots at or after since, oldest
	// first. A zero since returns the most recent window.
	ListAccountSnapshots(ctx context.Context, since time.Time, limit int) ([]AccountSnapshotRecord, error)
}
