package cycle

import (
	"strings"
	"time"

	"cyclone/internal/gateway/venue"
)

// Status is a descriptive phase label. The authoritative state of a cycle is
// derived from its role sets and bounds; the label exists for persistence,
// logs and the HTTP API.
type Status string

const (
	StatusPendingOpen Status = "pending_open"
	StatusActive      Status = "active"
	StatusHedging     Status = "hedging"
	StatusRecovering  Status = "recovering"
	StatusClosing     Status = "closing"
	StatusClosed      Status = "closed"
	StatusHedgeFailed Status = "hedge_failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusClosed }

// Degraded reports whether the cycle needs operator attention.
func (s Status) Degraded() bool { return s == StatusHedgeFailed }

// ClosingMethod records why a cycle ended.
type ClosingMethod string

const (
	CloseTakeProfit        ClosingMethod = "take_profit"
	CloseStopOut           ClosingMethod = "stop_out"
	CloseManual            ClosingMethod = "manual"
	CloseRecoveryExhausted ClosingMethod = "recovery_exhausted"
	// CloseReconciled marks cycles whose every order vanished at the venue
	// before the engine issued any close intent, e.g. stops hit while the
	// engine was down or positions flattened from the terminal.
	CloseReconciled ClosingMethod = "reconciled"
)

// Role tags an order reference inside a cycle.
type Role string

const (
	RolePending     Role = "pending"
	RoleInitial     Role = "initial"
	RoleHedge       Role = "hedge"
	RoleRecovery    Role = "recovery"
	RoleMaxRecovery Role = "max_recovery"
	RoleClosed      Role = "closed"
)

// Cycle is one managed price band: a directional entry plus whatever hedge
// and recovery orders the band forced, tracked until everything is flat.
// Order rows in the ledger are authoritative; the cycle only holds ordered
// ticket references grouped by role.
type Cycle struct {
	ID      int64  `json:"id"`
	CycleID string `json:"cycle_id"`
	Symbol  string `json:"symbol"`
	Account int64  `json:"account"`
	Bot     string `json:"bot"`

	Status    Status     `json:"status"`
	Direction venue.Side `json:"direction"`

	LowerBound float64 `json:"lower_bound"`
	UpperBound float64 `json:"upper_bound"`
	// Threshold is the inner-band inset in points. Zero disables the inner
	// band; when set, ThresholdLower/ThresholdUpper hold the derived prices
	// and LowerBound <= ThresholdLower <= ThresholdUpper <= UpperBound.
	Threshold      float64 `json:"threshold"`
	ThresholdLower float64 `json:"threshold_lower"`
	ThresholdUpper float64 `json:"threshold_upper"`

	ZoneIndex     int `json:"zone_index"`
	LotIdx        int `json:"lot_idx"`
	HedgeAttempts int `json:"hedge_attempts"`

	Roles RoleSets `json:"roles"`

	// TotalVolume and TotalProfit are recomputed from the referenced ledger
	// rows after every change, never incremented in place.
	TotalVolume float64 `json:"total_volume"`
	TotalProfit float64 `json:"total_profit"`

	Params Params `json:"params"`

	ClosingMethod ClosingMethod `json:"closing_method,omitempty"`
	Magic         int64         `json:"magic"`

	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsClosed reports whether the cycle reached its terminal state.
func (c *Cycle) IsClosed() bool { return c.Status.Terminal() }

// IsPending reports whether the cycle is still waiting for its initial fill.
func (c *Cycle) IsPending() bool { return c.Status == StatusPendingOpen }

// Locked reports whether the cycle carries an active hedge, i.e. exposure is
// neutralized and the next band breakout must be worked as recovery.
func (c *Cycle) Locked() bool { return len(c.Roles.Hedge) > 0 }

// ThresholdEnabled reports whether the inner band is in force.
func (c *Cycle) ThresholdEnabled() bool {
	return c.Threshold > 0 && c.ThresholdLower > 0 && c.ThresholdUpper > 0
}

// InBand reports whether the price sits inside the outer bound.
func (c *Cycle) InBand(price float64) bool {
	return price >= c.LowerBound && price <= c.UpperBound
}

// InThreshold reports whether the price sits inside the inner band. Cycles
// without a threshold treat the whole outer band as the inner band.
func (c *Cycle) InThreshold(price float64) bool {
	if !c.ThresholdEnabled() {
		return c.InBand(price)
	}
	return price >= c.ThresholdLower && price <= c.ThresholdUpper
}

// BreakoutSide returns the side a breakout order must take for the given
// price, and whether the price is outside the outer bound at all.
func (c *Cycle) BreakoutSide(price float64) (venue.Side, bool) {
	switch {
	case price > c.UpperBound:
		return venue.SideBuy, true
	case price < c.LowerBound:
		return venue.SideSell, true
	default:
		return "", false
	}
}

// DerivedStatus computes the phase label from the role sets. It never
// returns StatusClosed or StatusHedgeFailed; those are assigned explicitly.
func (c *Cycle) DerivedStatus() Status {
	switch {
	case len(c.Roles.Recovery) > 0 || len(c.Roles.MaxRecovery) > 0:
		return StatusRecovering
	case len(c.Roles.Hedge) > 0:
		return StatusHedging
	case len(c.Roles.Initial) > 0:
		return StatusActive
	case len(c.Roles.Pending) > 0:
		return StatusPendingOpen
	case len(c.Roles.Closed) > 0:
		return StatusClosing
	default:
		return StatusPendingOpen
	}
}

// NormalizeSymbol uppercases and trims a venue symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
