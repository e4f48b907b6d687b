package cycle

import "cyclone/internal/gateway/venue"

// Command is one side effect the state machine asks its worker to carry
// out. The machine mutates the cycle in memory and describes what must
// happen at the venue or the store; it performs no I/O itself.
type Command interface {
	command()
}

// SubmitOrder places one order. The worker reports the outcome back
// through OnOrderOpened or OnSubmitFailed before feeding the next tick.
type SubmitOrder struct {
	Role   Role
	Intent venue.Intent
}

// CloseTicket closes a position or cancels a working pending order.
// Confirmation arrives later through reconciliation, so the machine may
// reissue the same close on subsequent ticks until the ledger agrees.
type CloseTicket struct {
	Ticket venue.Ticket
	Reason string
}

// FinalizeCycle persists the terminal state with its closing method.
type FinalizeCycle struct {
	Method ClosingMethod
}

// Alert raises an operator notification.
type Alert struct {
	Severity string
	Message  string
}

const (
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

func (SubmitOrder) command()   {}
func (CloseTicket) command()   {}
func (FinalizeCycle) command() {}
func (Alert) command()         {}
