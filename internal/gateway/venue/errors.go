package venue

import (
	"errors"
	"fmt"
)

// RejectedError reports a venue completion code outside the "done"
// family. The intent had no effect; the cycle stays in its prior state.
type RejectedError struct {
	Retcode int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("venue rejected: retcode=%d %s", e.Retcode, e.Message)
	}
	return fmt.Sprintf("venue rejected: retcode=%d", e.Retcode)
}

// AckTimeoutError reports a ticket that never became visible within the
// polling budget. The trade is unknown-state: neither confirmed open nor
// confirmed absent. Callers must not assume failure; a later
// reconciliation pass resolves it via the correlation key.
type AckTimeoutError struct {
	Ticket   Ticket
	Attempts int
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("venue ack timeout: ticket=%d not visible after %d polls", e.Ticket, e.Attempts)
}

// IsRejected reports whether err carries a venue rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsAckTimeout reports whether err is an unknown-state acknowledgement
// timeout.
func IsAckTimeout(err error) bool {
	var ae *AckTimeoutError
	return errors.As(err, &ae)
}
