// Package notifier pushes operator alerts to an external channel. The
// engine only ever hands over a severity and a message; rendering and
// transport stay behind the Sender interface so tests and disabled
// installs can swap in a no-op.
package notifier

import "context"

// Sender delivers one rendered text message.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

// Noop drops everything. Used when no channel is configured.
type Noop struct{}

func (Noop) SendText(ctx context.Context, text string) error { return nil }

// Alerts adapts severity-tagged engine alerts onto a Sender.
type Alerts struct {
	sender Sender
}

// NewAlerts wraps a sender. A nil sender degrades to Noop.
func NewAlerts(sender Sender) *Alerts {
	if sender == nil {
		sender = Noop{}
	}
	return &Alerts{sender: sender}
}

// Notify renders and sends one alert.
func (a *Alerts) Notify(ctx context.Context, severity, message string) error {
	return a.sender.SendText(ctx, renderAlert(severity, message))
}
