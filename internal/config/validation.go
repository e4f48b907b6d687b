package config

import (
	"fmt"
	"strings"
)

// validate runs basic sanity checks. Credentials are required because a
// session that cannot log in is useless by the time the engine notices.
func validate(c *Config) error {
	if err := c.Venue.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (v *VenueConfig) validate() error {
	if v.Account <= 0 {
		return fmt.Errorf("venue.account is required")
	}
	if strings.TrimSpace(v.Password) == "" {
		return fmt.Errorf("venue.password is required")
	}
	if strings.TrimSpace(v.Server) == "" {
		return fmt.Errorf("venue.server is required")
	}
	if v.Ack.Attempts <= 0 {
		return fmt.Errorf("venue.ack.attempts must be positive")
	}
	if v.Ack.BaseDelay > v.Ack.MaxDelay {
		return fmt.Errorf("venue.ack.base_delay exceeds venue.ack.max_delay")
	}
	if v.Deviation < 0 {
		return fmt.Errorf("venue.deviation must be >= 0")
	}
	return nil
}

func (e *EngineConfig) validate() error {
	if len(e.Symbols) == 0 {
		return fmt.Errorf("engine.symbols requires at least one symbol")
	}
	seen := make(map[string]struct{}, len(e.Symbols))
	for i, s := range e.Symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			return fmt.Errorf("engine.symbols contains an empty entry")
		}
		if _, dup := seen[sym]; dup {
			return fmt.Errorf("engine.symbols contains duplicate %s", sym)
		}
		seen[sym] = struct{}{}
		e.Symbols[i] = sym
	}
	if e.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive")
	}
	if e.ReconcileInterval <= 0 {
		return fmt.Errorf("engine.reconcile_interval must be positive")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	t := n.Telegram
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.BotToken) == "" || strings.TrimSpace(t.ChatID) == "" {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}
