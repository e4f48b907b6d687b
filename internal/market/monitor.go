// Package market feeds the engine with prices: a live tick monitor with a
// polling fallback, and volatility-derived band sizing.
package market

import (
	"context"
	"strings"
	"sync"
	"time"

	"cyclone/internal/gateway/venue"
	"cyclone/internal/logger"
	"cyclone/internal/pkg/backoff"
)

// TickObserver consumes live ticks. NotifyTick must not block; slow
// consumers are expected to conflate into their own mailbox.
type TickObserver interface {
	NotifyTick(tick venue.Tick)
}

const lastTickMaxAge = 10 * time.Second

// Monitor owns the market data feed for a symbol set. It prefers the
// websocket stream and falls back to polling quotes whenever the stream
// goes quiet, so workers keep receiving prices through venue restarts.
type Monitor struct {
	stream  venue.TickStream
	quotes  venue.MarketData
	symbols []string
	poll    time.Duration
	retry   backoff.Policy

	OnStreamUp   func()
	OnStreamDown func(error)

	mu        sync.RWMutex
	last      map[string]venue.Tick
	observers []TickObserver

	startOnce sync.Once
}

// MonitorParams collects the monitor dependencies. Stream may be nil, in
// which case polling carries the feed alone.
type MonitorParams struct {
	Stream       venue.TickStream
	Quotes       venue.MarketData
	Symbols      []string
	PollInterval time.Duration
}

func NewMonitor(p MonitorParams) *Monitor {
	poll := p.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	symbols := make([]string, 0, len(p.Symbols))
	for _, s := range p.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	return &Monitor{
		stream:  p.Stream,
		quotes:  p.Quotes,
		symbols: symbols,
		poll:    poll,
		retry:   backoff.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		last:    make(map[string]venue.Tick),
	}
}

// AddObserver registers a tick consumer. Observers added after Start still
// receive every subsequent tick.
func (m *Monitor) AddObserver(o TickObserver) {
	if m == nil || o == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// Start launches the stream consumer and the polling fallback. Both exit
// when ctx ends; calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.startOnce.Do(func() {
		if m.stream != nil {
			go m.consumeStream(ctx)
		}
		go m.pollLoop(ctx)
	})
}

func (m *Monitor) consumeStream(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		ticks, err := m.stream.StreamTicks(ctx, m.symbols)
		if err != nil {
			if m.OnStreamDown != nil {
				m.OnStreamDown(err)
			}
			logger.Warnf("tick stream subscribe failed: %v", err)
			if err := m.retry.Sleep(ctx, attempt); err != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0
		if m.OnStreamUp != nil {
			m.OnStreamUp()
		}
		for tick := range ticks {
			m.Publish(tick)
		}
		if ctx.Err() != nil {
			return
		}
		if m.OnStreamDown != nil {
			m.OnStreamDown(nil)
		}
	}
}

// pollLoop quotes every symbol whose stream feed went stale. With no
// stream configured it simply is the feed.
func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, symbol := range m.symbols {
			if _, fresh := m.freshTick(symbol); fresh {
				continue
			}
			tick, err := m.quotes.Quote(ctx, symbol)
			if err != nil {
				logger.Debugf("quote poll %s failed: %v", symbol, err)
				continue
			}
			m.Publish(tick)
		}
	}
}

// Publish records a tick and fans it out to every observer.
func (m *Monitor) Publish(tick venue.Tick) {
	if m == nil || tick.Mid() <= 0 {
		return
	}
	tick.Symbol = strings.ToUpper(strings.TrimSpace(tick.Symbol))
	if tick.Symbol == "" {
		return
	}
	if tick.Time.IsZero() {
		tick.Time = time.Now()
	}
	m.mu.Lock()
	m.last[tick.Symbol] = tick
	observers := append([]TickObserver(nil), m.observers...)
	m.mu.Unlock()

	for _, o := range observers {
		o.NotifyTick(tick)
	}
}

// LatestTick returns the last tick seen for the symbol, however old.
func (m *Monitor) LatestTick(symbol string) (venue.Tick, bool) {
	if m == nil {
		return venue.Tick{}, false
	}
	m.mu.RLock()
	tick, ok := m.last[strings.ToUpper(strings.TrimSpace(symbol))]
	m.mu.RUnlock()
	return tick, ok
}

// LatestPrice returns a fresh mid price, reaching for a live quote when
// the cached tick aged out.
func (m *Monitor) LatestPrice(ctx context.Context, symbol string) float64 {
	if m == nil {
		return 0
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if tick, ok := m.freshTick(symbol); ok {
		return tick.Mid()
	}
	if m.quotes == nil {
		return 0
	}
	tick, err := m.quotes.Quote(ctx, symbol)
	if err != nil {
		logger.Warnf("quote %s failed: %v", symbol, err)
		return 0
	}
	m.Publish(tick)
	return tick.Mid()
}

func (m *Monitor) freshTick(symbol string) (venue.Tick, bool) {
	m.mu.RLock()
	tick, ok := m.last[symbol]
	m.mu.RUnlock()
	if !ok || tick.Mid() <= 0 {
		return venue.Tick{}, false
	}
	if !tick.Time.IsZero() && time.Since(tick.Time) > lastTickMaxAge {
		return venue.Tick{}, false
	}
	return tick, true
}
