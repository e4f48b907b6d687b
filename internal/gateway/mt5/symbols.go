package mt5

import (
	"context"
	"sync"
	"time"

	"cyclone/internal/gateway/venue"
)

type cachedSymbol struct {
	info    venue.SymbolInfo
	fetched time.Time
}

// symbolCache keeps symbol trading parameters hot. Point size and digits
// are effectively static but the venue may retune stops level intraday.
type symbolCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cachedSymbol
}

func newSymbolCache(ttl time.Duration) *symbolCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &symbolCache{ttl: ttl, entries: make(map[string]cachedSymbol)}
}

func (c *symbolCache) get(ctx context.Context, symbol string, fetch func(context.Context, string) (venue.SymbolInfo, error)) (venue.SymbolInfo, error) {
	c.mu.RLock()
	cached, ok := c.entries[symbol]
	c.mu.RUnlock()
	if ok && time.Since(cached.fetched) < c.ttl {
		return cached.info, nil
	}

	info, err := fetch(ctx, symbol)
	if err != nil {
		// stale beats nothing when the bridge hiccups
		if ok {
			return cached.info, nil
		}
		return venue.SymbolInfo{}, err
	}
	c.mu.Lock()
	c.entries[symbol] = cachedSymbol{info: info, fetched: time.Now()}
	c.mu.Unlock()
	return info, nil
}
