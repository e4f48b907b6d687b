// Package idempotency tracks the correlation keys of order submissions so
// a retry after an unknown outcome can never place a second live ticket
// for the same logical intent. A small LRU answers the hot path; misses
// fall through to the durable checker (the order ledger's correlation
// column).
package idempotency

import (
	"container/list"
	"context"
	"strings"
	"sync"
)

// Checker consults the durable record of correlation keys.
type Checker interface {
	SeenCorrelation(ctx context.Context, key string) (bool, error)
}

type entry struct {
	key string
}

// Registry is the in-memory front tier. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[string]*list.Element
	checker  Checker
}

const defaultCapacity = 4096

// NewRegistry builds a registry with the given LRU capacity. checker may
// be nil, in which case only the in-memory tier is consulted.
func NewRegistry(capacity int, checker Checker) *Registry {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Registry{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element, capacity),
		checker:  checker,
	}
}

// Seen reports whether the key was already used for a submission. An LRU
// hit short-circuits; otherwise the durable checker decides, and a hit
// there is pulled into the LRU.
func (r *Registry) Seen(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	r.mu.Lock()
	if el, ok := r.index[key]; ok {
		r.ll.MoveToFront(el)
		r.mu.Unlock()
		return true, nil
	}
	r.mu.Unlock()

	if r.checker == nil {
		return false, nil
	}
	seen, err := r.checker.SeenCorrelation(ctx, key)
	if err != nil {
		return false, err
	}
	if seen {
		r.Record(key)
	}
	return seen, nil
}

// Record marks a key used. Called immediately before the venue call so an
// unknown-outcome timeout leaves the key reserved.
func (r *Registry) Record(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.index[key]; ok {
		r.ll.MoveToFront(el)
		return
	}
	el := r.ll.PushFront(entry{key: key})
	r.index[key] = el
	for r.ll.Len() > r.capacity {
		oldest := r.ll.Back()
		if oldest == nil {
			break
		}
		r.ll.Remove(oldest)
		delete(r.index, oldest.Value.(entry).key)
	}
}

// Forget releases a key after a definite no-effect outcome (venue
// rejection), letting a fresh retry reuse it.
func (r *Registry) Forget(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.index[key]; ok {
		r.ll.Remove(el)
		delete(r.index, key)
	}
}

// Warm preloads keys, oldest first, typically from the open orders loaded
// at startup.
func (r *Registry) Warm(keys []string) {
	for _, key := range keys {
		r.Record(key)
	}
}

// Len reports the number of cached keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ll.Len()
}
