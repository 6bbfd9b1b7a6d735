// Package idempotency makes retried driver mutations safe. A client may
// attach a free-form key to a mutating request; the first execution's
// response is cached under the key and replayed verbatim on retries
// within the TTL window.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
)

// Entry is a cached response: status code plus the literal body bytes,
// so the replay is bit-identical to the first response.
type Entry struct {
	Key       string    `json:"key"`
	Status    int       `json:"status"`
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Guard is the idempotency cache port.
type Guard interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, e Entry) error
}

// MemoryGuard is the in-process implementation. Expired entries are
// collected lazily on read; there is no background sweeper.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	clock   clock.Clock
}

func NewMemoryGuard(ttl time.Duration, clk clock.Clock) *MemoryGuard {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryGuard{entries: make(map[string]Entry), ttl: ttl, clock: clk}
}

func (g *MemoryGuard) Get(ctx context.Context, key string) (Entry, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	// Lazy GC: drop anything past TTL while we hold the lock.
	for k, e := range g.entries {
		if now.Sub(e.CreatedAt) > g.ttl {
			delete(g.entries, k)
		}
	}
	e, ok := g.entries[key]
	return e, ok, nil
}

func (g *MemoryGuard) Set(ctx context.Context, e Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = g.clock.Now()
	}
	g.entries[e.Key] = e
	return nil
}
