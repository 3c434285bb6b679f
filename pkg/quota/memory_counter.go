package quota

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCounter is an in-process Counter for tests and single-node
// deployments. Entries older than twice the longest observed window are
// pruned opportunistically on writes.
type MemoryCounter struct {
	mu      sync.Mutex
	events  map[string][]time.Time
	maxSpan time.Duration
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{events: make(map[string][]time.Time), maxSpan: time.Hour}
}

func (c *MemoryCounter) Note(ctx context.Context, tenantID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	evs := append(c.events[tenantID], at)
	sort.Slice(evs, func(i, j int) bool { return evs[i].Before(evs[j]) })

	// Prune anything far outside any plausible window.
	cutoff := time.Now().Add(-2 * c.maxSpan)
	for len(evs) > 0 && evs[0].Before(cutoff) {
		evs = evs[1:]
	}
	c.events[tenantID] = evs
	return nil
}

func (c *MemoryCounter) Count(ctx context.Context, tenantID string, since time.Time) (int, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	var oldest time.Time
	for _, at := range c.events[tenantID] {
		if at.Before(since) {
			continue
		}
		n++
		if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
	}
	return n, oldest, nil
}

func (c *MemoryCounter) Forget(ctx context.Context, tenantID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	evs := c.events[tenantID]
	bestIdx := -1
	var bestDelta time.Duration
	for i, ev := range evs {
		delta := ev.Sub(at)
		if delta < 0 {
			delta = -delta
		}
		if bestIdx == -1 || delta < bestDelta {
			bestIdx, bestDelta = i, delta
		}
	}
	if bestIdx >= 0 {
		c.events[tenantID] = append(evs[:bestIdx], evs[bestIdx+1:]...)
	}
	return nil
}
