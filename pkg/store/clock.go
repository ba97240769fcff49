package store

import (
	"sync"
	"time"
)

// monotonicClock hands out strictly increasing UTC timestamps at a fixed
// resolution, so creation order survives the backend's timestamp precision.
type monotonicClock struct {
	mu         sync.Mutex
	now        func() time.Time
	resolution time.Duration
	last       time.Time
}

func newMonotonicClock(resolution time.Duration) *monotonicClock {
	return &monotonicClock{now: time.Now, resolution: resolution}
}

func (c *monotonicClock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(c.resolution)
	if !t.After(c.last) {
		t = c.last.Add(c.resolution)
	}
	c.last = t
	return t
}
