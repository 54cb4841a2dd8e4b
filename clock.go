package oob

import (
	"context"
	"sync/atomic"
	"time"
)

// activityClock caches the Unix time for peer activity stamps so the
// read path does not consult the clock once per frame.
type activityClock struct {
	now  atomic.Int64
	tick time.Duration
}

func newActivityClock(tick time.Duration) *activityClock {
	c := &activityClock{tick: tick}
	c.now.Store(time.Now().Unix())
	return c
}

// Now returns the cached Unix time, at most one tick old.
func (c *activityClock) Now() int64 { return c.now.Load() }

// run refreshes the cached time until ctx is done.
func (c *activityClock) run(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.now.Store(now.Unix())
		case <-ctx.Done():
			return
		}
	}
}
