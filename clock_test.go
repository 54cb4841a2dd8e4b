package oob

import (
	"context"
	"testing"
	"time"
)

func TestActivityClock_RefreshesAndStops(t *testing.T) {
	c := newActivityClock(10 * time.Millisecond)
	c.now.Store(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, "clock refresh", func() bool { return c.Now() != 0 })
	if d := time.Now().Unix() - c.Now(); d < 0 || d > 1 {
		t.Errorf("cached time off by %ds", d)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
}
