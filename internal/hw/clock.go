package hw

import (
	"context"
	"runtime"
	"time"
)

// SystemClock waits using the Go runtime timers.
type SystemClock struct{}

func (SystemClock) Hold(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (SystemClock) Yield() { runtime.Gosched() }

// InstantClock never waits. It records the holds it was asked for.
type InstantClock struct {
	Held   []time.Duration
	Yields int
}

func (c *InstantClock) Hold(ctx context.Context, d time.Duration) error {
	c.Held = append(c.Held, d)
	return ctx.Err()
}

func (c *InstantClock) Yield() {
	c.Yields++
	runtime.Gosched()
}
