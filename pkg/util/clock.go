package util

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the part of clock.Clock the pipeline needs. Tests pass a
// *clock.Mock and move it with Add.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

var _ Clock = (*clock.Mock)(nil)

// SystemClock returns the wall clock.
func SystemClock() Clock { return clock.New() }

// Sleep waits for d on clock c, returning early with ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
