package service

import (
	"context"
	"time"

	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/model"
)

// CountdownFeed derives remaining time until a session's expiry. It never touches
// the store: every tick is computed from the immutable expires_at and the clock.
type CountdownFeed struct {
	clock    clock.Clock
	interval time.Duration
	// ticker is swapped in tests to drive ticks by hand.
	ticker func(time.Duration) (<-chan time.Time, func())
}

// NewCountdownFeed creates a feed that samples once per interval.
func NewCountdownFeed(clk clock.Clock, interval time.Duration) *CountdownFeed {
	return &CountdownFeed{
		clock:    clk,
		interval: interval,
		ticker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// RemainingAt is the pure derivation: max(0, expires_at - now), flagged expired at zero.
func (f *CountdownFeed) RemainingAt(session *model.AttendanceSession, now time.Time) model.CountdownTick {
	remaining := session.RemainingAt(now)
	return model.CountdownTick{Remaining: remaining, Expired: remaining == 0}
}

// Remaining streams ticks for session: one immediately, then one per interval. The
// tick that reaches zero carries Expired and is the last; the channel then closes.
// It also closes when ctx ends. Each call is an independent feed.
func (f *CountdownFeed) Remaining(ctx context.Context, session *model.AttendanceSession) <-chan model.CountdownTick {
	window := *session
	out := make(chan model.CountdownTick, 1)

	go func() {
		defer close(out)

		tickC, stop := f.ticker(f.interval)
		defer stop()

		for {
			tick := f.RemainingAt(&window, f.clock.Now())
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
			if tick.Expired {
				return
			}
			select {
			case <-tickC:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
