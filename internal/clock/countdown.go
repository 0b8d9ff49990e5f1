package clock

import (
	"context"
	"time"
)

// MaxTickInterval bounds how coarse a countdown stream may be.
const MaxTickInterval = time.Second

// Tick is one reading of a countdown stream.
type Tick struct {
	Now       time.Time
	Remaining time.Duration
}

// Seconds returns the remaining time in whole seconds.
func (t Tick) Seconds() int64 {
	return int64(t.Remaining / time.Second)
}

// Expired reports whether the deadline has been reached.
func (t Tick) Expired() bool {
	return t.Remaining <= 0
}

// Countdown emits the time left until end every interval. Each tick is
// recomputed from end and the clock, so a slow consumer or a missed tick never
// accumulates drift. The stream emits one zero tick and closes once end is
// reached, or closes when ctx is cancelled. Intervals outside (0, MaxTickInterval]
// are clamped to MaxTickInterval.
//
// The channel has capacity one and a pending unread tick is replaced by the
// newer reading.
func Countdown(ctx context.Context, c Clock, end time.Time, interval time.Duration) <-chan Tick {
	if interval <= 0 || interval > MaxTickInterval {
		interval = MaxTickInterval
	}

	out := make(chan Tick, 1)
	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			now := c.Now()
			tick := Tick{Now: now, Remaining: Remaining(now, end)}
			if !offer(ctx, out, tick) {
				return
			}
			if tick.Expired() {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// offer delivers t, replacing a stale unread tick. The final zero tick is
// delivered with a blocking send so a consumer always observes expiry.
func offer(ctx context.Context, out chan Tick, t Tick) bool {
	if t.Expired() {
		select {
		case <-out:
		default:
		}
		select {
		case out <- t:
			return true
		case <-ctx.Done():
			return false
		}
	}

	select {
	case out <- t:
		return true
	default:
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- t:
	default:
	}
	return ctx.Err() == nil
}
