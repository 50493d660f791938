package loop

import "time"

// Every runs fn on l once per interval until the returned stop function is
// called. Each tick re-schedules the next one after fn returns, so ticks never
// overlap and a slow callback delays the following tick instead of queueing
// a burst.
//
// Every and stop must be called on the loop. stop is idempotent, and a tick that is
// already queued when stop runs does nothing.
func Every(l Loop, interval time.Duration, fn func()) (stop func()) {
	if interval <= 0 {
		interval = DisplayRefresh
	}

	var (
		gen     uint64
		current Timer
		tick    func()
	)
	schedule := func(g uint64) {
		current = l.AfterFunc(interval, func() {
			if g != gen {
				return
			}
			tick()
		})
	}
	tick = func() {
		g := gen
		fn()
		if g == gen {
			schedule(g)
		}
	}
	schedule(gen)

	return func() {
		gen++
		if current != nil {
			current.Stop()
			current = nil
		}
	}
}
