// Package loop provides the single-threaded cooperative event loop that all
// call state runs on.
//
// Every component of a call (detector, capture controller, playback gate,
// session controller) mutates its state only from callbacks executed by a
// [Loop]. Device, renderer, and transport goroutines hand their events over
// with [Loop.Post], which preserves FIFO order. Timers created with
// [Loop.AfterFunc] also fire on the loop, so a cancelled timer never races
// with the code that cancelled it.
package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DisplayRefresh is the nominal tick interval of the energy sampling driver.
const DisplayRefresh = time.Second / 60

// Loop serialises callbacks onto one logical thread.
type Loop interface {
	// Post enqueues fn. It is safe to call from any goroutine. Callbacks run
	// in the order they were posted and never in parallel.
	Post(fn func())

	// AfterFunc schedules fn to run on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer

	// Now returns the loop's notion of the current time.
	Now() time.Time
}

// Timer is a handle to a callback scheduled with [Loop.AfterFunc].
type Timer interface {
	// Stop cancels the timer. It returns true if the call prevented fn from
	// running. When called on the loop, fn is guaranteed not to run
	// afterwards.
	Stop() bool
}

// Compile-time interface assertion.
var _ Loop = (*Runner)(nil)

// Runner is the production [Loop]. Callbacks execute on the goroutine that
// calls [Runner.Run].
type Runner struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool

	done chan struct{}
}

// New returns an idle Runner. Call [Runner.Run] to start processing.
func New() *Runner {
	return &Runner{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post implements [Loop]. Posts after [Runner.Close] are dropped.
func (r *Runner) Post(fn func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// AfterFunc implements [Loop].
func (r *Runner) AfterFunc(d time.Duration, fn func()) Timer {
	t := &timer{}
	t.t = time.AfterFunc(d, func() {
		r.Post(func() {
			if t.state.CompareAndSwap(timerPending, timerFired) {
				fn()
			}
		})
	})
	return t
}

// Now implements [Loop].
func (r *Runner) Now() time.Time { return time.Now() }

// Run drains the queue until ctx is cancelled or [Runner.Close] is called.
// Callbacks already queued at close time are discarded.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		closed := r.closed
		r.mu.Unlock()

		if closed {
			return nil
		}
		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			r.Close()
			return ctx.Err()
		case <-r.wake:
		}
	}
}

// Close stops the runner. It is safe to call more than once.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.queue = nil
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Done is closed once [Runner.Run] has returned.
func (r *Runner) Done() <-chan struct{} { return r.done }

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

type timer struct {
	t     *time.Timer
	state atomic.Int32
}

func (t *timer) Stop() bool {
	t.t.Stop()
	return t.state.CompareAndSwap(timerPending, timerStopped)
}
