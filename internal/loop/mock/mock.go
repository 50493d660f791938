// Package mock provides a manually driven [loop.Loop] with a virtual clock for
// deterministic tests.
//
// Nothing runs until the test calls [Loop.RunPending] or [Loop.Advance]. Both
// execute callbacks on the calling goroutine, so assertions made afterwards
// observe a quiescent loop.
//
// Typical usage:
//
//	l := mock.New()
//	det := vad.New(l, handler, vad.DefaultConfig())
//	det.Observe(25)
//	l.Advance(1500 * time.Millisecond)
package mock

import (
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/duplexvoice/internal/loop"
)

// Compile-time interface assertion.
var _ loop.Loop = (*Loop)(nil)

// Epoch is the virtual time a fresh [Loop] starts at.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Loop is a virtual-time implementation of [loop.Loop].
type Loop struct {
	mu     sync.Mutex
	now    time.Time
	queue  []func()
	timers []*Timer
	seq    uint64

	// CallCountPost records how many times Post was called.
	CallCountPost int
}

// New returns a Loop whose clock reads [Epoch].
func New() *Loop {
	return &Loop{now: Epoch}
}

// Post implements [loop.Loop].
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CallCountPost++
	l.queue = append(l.queue, fn)
}

// AfterFunc implements [loop.Loop].
func (l *Loop) AfterFunc(d time.Duration, fn func()) loop.Timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	t := &Timer{l: l, deadline: l.now.Add(d), seq: l.seq, fn: fn}
	l.timers = append(l.timers, t)
	return t
}

// Now implements [loop.Loop].
func (l *Loop) Now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

// Pending returns the number of queued callbacks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// ActiveTimers returns the number of timers that have neither fired nor been
// stopped.
func (l *Loop) ActiveTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// RunPending runs queued callbacks, including ones posted while draining,
// until the queue is empty. It returns the number of callbacks run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
		n++
	}
}

// Advance drains the queue, then moves the clock forward by d, firing due
// timers in deadline order. The queue is drained after every timer.
func (l *Loop) Advance(d time.Duration) {
	l.RunPending()

	l.mu.Lock()
	target := l.now.Add(d)
	l.mu.Unlock()

	for {
		l.mu.Lock()
		t := l.nextDue(target)
		if t == nil {
			l.now = target
			l.mu.Unlock()
			return
		}
		l.now = t.deadline
		l.remove(t)
		l.mu.Unlock()

		t.fn()
		l.RunPending()
	}
}

// nextDue returns the earliest timer due at or before target. Requires l.mu.
func (l *Loop) nextDue(target time.Time) *Timer {
	if len(l.timers) == 0 {
		return nil
	}
	sort.SliceStable(l.timers, func(i, j int) bool {
		a, b := l.timers[i], l.timers[j]
		if a.deadline.Equal(b.deadline) {
			return a.seq < b.seq
		}
		return a.deadline.Before(b.deadline)
	})
	if t := l.timers[0]; !t.deadline.After(target) {
		return t
	}
	return nil
}

// remove drops t from the active set. Requires l.mu.
func (l *Loop) remove(t *Timer) bool {
	for i, o := range l.timers {
		if o == t {
			l.timers = append(l.timers[:i], l.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Timer is the handle returned by [Loop.AfterFunc].
type Timer struct {
	l        *Loop
	deadline time.Time
	seq      uint64
	fn       func()
}

// Stop implements [loop.Timer].
func (t *Timer) Stop() bool {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	return t.l.remove(t)
}

// Deadline reports the virtual time at which the timer fires.
func (t *Timer) Deadline() time.Time { return t.deadline }
