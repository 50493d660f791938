package loop_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplexvoice/internal/loop"
	"github.com/MrWong99/duplexvoice/internal/loop/mock"
)

func startRunner(t *testing.T) *loop.Runner {
	t.Helper()
	r := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.Done()
	})
	return r
}

func TestRunner_PostIsFIFO(t *testing.T) {
	t.Parallel()
	r := startRunner(t)

	var got []int
	done := make(chan struct{})
	for i := range 100 {
		r.Post(func() { got = append(got, i) })
	}
	r.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not drain")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestRunner_AfterFuncRunsOnLoop(t *testing.T) {
	t.Parallel()
	r := startRunner(t)

	var (
		mu       sync.Mutex
		inLoop   bool
		running  bool
		overlaps int
	)
	// Any overlap between a posted callback and the timer callback would set
	// overlaps.
	mark := func() {
		mu.Lock()
		if running {
			overlaps++
		}
		running = true
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		running = false
		mu.Unlock()
	}

	fired := make(chan struct{})
	r.AfterFunc(5*time.Millisecond, func() {
		mark()
		inLoop = true
		close(fired)
	})
	for range 20 {
		r.Post(mark)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	if !inLoop || overlaps != 0 {
		t.Errorf("inLoop=%v overlaps=%d", inLoop, overlaps)
	}
}

func TestRunner_TimerStopPreventsCallback(t *testing.T) {
	t.Parallel()
	r := startRunner(t)

	fired := make(chan struct{}, 1)
	stopped := make(chan bool, 1)
	r.Post(func() {
		tm := r.AfterFunc(10*time.Millisecond, func() { fired <- struct{}{} })
		stopped <- tm.Stop()
	})

	if !<-stopped {
		t.Error("Stop() = false, want true for a pending timer")
	}
	select {
	case <-fired:
		t.Error("stopped timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunner_PostAfterCloseDropped(t *testing.T) {
	t.Parallel()
	r := loop.New()
	r.Close()
	r.Close()
	r.Post(func() { t.Error("callback ran after Close") })
	if err := r.Run(context.Background()); err != nil {
		t.Errorf("Run after Close: %v", err)
	}
}

func TestRunner_RunHonoursContext(t *testing.T) {
	t.Parallel()
	r := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEvery_TicksUntilStopped(t *testing.T) {
	l := mock.New()
	var ticks int
	var stop func()
	l.Post(func() {
		stop = loop.Every(l, loop.DisplayRefresh, func() { ticks++ })
	})
	l.RunPending()

	l.Advance(10 * loop.DisplayRefresh)
	if ticks != 10 {
		t.Fatalf("ticks = %d, want 10", ticks)
	}

	stop()
	stop()
	l.Advance(10 * loop.DisplayRefresh)
	if ticks != 10 {
		t.Errorf("ticks after stop = %d, want 10", ticks)
	}
	if n := l.ActiveTimers(); n != 0 {
		t.Errorf("active timers after stop = %d, want 0", n)
	}
}

func TestEvery_StopFromInsideTick(t *testing.T) {
	l := mock.New()
	var (
		ticks int
		stop  func()
	)
	stop = loop.Every(l, 10*time.Millisecond, func() {
		ticks++
		if ticks == 3 {
			stop()
		}
	})

	l.Advance(time.Second)
	if ticks != 3 {
		t.Errorf("ticks = %d, want 3", ticks)
	}
}

func TestEvery_DefaultInterval(t *testing.T) {
	l := mock.New()
	var ticks int
	stop := loop.Every(l, 0, func() { ticks++ })
	defer stop()

	l.Advance(loop.DisplayRefresh)
	if ticks != 1 {
		t.Errorf("ticks = %d, want 1", ticks)
	}
}

func TestCall_ReturnsResult(t *testing.T) {
	t.Parallel()
	r := startRunner(t)

	want := errors.New("from loop")
	if err := loop.Call(context.Background(), r, func() error { return want }); err != want {
		t.Errorf("Call = %v, want %v", err, want)
	}
}

func TestCall_ContextCancelled(t *testing.T) {
	l := mock.New() // never drained
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := loop.Call(ctx, l, func() error { return nil }); err != context.Canceled {
		t.Errorf("Call = %v, want context.Canceled", err)
	}
}
