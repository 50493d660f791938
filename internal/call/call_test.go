package call_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/duplexvoice/internal/call"
	loopmock "github.com/MrWong99/duplexvoice/internal/loop/mock"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	audiomock "github.com/MrWong99/duplexvoice/pkg/audio/mock"
	"github.com/MrWong99/duplexvoice/pkg/transport"
	transportmock "github.com/MrWong99/duplexvoice/pkg/transport/mock"
)

const tick = 10 * time.Millisecond

type fixture struct {
	l      *loopmock.Loop
	stream *audiomock.Stream
	dev    *audiomock.Device
	r      *audiomock.Renderer
	tr     *transportmock.Transport
	c      *call.Controller

	ended    int
	endedErr error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		l:      loopmock.New(),
		stream: &audiomock.Stream{FormatResult: audio.Format{SampleRate: 16000, Channels: 1}},
		r:      &audiomock.Renderer{},
		tr:     &transportmock.Transport{},
	}
	f.dev = &audiomock.Device{AcquireResult: f.stream}

	cfg := call.DefaultConfig()
	cfg.TickInterval = tick
	cfg.WindowSize = 512
	f.c = call.New(f.l, f.dev, f.r, f.tr.Factory(), cfg, call.WithPackager(audio.Concat))
	f.c.OnEnded(func(_ string, err error) {
		f.ended++
		f.endedErr = err
	})
	return f
}

// settle drains the loop until cond holds; device acquisition completes on
// its own goroutine.
func (f *fixture) settle(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.l.RunPending()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

// open starts a call, opens the transport and waits for the microphone.
func (f *fixture) open(t *testing.T) {
	t.Helper()
	if _, err := f.c.StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.tr.Open()
	f.settle(t, func() bool { return f.c.Status().Acquired })
}

func loud(n int) []int16 {
	r := rand.New(rand.NewPCG(1, 2))
	out := make([]int16, n)
	for i := range out {
		out[i] = int16((r.Float64()*2 - 1) * 16000)
	}
	return out
}

// speak pushes a loud window and lets one tick evaluate it.
func (f *fixture) speak() {
	f.stream.Push(loud(512))
	f.l.Advance(tick)
}

// hush pushes a silent window and lets one tick evaluate it.
func (f *fixture) hush() {
	f.stream.Push(make([]int16, 512))
	f.l.Advance(tick)
}

func TestStartCall_RejectsSecondCall(t *testing.T) {
	f := newFixture(t)
	id, err := f.c.StartCall(context.Background())
	if err != nil || id == "" {
		t.Fatalf("StartCall = %q, %v", id, err)
	}
	if _, err := f.c.StartCall(context.Background()); !errors.Is(err, call.ErrCallActive) {
		t.Errorf("second StartCall (connecting) = %v, want ErrCallActive", err)
	}
	f.tr.Open()
	f.l.RunPending()
	if _, err := f.c.StartCall(context.Background()); !errors.Is(err, call.ErrCallActive) {
		t.Errorf("second StartCall (open) = %v, want ErrCallActive", err)
	}
	if f.tr.Builds != 1 {
		t.Errorf("transports built = %d, want 1", f.tr.Builds)
	}
}

func TestStartCall_ConnectError(t *testing.T) {
	f := newFixture(t)
	f.tr.ConnectError = errors.New("refused")
	if _, err := f.c.StartCall(context.Background()); !errors.Is(err, transport.ErrTransportClosed) {
		t.Fatalf("StartCall = %v, want ErrTransportClosed", err)
	}
	if f.c.Phase() != call.Idle {
		t.Errorf("phase = %v, want idle", f.c.Phase())
	}
}

func TestOpen_AcquiresMicrophone(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	st := f.c.Status()
	if st.Phase != "open" || st.CallID == "" || st.VAD != "idle" {
		t.Errorf("status = %+v", st)
	}
	if st.Recording {
		t.Error("recording before any speech")
	}
}

func TestSpeechSegmentIsUploaded(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	f.speak()
	if !f.c.Status().Recording {
		t.Fatal("loud sample did not start capture")
	}
	rec := f.stream.LastRecorder()
	rec.Emit([]byte{1, 2})
	rec.Emit([]byte{3, 4})

	f.hush()
	f.l.Advance(call.DefaultConfig().VAD.StopDuration)
	if !rec.Stopped() {
		t.Fatal("capture not stopped after sustained silence")
	}
	rec.Finalize()
	f.l.RunPending()

	if f.tr.SentCount() != 1 {
		t.Fatalf("sent = %d, want 1", f.tr.SentCount())
	}
	if got := f.tr.Sent[0]; len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Errorf("segment = %v", got)
	}
}

func TestEchoSuppression(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	f.speak()
	first := f.stream.LastRecorder()
	first.Emit([]byte{7})
	f.l.RunPending()

	f.tr.Deliver([]byte("remote audio"))
	f.l.RunPending()

	if first.CallCountStop != 1 {
		t.Errorf("stop calls = %d, want 1", first.CallCountStop)
	}
	st := f.c.Status()
	if !st.Suppressed || st.Recording {
		t.Fatalf("during playback: suppressed=%v recording=%v", st.Suppressed, st.Recording)
	}

	// Loud input during playback is ignored.
	f.speak()
	if f.c.Status().Recording {
		t.Fatal("recording started while suppressed")
	}

	first.Finalize()
	f.l.RunPending()
	if f.tr.SentCount() != 0 {
		t.Fatalf("flushed segment was uploaded: %v", f.tr.Sent)
	}

	f.r.End()
	f.l.RunPending()
	st = f.c.Status()
	if st.Suppressed || !st.Recording {
		t.Fatalf("after playback: suppressed=%v recording=%v", st.Suppressed, st.Recording)
	}
	if st.VAD != "talking" {
		t.Errorf("vad = %s after resume, want talking", st.VAD)
	}

	// The resumed capture uploads normally.
	resumed := f.stream.LastRecorder()
	if resumed == first {
		t.Fatal("capture did not open a fresh session")
	}
	resumed.Emit([]byte{9})
	f.hush()
	f.l.Advance(2 * time.Second)
	resumed.Finalize()
	f.l.RunPending()
	if f.tr.SentCount() != 1 {
		t.Errorf("sent = %d after resumed capture, want 1", f.tr.SentCount())
	}
}

func TestResumedCaptureGetsFullDebounce(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	stop := call.DefaultConfig().VAD.StopDuration

	f.speak()
	f.hush()
	f.l.Advance(stop - 100*time.Millisecond)

	f.tr.Deliver([]byte("remote audio"))
	f.l.RunPending()
	f.r.End()
	f.l.RunPending()

	resumed := f.stream.LastRecorder()
	if !resumed.Started() {
		t.Fatal("capture not resumed after playback")
	}
	f.l.Advance(stop - 100*time.Millisecond)
	if resumed.Stopped() {
		t.Fatal("resumed capture stopped before a full stop duration of silence")
	}
	if st := f.c.Status(); !st.Recording || st.VAD != "talking" {
		t.Errorf("status = %+v, want recording and talking", st)
	}

	f.l.Advance(200 * time.Millisecond)
	if !resumed.Stopped() {
		t.Error("resumed capture never ended")
	}
	if st := f.c.Status(); st.Recording || st.VAD != "idle" {
		t.Errorf("status after timer stop = %+v, want idle and not recording", st)
	}
}

func TestNoticeDoesNotAlterState(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	f.speak()
	before := f.c.Status()

	f.tr.Notify("transcription failed")
	f.l.RunPending()

	if after := f.c.Status(); after != before {
		t.Errorf("status changed on notice: %+v -> %+v", before, after)
	}
}

func TestEndCall_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.c.EndCall() // no call yet
	if f.ended != 0 {
		t.Fatalf("OnEnded fired without a call")
	}

	f.open(t)
	f.speak()
	f.c.EndCall()
	f.l.RunPending()
	first := f.c.Status()

	f.c.EndCall()
	f.l.RunPending()
	if second := f.c.Status(); second != first {
		t.Errorf("second EndCall changed state: %+v -> %+v", first, second)
	}
	if f.ended != 1 || f.endedErr != nil {
		t.Errorf("ended=%d err=%v, want 1/nil", f.ended, f.endedErr)
	}
	if first.Phase != "idle" || first.Recording || first.Suppressed || first.CallID != "" {
		t.Errorf("status after EndCall = %+v", first)
	}
	if !f.stream.Closed() {
		t.Error("microphone not released")
	}
	if f.l.ActiveTimers() != 0 {
		t.Errorf("active timers after EndCall = %d", f.l.ActiveTimers())
	}
}

func TestEndCall_DuringPlayback(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	f.tr.Deliver([]byte("remote"))
	f.l.RunPending()

	f.c.EndCall()
	f.r.End() // late ended callback
	f.l.RunPending()

	st := f.c.Status()
	if st.Suppressed || st.Recording {
		t.Errorf("status after teardown = %+v", st)
	}
}

func TestTransportFailureEndsCall(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	f.speak()

	f.tr.Fail(errors.New("connection reset"))
	f.l.RunPending()

	if f.ended != 1 || f.endedErr == nil {
		t.Fatalf("ended=%d err=%v", f.ended, f.endedErr)
	}
	if f.c.Phase() != call.Idle || !f.stream.Closed() {
		t.Error("call not torn down after transport failure")
	}

	// A new call may be started afterwards.
	if _, err := f.c.StartCall(context.Background()); err != nil {
		t.Errorf("StartCall after failure: %v", err)
	}
}

func TestPermissionDeniedEndsCall(t *testing.T) {
	f := newFixture(t)
	f.dev.AcquireError = audio.ErrPermissionDenied
	if _, err := f.c.StartCall(context.Background()); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.tr.Open()
	f.settle(t, func() bool { return f.ended == 1 })

	if !errors.Is(f.endedErr, audio.ErrPermissionDenied) {
		t.Errorf("ended err = %v, want ErrPermissionDenied", f.endedErr)
	}
	if f.tr.CallCountClose == 0 {
		t.Error("transport not closed after permission failure")
	}
	if f.dev.CallCountAcquire != 1 {
		t.Errorf("acquire attempts = %d, want 1 (no retry)", f.dev.CallCountAcquire)
	}
}

func TestRemoteCloseBeforeOpen(t *testing.T) {
	f := newFixture(t)
	_, _ = f.c.StartCall(context.Background())
	f.tr.RemoteClose(1011, "server error")
	f.l.RunPending()

	if !errors.Is(f.endedErr, transport.ErrTransportClosed) {
		t.Errorf("ended err = %v, want ErrTransportClosed", f.endedErr)
	}
}

func TestStreamTerminationStopsTicks(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	_ = f.stream.Close()
	f.settle(t, func() bool {
		f.l.Advance(tick)
		return f.l.ActiveTimers() == 0
	})
	if f.c.Phase() != call.Open {
		t.Errorf("phase = %v, want open (transport still up)", f.c.Phase())
	}
}

func TestNewCallResetsState(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	f.tr.Deliver([]byte("remote"))
	f.l.RunPending()
	f.c.EndCall()

	f.stream = &audiomock.Stream{FormatResult: audio.Format{SampleRate: 16000, Channels: 1}}
	f.dev.AcquireResult = f.stream
	f.open(t)

	st := f.c.Status()
	if st.Suppressed || st.VAD != "idle" || st.Recording {
		t.Errorf("fresh call inherited state: %+v", st)
	}
}

// TestRecordingImpliesNotSuppressed drives random interleavings of speech,
// silence, inbound audio and playback completion and checks that capture is
// never recording while suppressed, and that at most one recorder is open.
func TestRecordingImpliesNotSuppressed(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	r := rand.New(rand.NewPCG(42, 7))
	finalized := make(map[*audiomock.Recorder]bool)

	for step := range 2000 {
		switch r.IntN(6) {
		case 0, 1:
			f.speak()
		case 2, 3:
			f.hush()
		case 4:
			f.tr.Deliver([]byte{byte(step)})
		case 5:
			f.r.End()
		}
		f.l.RunPending()
		for _, rec := range f.stream.Recorders {
			if rec.Stopped() && !finalized[rec] {
				finalized[rec] = true
				rec.Finalize()
			}
		}
		f.l.RunPending()

		st := f.c.Status()
		if st.Recording && st.Suppressed {
			t.Fatalf("step %d: recording while suppressed", step)
		}
		if st.Recording && st.VAD != "talking" {
			t.Fatalf("step %d: recording while vad %s", step, st.VAD)
		}
		open := 0
		for _, rec := range f.stream.Recorders {
			if rec.Started() && !rec.Stopped() {
				open++
			}
		}
		if open > 1 {
			t.Fatalf("step %d: %d recorders open", step, open)
		}
	}
}
