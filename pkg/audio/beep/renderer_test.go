package beep

import (
	"errors"
	"testing"
	"time"

	"github.com/faiface/beep"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// newTestRenderer returns a Renderer whose output drains streamers in memory.
func newTestRenderer(t *testing.T, rate int) (*Renderer, *int) {
	t.Helper()
	r := New(WithSampleRate(rate))
	r.initOnce.Do(func() {}) // no real speaker in tests
	frames := new(int)
	r.play = func(s beep.Streamer) {
		buf := make([][2]float64, 256)
		for {
			n, ok := s.Stream(buf)
			*frames += n
			if !ok {
				return
			}
		}
	}
	r.clear = func() {}
	return r, frames
}

func wavSegment(t *testing.T, rate, n int) []byte {
	t.Helper()
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(i % 1000)
	}
	seg, err := audio.EncodeWAV(audio.Format{SampleRate: rate, Channels: 1}, [][]byte{audio.Int16ToBytes(pcm)})
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return seg
}

func waitEnded(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("ended not called")
		return nil
	}
}

func TestRender_WAV(t *testing.T) {
	r, frames := newTestRenderer(t, 16000)
	ended := make(chan error, 1)
	r.Render(wavSegment(t, 16000, 1600), func(err error) { ended <- err })

	if err := waitEnded(t, ended); err != nil {
		t.Fatalf("ended(%v), want nil", err)
	}
	if *frames != 1600 {
		t.Errorf("played %d frames, want 1600", *frames)
	}
}

func TestRender_Resamples(t *testing.T) {
	r, frames := newTestRenderer(t, 32000)
	ended := make(chan error, 1)
	r.Render(wavSegment(t, 16000, 1600), func(err error) { ended <- err })

	if err := waitEnded(t, ended); err != nil {
		t.Fatalf("ended(%v), want nil", err)
	}
	if *frames < 3000 || *frames > 3400 {
		t.Errorf("played %d frames at double rate, want about 3200", *frames)
	}
}

func TestRender_DecodeError(t *testing.T) {
	r, frames := newTestRenderer(t, 16000)
	for name, seg := range map[string][]byte{
		"empty":       nil,
		"bad wav":     []byte("RIFF\x00\x00\x00\x00WAVEjunk"),
		"not a frame": []byte("definitely not audio"),
	} {
		t.Run(name, func(t *testing.T) {
			var got error
			calls := 0
			r.Render(seg, func(err error) { got = err; calls++ })
			if calls != 1 || !errors.Is(got, audio.ErrDecode) {
				t.Errorf("ended called %d times with %v, want once with ErrDecode", calls, got)
			}
		})
	}
	if *frames != 0 {
		t.Errorf("played %d frames for undecodable input", *frames)
	}
}

func TestIsWAV(t *testing.T) {
	if !isWAV(wavSegment(t, 8000, 10)) {
		t.Error("encoded WAV not detected")
	}
	if isWAV([]byte("ID3\x03")) || isWAV(nil) {
		t.Error("non-WAV detected as WAV")
	}
}
