package energy_test

import (
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/duplexvoice/pkg/audio/energy"
)

// noise returns n samples of uniform white noise with the given peak amplitude.
func noise(n int, peak float64, seed uint64) []int16 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]int16, n)
	for i := range out {
		out[i] = int16((r.Float64()*2 - 1) * peak * 32767)
	}
	return out
}

func TestSample_SilenceIsZero(t *testing.T) {
	a := energy.New()
	if got := a.Sample(); got != 0 {
		t.Errorf("fresh analyser = %v, want 0", got)
	}
	a.Write(make([]int16, energy.DefaultWindowSize))
	if got := a.Sample(); got != 0 {
		t.Errorf("silence = %v, want 0", got)
	}
}

func TestSample_LoudNoiseExceedsStartThreshold(t *testing.T) {
	a := energy.New()
	a.Write(noise(energy.DefaultWindowSize, 0.5, 1))

	got := a.Sample()
	if got <= 20 {
		t.Errorf("loud noise energy = %v, want > 20", got)
	}
	if got > energy.MaxEnergy {
		t.Errorf("energy = %v exceeds %v", got, energy.MaxEnergy)
	}
}

func TestSample_FaintNoiseBelowStopThreshold(t *testing.T) {
	a := energy.New()
	a.Write(noise(energy.DefaultWindowSize, 1e-5, 2))
	if got := a.Sample(); got >= 5 {
		t.Errorf("faint noise energy = %v, want < 5", got)
	}
}

func TestSample_OnlyMostRecentWindowCounts(t *testing.T) {
	a := energy.New(energy.WithWindowSize(512))
	a.Write(noise(512, 0.5, 3))
	if a.Sample() <= 20 {
		t.Fatal("expected loud window first")
	}
	a.Write(make([]int16, 512))
	if got := a.Sample(); got != 0 {
		t.Errorf("energy after silent window = %v, want 0", got)
	}
}

func TestSample_IndependentTicks(t *testing.T) {
	a := energy.New()
	a.Write(noise(energy.DefaultWindowSize, 0.5, 4))
	first := a.Sample()
	second := a.Sample()
	if first != second {
		t.Errorf("repeated samples differ without new input: %v vs %v", first, second)
	}
}

func TestWrite_StereoDownmix(t *testing.T) {
	mono := energy.New(energy.WithWindowSize(256))
	stereo := energy.New(energy.WithWindowSize(256), energy.WithChannels(2))

	src := noise(256, 0.5, 5)
	interleaved := make([]int16, 0, len(src)*2)
	for _, s := range src {
		interleaved = append(interleaved, s, s)
	}
	mono.Write(src)
	stereo.Write(interleaved)

	if m, s := mono.Sample(), stereo.Sample(); m != s {
		t.Errorf("stereo downmix energy %v != mono energy %v", s, m)
	}
}

func TestNext_AfterClose(t *testing.T) {
	a := energy.New()
	if _, ok := a.Next(); !ok {
		t.Fatal("Next before Close reported terminated")
	}
	a.Close()
	a.Write(noise(energy.DefaultWindowSize, 0.5, 6))
	if v, ok := a.Next(); ok || v != 0 {
		t.Errorf("Next after Close = (%v, %v), want (0, false)", v, ok)
	}
}

func TestWithWindowSize_IgnoresInvalid(t *testing.T) {
	for _, n := range []int{0, -4, 1023} {
		if got := energy.New(energy.WithWindowSize(n)).WindowSize(); got != energy.DefaultWindowSize {
			t.Errorf("WithWindowSize(%d) -> %d, want default", n, got)
		}
	}
}
