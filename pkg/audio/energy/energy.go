// Package energy computes a scalar loudness estimate from the most recent
// window of captured audio.
//
// Each sample is produced by the same pipeline a browser frequency analyser
// uses: Blackman window, real FFT, per-bin magnitude in decibels, a linear map
// of [MinDecibels, MaxDecibels] onto the 0–255 byte scale, and finally the
// arithmetic mean over all bins. Ticks are independent; nothing is smoothed
// across calls to [Analyzer.Sample].
package energy

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

const (
	// DefaultWindowSize is the number of samples per analysis window.
	DefaultWindowSize = 2048

	// MinDecibels maps to byte value 0.
	MinDecibels = -100.0

	// MaxDecibels maps to byte value 255.
	MaxDecibels = -30.0

	// MaxEnergy is the upper bound of an energy sample.
	MaxEnergy = 255.0
)

// Analyzer turns PCM frames into energy samples in [0, 255].
//
// [Analyzer.Write] may be called from the capture goroutine while
// [Analyzer.Sample] runs on the event loop; all methods are safe for
// concurrent use.
type Analyzer struct {
	size     int
	channels int

	mu     sync.Mutex
	ring   []float64
	pos    int
	closed bool

	fft    *fourier.FFT
	window []float64
	frame  []float64
	coeffs []complex128
}

// Option configures an [Analyzer].
type Option func(*Analyzer)

// WithWindowSize sets the analysis window. Non-positive or odd values are
// ignored.
func WithWindowSize(n int) Option {
	return func(a *Analyzer) {
		if n > 0 && n%2 == 0 {
			a.size = n
		}
	}
}

// WithChannels sets the interleaved channel count of written frames. Frames
// with more than one channel are downmixed before analysis.
func WithChannels(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.channels = n
		}
	}
}

// New returns an Analyzer. Until a full window has been written the missing
// samples count as silence.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{size: DefaultWindowSize, channels: 1}
	for _, o := range opts {
		o(a)
	}
	a.ring = make([]float64, a.size)
	a.frame = make([]float64, a.size)
	a.window = blackman(a.size)
	a.fft = fourier.NewFFT(a.size)
	a.coeffs = make([]complex128, a.size/2+1)
	return a
}

// WindowSize returns the number of samples per analysis window.
func (a *Analyzer) WindowSize() int { return a.size }

// Write appends captured PCM to the analysis window. It has the signature of
// an [audio.Stream] tap.
func (a *Analyzer) Write(pcm []int16) {
	mono := audio.Downmix(pcm, a.channels)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	for _, s := range mono {
		a.ring[a.pos] = audio.Normalize(s)
		a.pos = (a.pos + 1) % a.size
	}
}

// Close marks the stream as terminated. Subsequent calls to [Analyzer.Next]
// report false.
func (a *Analyzer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

// Next returns the next energy sample, or false once the analyser was closed.
func (a *Analyzer) Next() (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, false
	}
	return a.sampleLocked(), true
}

// Sample returns the energy of the current window. A closed analyser returns 0.
func (a *Analyzer) Sample() float64 {
	v, _ := a.Next()
	return v
}

func (a *Analyzer) sampleLocked() float64 {
	// Unroll the ring oldest-first and apply the window.
	for i := range a.size {
		a.frame[i] = a.ring[(a.pos+i)%a.size] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	bins := a.size / 2
	scale := MaxEnergy / (MaxDecibels - MinDecibels)
	var sum float64
	for k := range bins {
		mag := cmplx.Abs(a.coeffs[k]) / float64(a.size)
		db := math.Inf(-1)
		if mag > 0 {
			db = 20 * math.Log10(mag)
		}
		v := (db - MinDecibels) * scale
		sum += math.Max(0, math.Min(MaxEnergy, math.Floor(v)))
	}
	return sum / float64(bins)
}

// blackman returns the classic Blackman window (alpha = 0.16) of length n.
func blackman(n int) []float64 {
	const (
		a0 = 0.42
		a1 = 0.5
		a2 = 0.08
	)
	w := make([]float64, n)
	for i := range n {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
