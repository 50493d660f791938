package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/youpy/go-wav"
)

// Packager assembles the raw fragments of one capture session into a single
// uploadable segment. An empty fragment list yields an empty segment.
type Packager func(f Format, fragments [][]byte) ([]byte, error)

// Concat is a [Packager] that joins fragments as headerless PCM.
func Concat(_ Format, fragments [][]byte) ([]byte, error) {
	n := 0
	for _, frag := range fragments {
		n += len(frag)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, 0, n)
	for _, frag := range fragments {
		out = append(out, frag...)
	}
	return out, nil
}

// EncodeWAV is the default [Packager]. It wraps the concatenated 16-bit PCM
// fragments in a RIFF/WAVE container. Only mono and stereo are supported.
func EncodeWAV(f Format, fragments [][]byte) ([]byte, error) {
	if f.Channels < 1 || f.Channels > 2 {
		return nil, fmt.Errorf("audio: wav: unsupported channel count %d", f.Channels)
	}
	if f.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: wav: invalid sample rate %d", f.SampleRate)
	}

	pcm, _ := Concat(f, fragments)
	if len(pcm) == 0 {
		return nil, nil
	}
	samples := BytesToInt16(pcm)
	frames := len(samples) / f.Channels

	buf := make([]wav.Sample, frames)
	for i := range frames {
		for c := range f.Channels {
			buf[i].Values[c] = int(samples[i*f.Channels+c])
		}
	}

	var out bytes.Buffer
	w := wav.NewWriter(&out, uint32(frames), uint16(f.Channels), uint32(f.SampleRate), 16)
	if err := w.WriteSamples(buf); err != nil {
		return nil, fmt.Errorf("audio: wav: write samples: %w", err)
	}
	return out.Bytes(), nil
}

// DecodeWAV parses a RIFF/WAVE segment produced by [EncodeWAV] and returns its
// format together with the interleaved 16-bit samples.
func DecodeWAV(segment []byte) (Format, []int16, error) {
	r := wav.NewReader(bytes.NewReader(segment))
	wf, err := r.Format()
	if err != nil {
		return Format{}, nil, fmt.Errorf("%w: wav header: %v", ErrDecode, err)
	}
	if wf.BitsPerSample != 16 {
		return Format{}, nil, fmt.Errorf("%w: unsupported bit depth %d", ErrDecode, wf.BitsPerSample)
	}
	f := Format{SampleRate: int(wf.SampleRate), Channels: int(wf.NumChannels)}

	var pcm []byte
	chunk := make([]byte, 8192)
	for {
		n, err := r.Read(chunk)
		pcm = append(pcm, chunk[:n]...)
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return Format{}, nil, fmt.Errorf("%w: wav data: %v", ErrDecode, err)
		}
	}
	return f, BytesToInt16(pcm), nil
}
