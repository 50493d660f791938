package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

func TestInt16ToBytes(t *testing.T) {
	got := audio.Int16ToBytes([]int16{1, -1, 256})
	want := []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x01}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d: got %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestBytesToInt16_OddTrailingByte(t *testing.T) {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint16(buf[0:], uint16(100))
	binary.LittleEndian.PutUint16(buf[2:], 0xff38) // -200
	buf[4] = 0x7f

	got := audio.BytesToInt16(buf)
	want := []int16{100, -200}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmix(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{name: "mono passthrough", in: []int16{1, 2, 3}, channels: 1, want: []int16{1, 2, 3}},
		{name: "stereo average", in: []int16{100, 200, -100, -200}, channels: 2, want: []int16{150, -150}},
		{name: "stereo max stays in range", in: []int16{32767, 32767}, channels: 2, want: []int16{32767}},
		{name: "stereo min stays in range", in: []int16{-32768, -32768}, channels: 2, want: []int16{-32768}},
		{name: "partial frame dropped", in: []int16{10, 20, 30}, channels: 2, want: []int16{15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.Downmix(tt.in, tt.channels)
			if len(got) != len(tt.want) {
				t.Fatalf("length mismatch: got %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFormatString(t *testing.T) {
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 16000, Channels: 1}, "16000Hz mono"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 44100, Channels: 6}, "44100Hz 6ch"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("Format%+v.String() = %q, want %q", tt.f, got, tt.want)
		}
	}
}
