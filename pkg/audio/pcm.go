package audio

import "encoding/binary"

// Int16ToBytes encodes samples as little-endian 16-bit PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 decodes little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Downmix averages interleaved frames of the given channel count into mono.
// Mono input is returned unchanged. Uses int32 arithmetic and clamps to the
// int16 range.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(samples[i*channels+c])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return out
}

// Normalize maps an int16 sample onto [-1, 1).
func Normalize(s int16) float64 {
	return float64(s) / 32768
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
