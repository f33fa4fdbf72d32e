package audio

import "encoding/binary"

// SampleRate is the only rate the transcription service accepts.
const SampleRate = 16000

// PCM16ToFloat converts signed 16-bit samples to floats in [-1, 1).
func PCM16ToFloat(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}

// FloatToPCM16 converts float samples to signed 16-bit, clamping to [-1, 1].
func FloatToPCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		switch {
		case s >= 1:
			out[i] = 32767
		case s <= -1:
			out[i] = -32768
		default:
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// DecodePCM16LE reads little-endian 16-bit samples. A trailing odd byte is ignored.
func DecodePCM16LE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// EncodePCM16LE writes samples as little-endian 16-bit bytes.
func EncodePCM16LE(in []int16) []byte {
	out := make([]byte, 2*len(in))
	for i, s := range in {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
