package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAVPCM16LEHeader(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	require.NoError(t, err)
	require.Len(t, wav, 48)

	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, uint32(40), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(wav[28:32]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(wav[40:44]))
	assert.Equal(t, pcm, wav[44:])
}

func TestDecodeWAVPCM16LEMonoRoundTrip(t *testing.T) {
	pcm := EncodePCM16LE([]int16{0, 1000, -1000})
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	require.NoError(t, err)

	got, rate, err := DecodeWAVPCM16LE(wav)
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	assert.Equal(t, pcm, got)
}

func TestDecodeWAVPCM16LEDownmixesStereo(t *testing.T) {
	stereo := EncodePCM16LE([]int16{1000, -1000, 3000, 1000})
	wav, err := EncodeWAVPCM16LE(stereo, 24000)
	require.NoError(t, err)
	// Patch the header to two channels.
	binary.LittleEndian.PutUint16(wav[22:24], 2)
	binary.LittleEndian.PutUint32(wav[28:32], 24000*4)
	binary.LittleEndian.PutUint16(wav[32:34], 4)

	got, rate, err := DecodeWAVPCM16LE(wav)
	require.NoError(t, err)
	assert.Equal(t, 24000, rate)
	assert.Equal(t, []int16{0, 2000}, DecodePCM16LE(got))
}

func TestDecodeWAVPCM16LERejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAVPCM16LE([]byte("RIFF"))
	require.Error(t, err)
	_, _, err = DecodeWAVPCM16LE([]byte("RIFF0000WAVX"))
	require.Error(t, err)
}

func TestResample(t *testing.T) {
	in := []int16{0, 100, 200, 300}
	out := Resample(in, 8000, 16000)
	require.Len(t, out, 8)
	assert.Equal(t, int16(0), out[0])
	assert.Equal(t, int16(50), out[1])
	assert.Equal(t, int16(100), out[2])
	assert.Equal(t, in, Resample(in, 16000, 16000))
}
