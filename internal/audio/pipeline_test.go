package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq float64, amp float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
	}
	return out
}

func TestSpeechPipelineStageOrder(t *testing.T) {
	p, err := NewSpeechPipeline(DefaultPipelineConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"highpass", "compressor", "noise_gate", "gain"}, p.Stages())
}

func TestSpeechPipelineRejectsBadConfig(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.HighPassHz = 9000
	_, err := NewSpeechPipeline(cfg)
	require.Error(t, err)

	cfg = DefaultPipelineConfig()
	cfg.CompressorRatio = 0.5
	_, err = NewSpeechPipeline(cfg)
	require.Error(t, err)
}

func TestSpeechPipelineSilencesQuietInput(t *testing.T) {
	p, err := NewSpeechPipeline(DefaultPipelineConfig())
	require.NoError(t, err)

	out := p.Process(make([]float32, 4096))
	require.Len(t, out, 4096)
	for _, s := range out {
		require.Zero(t, s)
	}
}

func TestSpeechPipelinePassesSpeechBand(t *testing.T) {
	p, err := NewSpeechPipeline(DefaultPipelineConfig())
	require.NoError(t, err)

	in := sine(440, 0.3, 8192)
	out := p.Process(in)
	require.Len(t, out, 8192)
	assert.Greater(t, RMS(out[4096:]), 0.05)
	for _, s := range out {
		require.LessOrEqual(t, s, float32(1))
		require.GreaterOrEqual(t, s, float32(-1))
	}
	assert.InDelta(t, 0.3, float64(in[100])/math.Sin(2*math.Pi*440*100/SampleRate), 1e-3, "input must not be modified")
}

func TestSpeechPipelineBuffersUntilFullGateFrame(t *testing.T) {
	p, err := NewSpeechPipeline(DefaultPipelineConfig())
	require.NoError(t, err)

	assert.Nil(t, p.Process(sine(440, 0.3, 4000)))
	out := p.Process(sine(440, 0.3, 200))
	assert.Len(t, out, 4096)

	p.Reset()
	assert.Nil(t, p.Process(sine(440, 0.3, 100)))
}

func TestHighPassAttenuatesLowFrequencies(t *testing.T) {
	low := NewHighPass(SampleRate, 120, 0.7071).Process(sine(30, 0.5, 16000))
	high := NewHighPass(SampleRate, 120, 0.7071).Process(sine(1000, 0.5, 16000))

	assert.Less(t, RMS(low[8000:]), 0.05)
	assert.InDelta(t, 0.5/math.Sqrt2, RMS(high[8000:]), 0.02)
}

func TestCompressorReducesLoudSignalsMoreThanQuietOnes(t *testing.T) {
	cfg := CompressorConfig{SampleRate: SampleRate, ThresholdDB: -20, Ratio: 4, Attack: 3 * time.Millisecond, Release: 250 * time.Millisecond}
	loud := NewCompressor(cfg).Process(sine(440, 0.9, 16000))
	quiet := NewCompressor(cfg).Process(sine(440, 0.01, 16000))

	loudGain := RMS(loud[8000:]) / (0.9 / math.Sqrt2)
	quietGain := RMS(quiet[8000:]) / (0.01 / math.Sqrt2)
	assert.Less(t, loudGain, 0.5)
	assert.InDelta(t, 1.0, quietGain, 0.01)
}

func TestCompressorAutoMakeup(t *testing.T) {
	c := NewCompressor(CompressorConfig{SampleRate: SampleRate, ThresholdDB: -50, Ratio: 6, AutoMakeup: true})
	assert.InDelta(t, 25.0, linearToDB(c.makeup), 1e-6)
}

func TestNoiseGateHardThreshold(t *testing.T) {
	g := NewNoiseGate(0.01, 4)

	out := g.Process([]float32{0.001, -0.001, 0.002, 0.001})
	assert.Equal(t, []float32{0, 0, 0, 0}, out)
	assert.False(t, g.Open())

	out = g.Process([]float32{0.5, -0.5})
	assert.Nil(t, out)
	out = g.Process([]float32{0.5, -0.5, 0.1})
	assert.Equal(t, []float32{0.5, -0.5, 0.5, -0.5}, out)
	assert.True(t, g.Open())
}

func TestGainClamps(t *testing.T) {
	out := NewGain(2).Process([]float32{0.25, 0.8, -0.9})
	assert.Equal(t, []float32{0.5, 1, -1}, out)
}

func TestPCMConversionRoundTrip(t *testing.T) {
	in := []int16{0, 1000, -1000, 32767, -32768}
	b := EncodePCM16LE(in)
	require.Len(t, b, 10)
	assert.Equal(t, in, DecodePCM16LE(b))

	f := PCM16ToFloat([]int16{-32768, 16384})
	assert.Equal(t, []float32{-1, 0.5}, f)
	assert.Equal(t, []int16{32767, -32768, 0}, FloatToPCM16([]float32{1.5, -2, 0}))
}
