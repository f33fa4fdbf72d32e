package audio

import (
	"math"
	"time"
)

// HighPass is a second-order (RBJ cookbook) high-pass biquad.
type HighPass struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

func NewHighPass(sampleRate int, cutoffHz, q float64) *HighPass {
	w0 := 2 * math.Pi * cutoffHz / float64(sampleRate)
	cosW := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha
	return &HighPass{
		b0: (1 + cosW) / 2 / a0,
		b1: -(1 + cosW) / a0,
		b2: (1 + cosW) / 2 / a0,
		a1: -2 * cosW / a0,
		a2: (1 - alpha) / a0,
	}
}

func (h *HighPass) Name() string { return "highpass" }

func (h *HighPass) Process(in []float32) []float32 {
	for i, s := range in {
		x := float64(s)
		y := h.b0*x + h.b1*h.x1 + h.b2*h.x2 - h.a1*h.y1 - h.a2*h.y2
		h.x2, h.x1 = h.x1, x
		h.y2, h.y1 = h.y1, y
		in[i] = float32(y)
	}
	return in
}

func (h *HighPass) Reset() { h.x1, h.x2, h.y1, h.y2 = 0, 0, 0, 0 }

// CompressorConfig configures a feed-forward, hard-knee compressor.
type CompressorConfig struct {
	SampleRate  int
	ThresholdDB float64
	Ratio       float64
	Attack      time.Duration
	Release     time.Duration
	// AutoMakeup adds back 60% of the reduction a full-scale signal would get.
	AutoMakeup bool
}

// Compressor reduces dynamic range above a threshold.
type Compressor struct {
	thresholdDB  float64
	slope        float64
	attackCoeff  float64
	releaseCoeff float64
	makeup       float64
	envDB        float64
}

func NewCompressor(cfg CompressorConfig) *Compressor {
	c := &Compressor{
		thresholdDB:  cfg.ThresholdDB,
		slope:        1 - 1/cfg.Ratio,
		attackCoeff:  timeCoeff(cfg.Attack, cfg.SampleRate),
		releaseCoeff: timeCoeff(cfg.Release, cfg.SampleRate),
		makeup:       1,
	}
	if cfg.AutoMakeup {
		c.makeup = dbToLinear(0.6 * -cfg.ThresholdDB * c.slope)
	}
	return c
}

func timeCoeff(d time.Duration, sampleRate int) float64 {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return math.Exp(-1 / (d.Seconds() * float64(sampleRate)))
}

func (c *Compressor) Name() string { return "compressor" }

func (c *Compressor) Process(in []float32) []float32 {
	for i, s := range in {
		level := math.Abs(float64(s))
		var reduction float64
		if level > 0 {
			if over := linearToDB(level) - c.thresholdDB; over > 0 {
				reduction = over * c.slope
			}
		}
		coeff := c.releaseCoeff
		if reduction > c.envDB {
			coeff = c.attackCoeff
		}
		c.envDB = coeff*c.envDB + (1-coeff)*reduction
		in[i] = float32(float64(s) * dbToLinear(-c.envDB) * c.makeup)
	}
	return in
}

func (c *Compressor) Reset() { c.envDB = 0 }

// NoiseGate silences whole frames whose RMS falls below the threshold.
// Samples are held until a full frame is available.
type NoiseGate struct {
	threshold float64
	frameSize int
	pending   []float32
	open      bool
}

func NewNoiseGate(threshold float64, frameSize int) *NoiseGate {
	return &NoiseGate{
		threshold: threshold,
		frameSize: frameSize,
		pending:   make([]float32, 0, frameSize),
	}
}

func (g *NoiseGate) Name() string { return "noise_gate" }

func (g *NoiseGate) Process(in []float32) []float32 {
	var out []float32
	for len(in) > 0 {
		n := min(g.frameSize-len(g.pending), len(in))
		g.pending = append(g.pending, in[:n]...)
		in = in[n:]
		if len(g.pending) < g.frameSize {
			break
		}
		frame := make([]float32, g.frameSize)
		g.open = RMS(g.pending) >= g.threshold
		if g.open {
			copy(frame, g.pending)
		}
		out = append(out, frame...)
		g.pending = g.pending[:0]
	}
	return out
}

// Open reports whether the last completed frame passed the gate.
func (g *NoiseGate) Open() bool { return g.open }

func (g *NoiseGate) Reset() {
	g.pending = g.pending[:0]
	g.open = false
}

// Gain scales samples linearly and clamps to [-1, 1].
type Gain struct {
	factor float32
}

func NewGain(factor float64) *Gain { return &Gain{factor: float32(factor)} }

func (g *Gain) Name() string { return "gain" }

func (g *Gain) Process(in []float32) []float32 {
	for i, s := range in {
		in[i] = clamp(s * g.factor)
	}
	return in
}

func (g *Gain) Reset() {}

// RMS returns the root mean square of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func clamp(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}

func linearToDB(v float64) float64 { return 20 * math.Log10(v) }

func dbToLinear(db float64) float64 { return math.Pow(10, db/20) }
