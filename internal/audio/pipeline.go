package audio

import (
	"fmt"
	"time"
)

// Stage is one step of the conditioning chain. Process may modify in and
// may return fewer samples than it was given (the gate buffers whole frames).
type Stage interface {
	Name() string
	Process(in []float32) []float32
	Reset()
}

// Pipeline runs frames through an ordered list of stages.
type Pipeline struct {
	stages []Stage
}

// NewPipeline builds a pipeline that applies stages in the given order.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), stages...)}
}

// Stages returns the stage names in processing order.
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return names
}

// Process conditions one frame. The input slice is never modified.
func (p *Pipeline) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	out := append([]float32(nil), in...)
	for _, s := range p.stages {
		out = s.Process(out)
		if len(out) == 0 {
			return nil
		}
	}
	return out
}

// Reset clears filter state and any buffered samples.
func (p *Pipeline) Reset() {
	for _, s := range p.stages {
		s.Reset()
	}
}

// PipelineConfig holds the speech conditioning parameters.
type PipelineConfig struct {
	SampleRate int

	HighPassHz float64
	HighPassQ  float64

	CompressorThresholdDB float64
	CompressorRatio       float64
	CompressorAttack      time.Duration
	CompressorRelease     time.Duration
	CompressorAutoMakeup  bool

	GateThreshold float64
	GateFrameSize int

	Gain float64
}

// DefaultPipelineConfig returns the tuning used for live speech capture.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		SampleRate:            SampleRate,
		HighPassHz:            120,
		HighPassQ:             0.7071,
		CompressorThresholdDB: -50,
		CompressorRatio:       6,
		CompressorAttack:      3 * time.Millisecond,
		CompressorRelease:     250 * time.Millisecond,
		CompressorAutoMakeup:  true,
		GateThreshold:         0.01,
		GateFrameSize:         4096,
		Gain:                  1.0,
	}
}

// NewSpeechPipeline builds high-pass, compressor, noise gate and gain, in that order.
func NewSpeechPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive")
	}
	if cfg.HighPassHz <= 0 || cfg.HighPassHz >= float64(cfg.SampleRate)/2 {
		return nil, fmt.Errorf("high-pass cutoff %.1f Hz out of range", cfg.HighPassHz)
	}
	if cfg.HighPassQ <= 0 {
		cfg.HighPassQ = 0.7071
	}
	if cfg.CompressorRatio < 1 {
		return nil, fmt.Errorf("compressor ratio must be >= 1")
	}
	if cfg.GateFrameSize <= 0 {
		return nil, fmt.Errorf("gate frame size must be positive")
	}
	if cfg.Gain <= 0 {
		return nil, fmt.Errorf("gain must be positive")
	}
	return NewPipeline(
		NewHighPass(cfg.SampleRate, cfg.HighPassHz, cfg.HighPassQ),
		NewCompressor(CompressorConfig{
			SampleRate:  cfg.SampleRate,
			ThresholdDB: cfg.CompressorThresholdDB,
			Ratio:       cfg.CompressorRatio,
			Attack:      cfg.CompressorAttack,
			Release:     cfg.CompressorRelease,
			AutoMakeup:  cfg.CompressorAutoMakeup,
		}),
		NewNoiseGate(cfg.GateThreshold, cfg.GateFrameSize),
		NewGain(cfg.Gain),
	), nil
}
