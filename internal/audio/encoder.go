package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrEncoderStopped is returned by Write after Stop.
var ErrEncoderStopped = errors.New("audio encoder stopped")

const (
	FormatPCM = "pcm"
	FormatWAV = "wav"
)

// Chunk is a fixed-duration slice of conditioned audio ready to send.
type Chunk struct {
	Seq        uint64
	Data       []byte
	Samples    int
	SampleRate int
	Duration   time.Duration
	Format     string
}

// EncoderConfig controls chunk size and container.
type EncoderConfig struct {
	SampleRate    int
	ChunkDuration time.Duration
	Format        string
}

// EncoderStats reports encoder activity.
type EncoderStats struct {
	ChunksEmitted  uint64 `json:"chunks_emitted"`
	SamplesDropped uint64 `json:"samples_dropped"`
	Buffered       int    `json:"buffered_samples"`
	Paused         bool   `json:"paused"`
	Stopped        bool   `json:"stopped"`
}

// Encoder slices a continuous sample stream into fixed-duration chunks.
// emit is called from the writing goroutine, in order, and must not call
// Stop on the same encoder.
type Encoder struct {
	cfg          EncoderConfig
	chunkSamples int
	emit         func(Chunk)

	// emitMu serializes writers and lets Stop wait for an in-flight emit.
	emitMu sync.Mutex

	mu      sync.Mutex
	buf     []float32
	seq     uint64
	paused  bool
	stopped bool
	emitted uint64
	dropped uint64
}

// NewEncoder validates cfg and returns an encoder that reports chunks to emit.
func NewEncoder(cfg EncoderConfig, emit func(Chunk)) (*Encoder, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = SampleRate
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 250 * time.Millisecond
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatPCM
	case FormatPCM, FormatWAV:
	default:
		return nil, fmt.Errorf("unsupported chunk format %q", cfg.Format)
	}
	if emit == nil {
		return nil, fmt.Errorf("emit callback is required")
	}
	n := int(cfg.ChunkDuration.Seconds() * float64(cfg.SampleRate))
	if n <= 0 {
		return nil, fmt.Errorf("chunk duration %s too short", cfg.ChunkDuration)
	}
	return &Encoder{
		cfg:          cfg,
		chunkSamples: n,
		emit:         emit,
		buf:          make([]float32, 0, n),
	}, nil
}

// ChunkSamples is the number of samples carried by each chunk.
func (e *Encoder) ChunkSamples() int { return e.chunkSamples }

// Write appends conditioned samples and emits every completed chunk.
func (e *Encoder) Write(samples []float32) error {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEncoderStopped
	}
	if e.paused {
		e.dropped += uint64(len(samples))
		e.mu.Unlock()
		return nil
	}
	e.buf = append(e.buf, samples...)
	var ready [][]float32
	for len(e.buf) >= e.chunkSamples {
		ready = append(ready, append([]float32(nil), e.buf[:e.chunkSamples]...))
		e.buf = append(e.buf[:0], e.buf[e.chunkSamples:]...)
	}
	e.mu.Unlock()

	for _, frame := range ready {
		chunk, err := e.encode(frame)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.stopped || e.paused {
			e.dropped += uint64(len(frame))
			e.mu.Unlock()
			continue
		}
		e.seq++
		chunk.Seq = e.seq
		e.emitted++
		e.mu.Unlock()
		e.emit(chunk)
	}
	return nil
}

func (e *Encoder) encode(samples []float32) (Chunk, error) {
	data := EncodePCM16LE(FloatToPCM16(samples))
	if e.cfg.Format == FormatWAV {
		wav, err := EncodeWAVPCM16LE(data, e.cfg.SampleRate)
		if err != nil {
			return Chunk{}, fmt.Errorf("wrap chunk: %w", err)
		}
		data = wav
	}
	return Chunk{
		Data:       data,
		Samples:    len(samples),
		SampleRate: e.cfg.SampleRate,
		Duration:   e.cfg.ChunkDuration,
		Format:     e.cfg.Format,
	}, nil
}

// SetPaused drops buffered and incoming audio while paused.
func (e *Encoder) SetPaused(paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if paused && !e.paused {
		e.dropped += uint64(len(e.buf))
		e.buf = e.buf[:0]
	}
	e.paused = paused
}

// Stop discards the partial chunk. Once Stop returns no chunk is emitted.
func (e *Encoder) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.dropped += uint64(len(e.buf))
	e.buf = nil
	e.mu.Unlock()

	// Wait out a Write that is still inside emit.
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
}

func (e *Encoder) Stats() EncoderStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EncoderStats{
		ChunksEmitted:  e.emitted,
		SamplesDropped: e.dropped,
		Buffered:       len(e.buf),
		Paused:         e.paused,
		Stopped:        e.stopped,
	}
}
