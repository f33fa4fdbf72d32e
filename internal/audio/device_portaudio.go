//go:build portaudio

package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/ent0n29/discussroom/internal/reliability"
)

// DefaultDevice returns the system default input through PortAudio.
func DefaultDevice() Device { return &PortAudioDevice{} }

// PortAudioDevice captures mono PCM16 from the default input device.
type PortAudioDevice struct{}

func (d *PortAudioDevice) Open(ctx context.Context, format Format) (Source, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = SampleRate
	}
	if format.FrameSize <= 0 {
		format.FrameSize = format.SampleRate / 10
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, reliability.DeviceError("initialize portaudio", err)
	}
	buf := make([]int16, format.FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(format.SampleRate), format.FrameSize, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, reliability.DeviceError("open input stream", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, reliability.DeviceError("start input stream", err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	src := &portAudioSource{
		stream: stream,
		buf:    buf,
		frames: make(chan []int16, 32),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go src.readLoop(ctx)
	return src, nil
}

type portAudioSource struct {
	stream    *portaudio.Stream
	buf       []int16
	frames    chan []int16
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *portAudioSource) Frames() <-chan []int16 { return s.frames }

func (s *portAudioSource) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.frames)
	for ctx.Err() == nil {
		if err := s.stream.Read(); err != nil {
			// Overflow is transient; anything else ends capture.
			if err == portaudio.InputOverflowed {
				continue
			}
			return
		}
		frame := append([]int16(nil), s.buf...)
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *portAudioSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.stream.Stop(); err != nil {
			s.closeErr = fmt.Errorf("stop input stream: %w", err)
		}
		<-s.done
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("close input stream: %w", err)
		}
		portaudio.Terminate()
	})
	return s.closeErr
}
