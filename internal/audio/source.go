package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ent0n29/discussroom/internal/reliability"
)

var (
	// ErrNoDevice is reported when no capture device is available.
	ErrNoDevice = errors.New("no microphone available")
	// ErrDeviceBusy is reported when a device already has an open source.
	ErrDeviceBusy = errors.New("microphone already in use")
)

// Format describes the capture format requested from a device.
type Format struct {
	SampleRate int
	FrameSize  int
}

// Source delivers captured PCM frames until it is closed.
type Source interface {
	// Frames is closed when the source stops.
	Frames() <-chan []int16
	Close() error
}

// Device opens capture sources. Failures are reliability device errors.
type Device interface {
	// Open starts capture. ctx bounds the open call only; the source keeps
	// running until Close.
	Open(ctx context.Context, format Format) (Source, error)
}

// RemoteMicrophone is a Device fed by audio pushed from a remote client,
// such as PCM frames arriving on the browser websocket.
type RemoteMicrophone struct {
	mu      sync.Mutex
	current *pushSource
	dropped atomic.Uint64
}

func NewRemoteMicrophone() *RemoteMicrophone {
	return &RemoteMicrophone{}
}

// Open starts a new capture source. Only one source may be open at a time.
func (m *RemoteMicrophone) Open(ctx context.Context, format Format) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, reliability.DeviceError("open remote microphone", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && !m.current.isClosed() {
		return nil, reliability.DeviceError("open remote microphone", ErrDeviceBusy)
	}
	m.current = &pushSource{frames: make(chan []int16, 64)}
	return m.current, nil
}

// Push hands samples to the open source. It reports false when nothing is
// capturing or the source is backed up; the samples are dropped either way.
func (m *RemoteMicrophone) Push(samples []int16) bool {
	m.mu.Lock()
	src := m.current
	m.mu.Unlock()
	if src == nil || !src.push(samples) {
		m.dropped.Add(1)
		return false
	}
	return true
}

// Capturing reports whether a source is open.
func (m *RemoteMicrophone) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && !m.current.isClosed()
}

// Dropped counts frames pushed while nothing consumed them.
func (m *RemoteMicrophone) Dropped() uint64 { return m.dropped.Load() }

type pushSource struct {
	mu     sync.Mutex
	closed bool
	frames chan []int16
}

func (s *pushSource) Frames() <-chan []int16 { return s.frames }

func (s *pushSource) push(samples []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- samples:
		return true
	default:
		return false
	}
}

func (s *pushSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *pushSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}
