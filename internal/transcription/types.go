package transcription

import (
	"context"
	"time"
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StatePaused
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePaused:
		return "paused"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Open reports whether the transcription session is established.
func (s State) Open() bool { return s == StateConnected || s == StatePaused }

type EventType string

const (
	EventOpen   EventType = "open"
	EventTurn   EventType = "turn"
	EventError  EventType = "error"
	EventClosed EventType = "closed"
)

// Event is one message from the transcription service.
type Event struct {
	Type      EventType
	SessionID string
	Text      string
	IsFinal   bool
	Message   string
	Code      int
	Reason    string
	At        time.Time
}

// StreamConfig is sent to the service when a session is opened.
type StreamConfig struct {
	SampleRate       int
	Encoding         string
	EndOfTurnSilence time.Duration
	// FormatTurns asks for punctuated finals. Only the formatted end-of-turn
	// message is reported as final when it is set.
	FormatTurns bool
}

// DefaultStreamConfig matches the conditioned microphone output.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		SampleRate:       16000,
		Encoding:         "pcm_s16le",
		EndOfTurnSilence: 5 * time.Second,
	}
}

// Stream is an open transcription session.
type Stream interface {
	SendAudio(ctx context.Context, data []byte) error
	// Events is closed when the session ends.
	Events() <-chan Event
	Close(ctx context.Context) error
}

// Dialer opens transcription sessions with a short-lived token.
type Dialer interface {
	Dial(ctx context.Context, token string, cfg StreamConfig) (Stream, error)
}

// TokenProvider issues short-lived transcription credentials.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }
