package transcription

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MockDialer simulates a transcription service for local runs without an
// API key. Every FinalEvery chunks it reports a final turn.
type MockDialer struct {
	FinalEvery int
}

func NewMockDialer() *MockDialer { return &MockDialer{FinalEvery: 16} }

// MockTokens hands out a fixed token.
func MockTokens() TokenProvider {
	return TokenFunc(func(context.Context) (string, error) { return "mock-token", nil })
}

func (d *MockDialer) Dial(_ context.Context, _ string, _ StreamConfig) (Stream, error) {
	every := d.FinalEvery
	if every <= 0 {
		every = 16
	}
	s := &mockStream{events: make(chan Event, 64), finalEvery: every}
	s.events <- Event{Type: EventOpen, SessionID: uuid.NewString()}
	return s, nil
}

type mockStream struct {
	mu         sync.Mutex
	events     chan Event
	finalEvery int
	chunks     int
	turns      int
	closed     bool
}

func (s *mockStream) Events() <-chan Event { return s.events }

func (s *mockStream) SendAudio(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	if len(data) == 0 {
		return nil
	}
	s.chunks++
	s.trySend(Event{Type: EventTurn, Text: "..."})
	if s.chunks%s.finalEvery == 0 {
		s.turns++
		s.trySend(Event{Type: EventTurn, Text: fmt.Sprintf("simulated voice input %d", s.turns), IsFinal: true})
	}
	return nil
}

func (s *mockStream) trySend(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *mockStream) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.trySend(Event{Type: EventClosed, Code: websocket.CloseNormalClosure, Reason: "session terminated"})
	close(s.events)
	return nil
}
