package transcription

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/discussroom/internal/reliability"
)

var (
	// ErrNotConnected is returned when audio or a pause arrives outside an open session.
	ErrNotConnected = errors.New("transcription session is not connected")
	// ErrClientUsed is returned by a second Connect; clients are single-use.
	ErrClientUsed = errors.New("transcription client already used")
)

// Client drives one transcription session through its lifecycle and
// re-publishes the service events in order.
type Client struct {
	tokens TokenProvider
	dialer Dialer
	cfg    StreamConfig
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	stream   Stream
	lastErr  error
	used     bool
	closing  bool
	events   chan Event
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func NewClient(tokens TokenProvider, dialer Dialer, cfg StreamConfig, logger zerolog.Logger) *Client {
	return &Client{
		tokens: tokens,
		dialer: dialer,
		cfg:    cfg,
		logger: logger.With().Str("component", "transcription").Logger(),
		state:  StateDisconnected,
		events: make(chan Event, 256),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that last moved the client to disconnected.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Events delivers open, turn, error and closed events. It is closed once
// the session is over, including after a failed Connect.
func (c *Client) Events() <-chan Event { return c.events }

// Connect acquires a token and opens the session. It returns once the
// socket is dialed; the client becomes connected on the open event.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return ErrClientUsed
	}
	c.used = true
	c.state = StateConnecting
	c.mu.Unlock()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if !reliability.IsKind(err, reliability.KindAuth) {
			err = reliability.AuthError("acquire transcription token", err)
		}
		return c.failConnect(err)
	}
	stream, err := c.dialer.Dial(ctx, token, c.cfg)
	if err != nil {
		return c.failConnect(reliability.TransportError("open transcription session", err))
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = stream.Close(context.Background())
		return c.failConnect(reliability.TransportError("open transcription session", context.Canceled))
	}
	c.stream = stream
	c.mu.Unlock()

	go c.pump(stream)
	return nil
}

func (c *Client) failConnect(err error) error {
	c.mu.Lock()
	c.state = StateDisconnected
	c.lastErr = err
	c.mu.Unlock()
	close(c.events)
	close(c.done)
	return err
}

func (c *Client) pump(stream Stream) {
	defer close(c.done)
	defer close(c.events)

	sawClose := false
	for ev := range stream.Events() {
		switch ev.Type {
		case EventOpen:
			c.mu.Lock()
			if c.state == StateConnecting {
				c.state = StateConnected
			}
			c.mu.Unlock()
		case EventTurn:
			ev.Text = strings.TrimSpace(ev.Text)
			if ev.Text == "" {
				continue
			}
		case EventError:
			c.mu.Lock()
			c.state = StateDisconnected
			c.lastErr = reliability.TransportError("transcription session", errors.New(ev.Message))
			c.mu.Unlock()
		case EventClosed:
			sawClose = true
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
		}
		if !c.forward(ev) {
			return
		}
		if ev.Type == EventError || ev.Type == EventClosed {
			return
		}
	}

	c.mu.Lock()
	closing := c.closing
	c.state = StateDisconnected
	c.mu.Unlock()
	if !sawClose && !closing {
		c.forward(Event{Type: EventClosed, Code: websocket.CloseAbnormalClosure, Reason: "connection lost", At: time.Now()})
	}
}

func (c *Client) forward(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		return false
	}
}

// SendAudio forwards one encoded chunk. Only valid while connected.
func (c *Client) SendAudio(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	stream := c.stream
	c.mu.Unlock()
	if err := stream.SendAudio(ctx, data); err != nil {
		return reliability.TransportError("send audio", err)
	}
	return nil
}

// Pause stops accepting audio without ending the session.
func (c *Client) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnected:
		c.state = StatePaused
		return nil
	case StatePaused:
		return nil
	default:
		return ErrNotConnected
	}
}

func (c *Client) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StatePaused:
		c.state = StateConnected
		return nil
	case StateConnected:
		return nil
	default:
		return ErrNotConnected
	}
}

// Close ends the session gracefully. It is safe to call more than once and
// from any state.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	stream := c.stream
	if stream == nil {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateDisconnected {
		c.state = StateDisconnecting
	}
	c.mu.Unlock()

	err := stream.Close(ctx)
	c.quitOnce.Do(func() { close(c.quit) })
	select {
	case <-c.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	if err != nil {
		c.logger.Debug().Err(err).Msg("transcription close")
		return reliability.TransportError("close transcription session", err)
	}
	return nil
}
