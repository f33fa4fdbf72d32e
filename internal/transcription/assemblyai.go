package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const defaultAssemblyAIWSURL = "wss://streaming.assemblyai.com/v3/ws"

// AssemblyAIDialer opens AssemblyAI v3 streaming sessions.
type AssemblyAIDialer struct {
	URL    string
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

func NewAssemblyAIDialer(wsURL string, logger zerolog.Logger) *AssemblyAIDialer {
	if strings.TrimSpace(wsURL) == "" {
		wsURL = defaultAssemblyAIWSURL
	}
	return &AssemblyAIDialer{
		URL:    wsURL,
		Dialer: websocket.DefaultDialer,
		Logger: logger.With().Str("component", "assemblyai").Logger(),
	}
}

func (d *AssemblyAIDialer) streamURL(token string, cfg StreamConfig) (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("parse streaming url: %w", err)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "pcm_s16le"
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("encoding", cfg.Encoding)
	if cfg.EndOfTurnSilence > 0 {
		q.Set("max_turn_silence", strconv.FormatInt(cfg.EndOfTurnSilence.Milliseconds(), 10))
	}
	if cfg.FormatTurns {
		q.Set("format_turns", "true")
	}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *AssemblyAIDialer) Dial(ctx context.Context, token string, cfg StreamConfig) (Stream, error) {
	target, err := d.streamURL(token, cfg)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial streaming websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial streaming websocket: %w", err)
	}
	s := &assemblyStream{
		conn:        conn,
		formatTurns: cfg.FormatTurns,
		events:      make(chan Event, 256),
		done:        make(chan struct{}),
		quit:        make(chan struct{}),
		logger:      d.Logger,
	}
	go s.readLoop()
	return s, nil
}

type assemblyMessage struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	Transcript      string `json:"transcript"`
	Utterance       string `json:"utterance"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	Error           string `json:"error"`
}

type assemblyStream struct {
	conn        *websocket.Conn
	formatTurns bool
	writeMu     sync.Mutex
	events      chan Event
	done        chan struct{}
	quit        chan struct{}
	closing     atomic.Bool
	closeOnce   sync.Once
	closeErr    error
	logger      zerolog.Logger
}

func (s *assemblyStream) Events() <-chan Event { return s.events }

func (s *assemblyStream) emit(ev Event) {
	ev.At = time.Now()
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *assemblyStream) readLoop() {
	defer close(s.done)
	defer close(s.events)
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				s.emit(Event{Type: EventClosed, Code: ce.Code, Reason: ce.Text})
			case s.closing.Load():
				s.emit(Event{Type: EventClosed, Code: websocket.CloseNormalClosure, Reason: "closed by client"})
			default:
				s.emit(Event{Type: EventError, Message: err.Error()})
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg assemblyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug().Err(err).Msg("ignoring malformed streaming message")
			continue
		}
		if msg.Error != "" {
			s.emit(Event{Type: EventError, Message: msg.Error})
			continue
		}
		switch msg.Type {
		case "Begin":
			s.emit(Event{Type: EventOpen, SessionID: msg.ID})
		case "Turn":
			s.emit(s.turnEvent(msg))
		case "Termination":
			s.emit(Event{Type: EventClosed, Code: websocket.CloseNormalClosure, Reason: "session terminated"})
			return
		default:
			s.logger.Debug().Str("type", msg.Type).Msg("ignoring streaming message")
		}
	}
}

func (s *assemblyStream) turnEvent(msg assemblyMessage) Event {
	final := msg.EndOfTurn
	if s.formatTurns && !msg.TurnIsFormatted {
		final = false
	}
	if final {
		return Event{Type: EventTurn, Text: strings.TrimSpace(msg.Transcript), IsFinal: true}
	}
	text := msg.Utterance
	if strings.TrimSpace(text) == "" {
		text = msg.Transcript
	}
	return Event{Type: EventTurn, Text: strings.TrimSpace(text)}
}

func (s *assemblyStream) SendAudio(ctx context.Context, data []byte) error {
	if s.closing.Load() {
		return websocket.ErrCloseSent
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close asks the service to terminate, waits for it until ctx expires and
// then drops the connection.
func (s *assemblyStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.writeMu.Lock()
		err := s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		s.writeMu.Unlock()
		if err == nil {
			select {
			case <-s.done:
			case <-ctx.Done():
			}
		}
		close(s.quit)
		if cerr := s.conn.Close(); cerr != nil && err == nil && !errors.Is(cerr, websocket.ErrCloseSent) {
			err = cerr
		}
		<-s.done
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.closeErr = fmt.Errorf("terminate streaming session: %w", err)
		}
	})
	return s.closeErr
}
