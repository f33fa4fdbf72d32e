package transcription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAssemblyServer struct {
	t        *testing.T
	query    chan map[string]string
	audio    chan []byte
	messages []string
}

func (f *fakeAssemblyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := map[string]string{}
	for k := range r.URL.Query() {
		q[k] = r.URL.Query().Get(k)
	}
	f.query <- q

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Begin","id":"sess-1","expires_at":1}`))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			f.audio <- data
			for _, m := range f.messages {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
			}
			continue
		}
		if strings.Contains(string(data), "Terminate") {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Termination","audio_duration_seconds":1}`))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readEvent(t *testing.T, s Stream) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return Event{}
	}
}

func TestAssemblyAIStreamTurns(t *testing.T) {
	fake := &fakeAssemblyServer{
		t:     t,
		query: make(chan map[string]string, 1),
		audio: make(chan []byte, 4),
		messages: []string{
			`{"type":"Turn","transcript":"hello","utterance":"hello the","end_of_turn":false}`,
			`{"type":"Turn","transcript":"hello there","utterance":"","end_of_turn":true}`,
		},
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	d := NewAssemblyAIDialer(wsURL(srv), zerolog.Nop())
	stream, err := d.Dial(context.Background(), "tok-1", DefaultStreamConfig())
	require.NoError(t, err)

	q := <-fake.query
	assert.Equal(t, "16000", q["sample_rate"])
	assert.Equal(t, "pcm_s16le", q["encoding"])
	assert.Equal(t, "5000", q["max_turn_silence"])
	assert.Equal(t, "tok-1", q["token"])
	_, formatted := q["format_turns"]
	assert.False(t, formatted)

	open := readEvent(t, stream)
	assert.Equal(t, EventOpen, open.Type)
	assert.Equal(t, "sess-1", open.SessionID)

	require.NoError(t, stream.SendAudio(context.Background(), []byte{1, 2, 3, 4}))
	assert.Equal(t, []byte{1, 2, 3, 4}, <-fake.audio)

	partial := readEvent(t, stream)
	assert.False(t, partial.IsFinal)
	assert.Equal(t, "hello the", partial.Text)

	final := readEvent(t, stream)
	assert.True(t, final.IsFinal)
	assert.Equal(t, "hello there", final.Text)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, stream.Close(ctx))
	closed := readEvent(t, stream)
	assert.Equal(t, EventClosed, closed.Type)
	assert.Equal(t, websocket.CloseNormalClosure, closed.Code)
	require.NoError(t, stream.Close(ctx))
}

func TestAssemblyAIFormattedTurnsOnlyFinalizeFormatted(t *testing.T) {
	s := &assemblyStream{formatTurns: true}
	raw := s.turnEvent(assemblyMessage{Type: "Turn", Transcript: "hello there", EndOfTurn: true})
	assert.False(t, raw.IsFinal)
	formatted := s.turnEvent(assemblyMessage{Type: "Turn", Transcript: "Hello there.", EndOfTurn: true, TurnIsFormatted: true})
	assert.True(t, formatted.IsFinal)
	assert.Equal(t, "Hello there.", formatted.Text)
}

func TestAssemblyAIDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewAssemblyAIDialer(wsURL(srv), zerolog.Nop()).Dial(context.Background(), "bad", DefaultStreamConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
