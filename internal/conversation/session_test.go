package conversation

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/discussroom/internal/audio"
	"github.com/ent0n29/discussroom/internal/completion"
	"github.com/ent0n29/discussroom/internal/observability"
	"github.com/ent0n29/discussroom/internal/reliability"
	"github.com/ent0n29/discussroom/internal/rooms"
	"github.com/ent0n29/discussroom/internal/transcription"
)

const waitTimeout = 3 * time.Second

type fakeStream struct {
	mu     sync.Mutex
	closed bool
	sent   int
	events chan transcription.Event
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan transcription.Event, 64)}
}

func (f *fakeStream) SendAudio(context.Context, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("stream closed")
	}
	f.sent++
	return nil
}

func (f *fakeStream) Events() <-chan transcription.Event { return f.events }

func (f *fakeStream) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeStream) push(ev transcription.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ev
	}
}

func (f *fakeStream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	err      error
	attempts int
	streams  []*fakeStream
}

func (d *fakeDialer) Dial(ctx context.Context, token string, cfg transcription.StreamConfig) (transcription.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.err != nil {
		return nil, d.err
	}
	st := newFakeStream()
	d.streams = append(d.streams, st)
	return st, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) last(t *testing.T) *fakeStream {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.streams, "no stream dialed")
	return d.streams[len(d.streams)-1]
}

type fakeAdapter struct {
	fn func(ctx context.Context, req completion.Request) (completion.Response, error)

	mu       sync.Mutex
	requests []completion.Request
	current  atomic.Int32
	max      atomic.Int32
}

func replyWith(text string) *fakeAdapter {
	return &fakeAdapter{fn: func(context.Context, completion.Request) (completion.Response, error) {
		return completion.Response{Content: text}, nil
	}}
}

func (a *fakeAdapter) Complete(ctx context.Context, req completion.Request) (completion.Response, error) {
	n := a.current.Add(1)
	defer a.current.Add(-1)
	for {
		m := a.max.Load()
		if n <= m || a.max.CompareAndSwap(m, n) {
			break
		}
	}
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	return a.fn(ctx, req)
}

func (a *fakeAdapter) request(i int) completion.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[i]
}

func (a *fakeAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu      sync.Mutex
	records []rooms.TranscriptRecord
}

func (r *recordingSink) SaveTranscript(_ context.Context, rec rooms.TranscriptRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingSink) snapshot() []rooms.TranscriptRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rooms.TranscriptRecord(nil), r.records...)
}

type updateLog struct {
	mu      sync.Mutex
	updates []Update
}

func (l *updateLog) observe(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
}

func (l *updateLog) entriesAt(index int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, u := range l.updates {
		if u.Kind == UpdateEntry && u.Index == index {
			out = append(out, u.Entry)
		}
	}
	return out
}

type deviceFunc func(ctx context.Context, format audio.Format) (audio.Source, error)

func (f deviceFunc) Open(ctx context.Context, format audio.Format) (audio.Source, error) {
	return f(ctx, format)
}

type harness struct {
	s       *Session
	mic     *audio.RemoteMicrophone
	dialer  *fakeDialer
	adapter *fakeAdapter
	clock   *fakeClock
	metrics *observability.Metrics
	sink    *recordingSink
	updates *updateLog
}

type harnessOption func(*Config, *Dependencies)

func withRevealInterval(d time.Duration) harnessOption {
	return func(c *Config, _ *Dependencies) { c.RevealInterval = d }
}

func withDevice(dev audio.Device) harnessOption {
	return func(_ *Config, d *Dependencies) { d.Device = dev }
}

func withTokens(tp transcription.TokenProvider) harnessOption {
	return func(_ *Config, d *Dependencies) { d.Tokens = tp }
}

func withObserver(o Observer) harnessOption {
	return func(_ *Config, d *Dependencies) { d.Observer = o }
}

func withLogger(l zerolog.Logger) harnessOption {
	return func(_ *Config, d *Dependencies) { d.Logger = l }
}

func newHarness(t *testing.T, adapter *fakeAdapter, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		mic:     audio.NewRemoteMicrophone(),
		dialer:  &fakeDialer{},
		adapter: adapter,
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		metrics: observability.NewMetrics("test", prometheus.NewRegistry()),
		sink:    &recordingSink{},
		updates: &updateLog{},
	}
	cfg := Config{
		ID: "session-1",
		Room: rooms.Room{
			ID:             "room-1",
			Topic:          "System design interviews",
			CoachingOption: "Mock Interview",
			ExpertName:     "Joanna",
		},
		RevealInterval: time.Millisecond,
		CloseTimeout:   2 * time.Second,
	}
	deps := Dependencies{
		Device:      h.mic,
		Tokens:      transcription.TokenFunc(func(context.Context) (string, error) { return "tok", nil }),
		Dialer:      h.dialer,
		Completion:  adapter,
		Transcripts: h.sink,
		Metrics:     h.metrics,
		Logger:      zerolog.Nop(),
		Observer:    h.updates.observe,
		Clock:       h.clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	s, err := NewSession(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h.s = s
	return h
}

func (h *harness) connectAndOpen(t *testing.T) *fakeStream {
	t.Helper()
	require.NoError(t, h.s.Connect(context.Background()))
	st := h.dialer.last(t)
	st.push(transcription.Event{Type: transcription.EventOpen, SessionID: "ts-1"})
	h.waitState(t, StateListening)
	return st
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.s.Snapshot().State == want
	}, waitTimeout, 2*time.Millisecond, "state never became %s (now %s)", want, h.s.Snapshot().State)
}

// waitSettled waits until the history has n entries and no reply is pending.
func (h *harness) waitSettled(t *testing.T, n int) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := h.s.Snapshot()
		return len(snap.History) == n && !snap.InFlight && !snap.Responding && snap.State == StateListening
	}, waitTimeout, 2*time.Millisecond)
	return h.s.Snapshot()
}

func (h *harness) turns(outcome string) float64 {
	return testutil.ToFloat64(h.metrics.Turns.WithLabelValues(outcome))
}

func finalTurn(text string) transcription.Event {
	return transcription.Event{Type: transcription.EventTurn, Text: text, IsFinal: true}
}

func TestSessionHelloThereScenario(t *testing.T) {
	h := newHarness(t, replyWith("Hi! How can I help?"))
	st := h.connectAndOpen(t)

	snap := h.s.Snapshot()
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Equal(t, "ts-1", snap.TranscriptionSessionID)

	st.push(finalTurn("Hello there"))
	snap = h.waitSettled(t, 2)

	assert.Equal(t, []Entry{
		{Role: RoleUser, Content: "Hello there", Final: true},
		{Role: RoleAssistant, Content: "Hi! How can I help?", Final: true},
	}, snap.History)
	assert.Equal(t, StatusConnected, snap.Status)

	require.Equal(t, 1, h.adapter.calls())
	req := h.adapter.request(0)
	assert.Equal(t, "Hello there", req.Utterance)
	assert.Equal(t, "System design interviews", req.Topic)
	assert.Equal(t, "Mock Interview", req.Mode)
	assert.Equal(t, "Joanna", req.ExpertName)

	require.Eventually(t, func() bool { return len(h.sink.snapshot()) == 2 }, waitTimeout, 2*time.Millisecond)
	for _, rec := range h.sink.snapshot() {
		assert.Equal(t, "room-1", rec.RoomID)
		assert.Equal(t, "session-1", rec.SessionID)
	}
}

func TestSessionDropsDuplicateWithinWindow(t *testing.T) {
	h := newHarness(t, replyWith("Tell me more."))
	st := h.connectAndOpen(t)

	st.push(finalTurn("Hello"))
	h.waitSettled(t, 2)

	h.clock.Advance(1000 * time.Millisecond)
	st.push(finalTurn("hello"))
	require.Eventually(t, func() bool { return h.turns(OutcomeDuplicate) == 1 }, waitTimeout, 2*time.Millisecond)

	assert.Len(t, h.s.Snapshot().History, 2)
	assert.Equal(t, 1, h.adapter.calls())
}

func TestSessionAcceptsRepeatAfterWindow(t *testing.T) {
	h := newHarness(t, replyWith("Tell me more."))
	st := h.connectAndOpen(t)

	st.push(finalTurn("Hello"))
	h.waitSettled(t, 2)

	h.clock.Advance(3000 * time.Millisecond)
	st.push(finalTurn("Hello"))
	snap := h.waitSettled(t, 4)

	assert.Equal(t, Entry{Role: RoleUser, Content: "Hello", Final: true}, snap.History[2])
	assert.Equal(t, 2, h.adapter.calls())
}

func TestSessionCompletionFailureAppendsFailureReply(t *testing.T) {
	h := newHarness(t, &fakeAdapter{fn: func(context.Context, completion.Request) (completion.Response, error) {
		return completion.Response{}, errors.New("upstream returned 502")
	}})
	st := h.connectAndOpen(t)

	st.push(finalTurn("How should I start?"))
	snap := h.waitSettled(t, 2)

	assert.Equal(t, Entry{Role: RoleAssistant, Content: FailureReply, Final: true}, snap.History[1])
	assert.False(t, snap.InFlight)
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ProviderErrors.WithLabelValues("completion", string(reliability.KindService))))

	// Listening resumed: the next turn is handled.
	st.push(finalTurn("Second try"))
	h.waitSettled(t, 4)
}

func TestSessionEmptyReplyUsesFallback(t *testing.T) {
	h := newHarness(t, replyWith("   "))
	st := h.connectAndOpen(t)

	st.push(finalTurn("Anyone there?"))
	snap := h.waitSettled(t, 2)
	assert.Equal(t, FallbackReply, snap.History[1].Content)
}

func TestSessionDropsTurnWhileAwaitingReply(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &fakeAdapter{fn: func(ctx context.Context, req completion.Request) (completion.Response, error) {
		select {
		case <-release:
			return completion.Response{Content: "Good point."}, nil
		case <-ctx.Done():
			return completion.Response{}, ctx.Err()
		}
	}})
	st := h.connectAndOpen(t)

	st.push(finalTurn("first thought"))
	h.waitState(t, StateAwaitingAIResponse)
	snap := h.s.Snapshot()
	assert.True(t, snap.Responding)
	assert.Equal(t, StatusPaused, snap.Status)
	assert.True(t, snap.State.Paused())

	st.push(finalTurn("second thought"))
	require.Eventually(t, func() bool { return h.turns(OutcomeBusy) == 1 }, waitTimeout, 2*time.Millisecond)
	assert.Len(t, h.s.Snapshot().History, 1)

	close(release)
	snap = h.waitSettled(t, 2)
	assert.Equal(t, "Good point.", snap.History[1].Content)
	assert.Equal(t, 1, h.adapter.calls())

	// The busy drop did not touch the dedup record.
	st.push(finalTurn("second thought"))
	h.waitSettled(t, 4)
}

func TestSessionNeverOverlapsCompletionCalls(t *testing.T) {
	h := newHarness(t, &fakeAdapter{fn: func(ctx context.Context, req completion.Request) (completion.Response, error) {
		time.Sleep(3 * time.Millisecond)
		return completion.Response{Content: "ok " + req.Utterance}, nil
	}})
	st := h.connectAndOpen(t)

	const turns = 25
	for i := range turns {
		st.push(finalTurn("thought number " + string(rune('a'+i))))
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return h.turns(OutcomeAccepted)+h.turns(OutcomeBusy) == turns
	}, waitTimeout, 2*time.Millisecond)

	accepted := int(h.turns(OutcomeAccepted))
	h.waitSettled(t, 2*accepted)
	assert.Equal(t, int32(1), h.adapter.max.Load())
	assert.Equal(t, accepted, h.adapter.calls())
}

func TestSessionRevealIsMonotonic(t *testing.T) {
	reply := "Great question. Start with the requirements, then sketch the data model."
	h := newHarness(t, replyWith(reply), withRevealInterval(2*time.Millisecond))
	st := h.connectAndOpen(t)

	st.push(finalTurn("How do I begin?"))
	h.waitSettled(t, 2)

	seen := h.updates.entriesAt(1)
	require.NotEmpty(t, seen)
	prev := ""
	for _, e := range seen[:len(seen)-1] {
		assert.True(t, strings.HasPrefix(reply, e.Content), "%q is not a prefix", e.Content)
		assert.True(t, strings.HasPrefix(e.Content, prev), "%q shrank from %q", e.Content, prev)
		assert.False(t, e.Final)
		prev = e.Content
	}
	last := seen[len(seen)-1]
	assert.Equal(t, reply, last.Content)
	assert.True(t, last.Final)
}

func TestSessionDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, replyWith("Sure."))
	ctx := context.Background()

	require.NoError(t, h.s.Disconnect(ctx))
	assert.Equal(t, StateIdle, h.s.Snapshot().State)

	st := h.connectAndOpen(t)
	st.push(transcription.Event{Type: transcription.EventTurn, Text: "half a sen"})
	require.Eventually(t, func() bool { return h.s.Snapshot().LivePartial == "half a sen" }, waitTimeout, 2*time.Millisecond)

	require.NoError(t, h.s.Disconnect(ctx))
	require.NoError(t, h.s.Disconnect(ctx))

	snap := h.s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.False(t, snap.InFlight)
	assert.False(t, snap.Responding)
	assert.False(t, snap.UserPaused)
	assert.Empty(t, snap.LivePartial)
	assert.True(t, st.isClosed())
	assert.False(t, h.mic.Capturing())
}

func TestSessionDisconnectDuringCompletionCancelsIt(t *testing.T) {
	canceled := make(chan struct{})
	h := newHarness(t, &fakeAdapter{fn: func(ctx context.Context, req completion.Request) (completion.Response, error) {
		<-ctx.Done()
		close(canceled)
		return completion.Response{}, ctx.Err()
	}})
	st := h.connectAndOpen(t)

	st.push(finalTurn("Hello"))
	h.waitState(t, StateAwaitingAIResponse)
	require.NoError(t, h.s.Disconnect(context.Background()))

	select {
	case <-canceled:
	case <-time.After(waitTimeout):
		t.Fatal("completion call was not canceled")
	}
	snap := h.s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Len(t, snap.History, 1)
	assert.False(t, snap.Responding)
}

func TestSessionDisconnectMidRevealKeepsPartialText(t *testing.T) {
	reply := strings.Repeat("practice makes progress ", 200)
	h := newHarness(t, replyWith(reply), withRevealInterval(5*time.Millisecond))
	st := h.connectAndOpen(t)

	st.push(finalTurn("Any advice?"))
	require.Eventually(t, func() bool {
		snap := h.s.Snapshot()
		return len(snap.History) == 2 && snap.History[1].Content != ""
	}, waitTimeout, 2*time.Millisecond)

	require.NoError(t, h.s.Disconnect(context.Background()))
	snap := h.s.Snapshot()
	require.Len(t, snap.History, 2)
	partial := snap.History[1]
	assert.True(t, partial.Final)
	assert.True(t, strings.HasPrefix(reply, partial.Content))
	assert.Less(t, len(partial.Content), len(reply))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, partial, h.s.Snapshot().History[1])
}

func TestSessionConnectDeviceFailureSkipsDial(t *testing.T) {
	h := newHarness(t, replyWith("x"), withDevice(deviceFunc(func(context.Context, audio.Format) (audio.Source, error) {
		return nil, audio.ErrNoDevice
	})))

	err := h.s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, reliability.IsKind(err, reliability.KindDevice))
	assert.ErrorIs(t, err, audio.ErrNoDevice)
	assert.Zero(t, h.dialer.calls())

	snap := h.s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.True(t, strings.HasPrefix(snap.Status, "Error: "), snap.Status)
	assert.NotEmpty(t, snap.LastError)
}

func TestSessionConnectTokenFailureReleasesMicrophone(t *testing.T) {
	h := newHarness(t, replyWith("x"), withTokens(transcription.TokenFunc(func(context.Context) (string, error) {
		return "", errors.New("401 unauthorized")
	})))

	err := h.s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, reliability.IsKind(err, reliability.KindAuth))
	assert.Zero(t, h.dialer.calls())
	assert.False(t, h.mic.Capturing())
	assert.Equal(t, StateIdle, h.s.Snapshot().State)
}

func TestSessionConnectTransportFailureIsRecoverable(t *testing.T) {
	h := newHarness(t, replyWith("Welcome back."))
	h.dialer.setErr(errors.New("handshake rejected"))

	err := h.s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, reliability.IsKind(err, reliability.KindTransport))
	assert.False(t, h.mic.Capturing())
	assert.Equal(t, StateIdle, h.s.Snapshot().State)

	h.dialer.setErr(nil)
	st := h.connectAndOpen(t)
	st.push(finalTurn("retry worked"))
	h.waitSettled(t, 2)
	assert.Empty(t, h.s.Snapshot().LastError)
}

func TestSessionConnectRejectedWhileActive(t *testing.T) {
	h := newHarness(t, replyWith("x"))
	h.connectAndOpen(t)
	assert.ErrorIs(t, h.s.Connect(context.Background()), ErrNotIdle)
}

func TestSessionTranscriptionErrorTearsDown(t *testing.T) {
	h := newHarness(t, replyWith("x"))
	st := h.connectAndOpen(t)

	st.push(transcription.Event{Type: transcription.EventError, Message: "audio format rejected"})
	h.waitState(t, StateIdle)

	snap := h.s.Snapshot()
	assert.Equal(t, "Error: transcription session: audio format rejected", snap.Status)
	assert.False(t, h.mic.Capturing())
}

func TestSessionNormalCloseDisconnects(t *testing.T) {
	h := newHarness(t, replyWith("x"))
	st := h.connectAndOpen(t)

	st.push(transcription.Event{Type: transcription.EventClosed, Code: 1000, Reason: "done"})
	h.waitState(t, StateIdle)
	assert.Equal(t, StatusDisconnected, h.s.Snapshot().Status)
}

func TestSessionLostConnectionReportsError(t *testing.T) {
	h := newHarness(t, replyWith("x"))
	st := h.connectAndOpen(t)

	_ = st.Close(context.Background())
	h.waitState(t, StateIdle)
	assert.Contains(t, h.s.Snapshot().Status, "1006")
}

func TestSessionPauseStopsAudio(t *testing.T) {
	h := newHarness(t, replyWith("x"))
	st := h.connectAndOpen(t)

	frames := newSineFrames(1600)
	require.Eventually(t, func() bool {
		h.mic.Push(frames())
		return st.sentCount() > 0
	}, waitTimeout, 5*time.Millisecond)

	require.NoError(t, h.s.Pause(context.Background()))
	snap := h.s.Snapshot()
	assert.Equal(t, StateListeningPaused, snap.State)
	assert.Equal(t, StatusPaused, snap.Status)
	assert.True(t, snap.UserPaused)

	time.Sleep(50 * time.Millisecond)
	before := st.sentCount()
	for range 20 {
		h.mic.Push(frames())
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, st.sentCount())

	st.push(finalTurn("spoken while muted"))
	require.Eventually(t, func() bool { return h.turns(OutcomePaused) == 1 }, waitTimeout, 2*time.Millisecond)
	assert.Empty(t, h.s.Snapshot().History)

	require.NoError(t, h.s.Resume(context.Background()))
	require.Eventually(t, func() bool {
		h.mic.Push(frames())
		return st.sentCount() > before
	}, waitTimeout, 5*time.Millisecond)
}

func TestSessionPauseRequiresConnection(t *testing.T) {
	h := newHarness(t, replyWith("x"))
	assert.ErrorIs(t, h.s.Pause(context.Background()), ErrNotListening)
	assert.ErrorIs(t, h.s.Resume(context.Background()), ErrNotListening)
}

func TestSessionFinalTurnClearsPartial(t *testing.T) {
	h := newHarness(t, replyWith("Nice."))
	st := h.connectAndOpen(t)

	st.push(transcription.Event{Type: transcription.EventTurn, Text: "I think"})
	require.Eventually(t, func() bool { return h.s.Snapshot().LivePartial == "I think" }, waitTimeout, 2*time.Millisecond)

	st.push(finalTurn("I think so"))
	snap := h.waitSettled(t, 2)
	assert.Empty(t, snap.LivePartial)
}

func TestSessionCloseStopsEverything(t *testing.T) {
	h := newHarness(t, replyWith("x"))
	st := h.connectAndOpen(t)

	require.NoError(t, h.s.Close())
	assert.ErrorIs(t, h.s.Close(), ErrSessionClosed)
	assert.ErrorIs(t, h.s.Connect(context.Background()), ErrSessionClosed)
	assert.ErrorIs(t, h.s.Disconnect(context.Background()), ErrSessionClosed)

	select {
	case <-h.s.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.True(t, st.isClosed())
	assert.False(t, h.mic.Capturing())
}

func TestNewSessionValidatesDependencies(t *testing.T) {
	_, err := NewSession(Config{}, Dependencies{})
	require.Error(t, err)

	_, err = NewSession(Config{Stream: transcription.StreamConfig{SampleRate: 8000}}, Dependencies{
		Device:     audio.NewRemoteMicrophone(),
		Tokens:     transcription.MockTokens(),
		Dialer:     transcription.NewMockDialer(),
		Completion: completion.NewMockAdapter(),
	})
	require.ErrorContains(t, err, "sample rate")
}

func newSineFrames(size int) func() []int16 {
	phase := 0.0
	step := 2 * math.Pi * 440 / float64(audio.SampleRate)
	return func() []int16 {
		frame := make([]int16, size)
		for i := range frame {
			frame[i] = int16(0.3 * 32767 * math.Sin(phase))
			phase += step
		}
		return frame
	}
}

func TestSessionPauseDiscardsHeldAudio(t *testing.T) {
	h := newHarness(t, replyWith("x"))
	st := h.connectAndOpen(t)
	frames := newSineFrames(1600)

	require.NoError(t, h.s.Pause(context.Background()))
	h.mic.Push(frames())
	h.mic.Push(frames())
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, h.s.Resume(context.Background()))
	// Less than one gate frame of fresh audio: nothing may reach the service.
	h.mic.Push(frames())
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, st.sentCount())

	require.Eventually(t, func() bool {
		h.mic.Push(frames())
		return st.sentCount() > 0
	}, waitTimeout, 5*time.Millisecond)
}

func TestSessionReplyPauseDiscardsHeldAudio(t *testing.T) {
	release := make(chan struct{})
	adapter := &fakeAdapter{fn: func(ctx context.Context, _ completion.Request) (completion.Response, error) {
		select {
		case <-release:
			return completion.Response{Content: "Go on."}, nil
		case <-ctx.Done():
			return completion.Response{}, ctx.Err()
		}
	}}
	h := newHarness(t, adapter)
	st := h.connectAndOpen(t)
	frames := newSineFrames(1600)

	st.push(finalTurn("first question"))
	h.waitState(t, StateAwaitingAIResponse)
	h.mic.Push(frames())
	h.mic.Push(frames())
	time.Sleep(50 * time.Millisecond)

	close(release)
	h.waitSettled(t, 2)
	h.mic.Push(frames())
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, st.sentCount())
}

type ctxBoundSource struct {
	frames chan []int16
	stop   chan struct{}
	once   sync.Once
}

func (s *ctxBoundSource) Frames() <-chan []int16 { return s.frames }

func (s *ctxBoundSource) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func TestSessionSourceOutlivesDial(t *testing.T) {
	var opened atomic.Pointer[ctxBoundSource]
	dev := deviceFunc(func(ctx context.Context, _ audio.Format) (audio.Source, error) {
		src := &ctxBoundSource{frames: make(chan []int16), stop: make(chan struct{})}
		go func() {
			defer close(src.frames)
			select {
			case <-ctx.Done():
			case <-src.stop:
			}
		}()
		opened.Store(src)
		return src, nil
	})
	h := newHarness(t, replyWith("x"), withDevice(dev))
	h.connectAndOpen(t)

	time.Sleep(50 * time.Millisecond)
	snap := h.s.Snapshot()
	assert.Equal(t, StateListening, snap.State)
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Empty(t, snap.LastError)

	require.NoError(t, h.s.Disconnect(context.Background()))
	src := opened.Load()
	require.NotNil(t, src)
	select {
	case <-src.stop:
	default:
		t.Fatal("source not closed on disconnect")
	}
}

func TestSessionSurvivesObserverPanic(t *testing.T) {
	h := newHarness(t, replyWith("Still here."), withObserver(func(u Update) {
		if u.Kind == UpdateEntry && u.Entry.Content == "explode" {
			panic("observer exploded")
		}
	}))
	st := h.connectAndOpen(t)

	st.push(finalTurn("explode"))
	h.waitSettled(t, 2)

	st.push(finalTurn("are you there"))
	snap := h.waitSettled(t, 4)
	assert.Equal(t, StateListening, snap.State)
	assert.Equal(t, "are you there", snap.History[2].Content)
	assert.Equal(t, "Still here.", snap.History[3].Content)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSessionLogsPauseOnClosedClient(t *testing.T) {
	logs := &syncBuffer{}
	held := make(chan struct{}, 1)
	gate := make(chan struct{})
	h := newHarness(t, replyWith("x"),
		withLogger(zerolog.New(logs).Level(zerolog.DebugLevel)),
		withObserver(func(u Update) {
			if u.Kind == UpdateEntry && u.Entry.Role == RoleUser && u.Entry.Content == "hold on" {
				held <- struct{}{}
				<-gate
			}
		}))
	st := h.connectAndOpen(t)

	st.push(finalTurn("hold on"))
	select {
	case <-held:
	case <-time.After(waitTimeout):
		t.Fatal("user entry never observed")
	}
	// The loop is parked in the observer; the client drops before the reply starts.
	client := h.s.conn.client
	st.push(transcription.Event{Type: transcription.EventError, Message: "socket reset"})
	require.Eventually(t, func() bool {
		return client.State() == transcription.StateDisconnected
	}, waitTimeout, 2*time.Millisecond)
	close(gate)

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "pause transcription client")
	}, waitTimeout, 2*time.Millisecond)
	h.waitState(t, StateIdle)
}
