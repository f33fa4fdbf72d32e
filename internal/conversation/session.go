package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/ent0n29/discussroom/internal/audio"
	"github.com/ent0n29/discussroom/internal/completion"
	"github.com/ent0n29/discussroom/internal/observability"
	"github.com/ent0n29/discussroom/internal/reliability"
	"github.com/ent0n29/discussroom/internal/rooms"
	"github.com/ent0n29/discussroom/internal/transcription"
)

var (
	// ErrSessionClosed is returned by every call after Close.
	ErrSessionClosed = errors.New("conversation session closed")
	// ErrNotIdle is returned by Connect unless the session is idle.
	ErrNotIdle = errors.New("conversation session is not idle")
	// ErrNotListening is returned by Pause and Resume outside a live session.
	ErrNotListening = errors.New("conversation session is not listening")
	// ErrConnectAborted is returned by a Connect that a disconnect overtook.
	ErrConnectAborted = errors.New("connect aborted by disconnect")
)

// Status strings shown to the user.
const (
	StatusDisconnected  = "Disconnected"
	StatusConnecting    = "Connecting..."
	StatusConnected     = "Connected"
	StatusPaused        = "Connected — Paused"
	StatusDisconnecting = "Disconnecting..."
)

func errorStatus(err error) string {
	return "Error: " + err.Error()
}

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateListeningPaused
	StateAwaitingAIResponse
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateListeningPaused:
		return "listening_paused"
	case StateAwaitingAIResponse:
		return "awaiting_ai_response"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Paused reports whether listening is suspended. Awaiting a reply is a
// paused sub-state.
func (s State) Paused() bool {
	return s == StateListeningPaused || s == StateAwaitingAIResponse
}

// Turn outcomes reported to metrics.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeBusy      = "busy"
	OutcomeEmpty     = "empty"
	OutcomePaused    = "paused"
	OutcomeInactive  = "inactive"
)

// Snapshot is the observable session state.
type Snapshot struct {
	State                  State   `json:"state"`
	Status                 string  `json:"status"`
	LivePartial            string  `json:"live_partial"`
	History                []Entry `json:"history"`
	Responding             bool    `json:"responding"`
	UserPaused             bool    `json:"user_paused"`
	InFlight               bool    `json:"in_flight"`
	LastError              string  `json:"last_error,omitempty"`
	TranscriptionSessionID string  `json:"transcription_session_id,omitempty"`
}

type UpdateKind string

const (
	UpdateStatus     UpdateKind = "status"
	UpdatePartial    UpdateKind = "partial"
	UpdateEntry      UpdateKind = "entry"
	UpdateResponding UpdateKind = "responding"
	UpdateError      UpdateKind = "error"
)

// Update describes one observable change. Only the fields relevant to Kind
// are set, plus State and Status which are always current.
type Update struct {
	Kind       UpdateKind
	State      State
	Status     string
	Partial    string
	Index      int
	Entry      Entry
	Responding bool
	Err        error
}

// Observer receives updates on the session goroutine. It must not block or
// call back into the session.
type Observer func(Update)

// TranscriptSink stores finished conversation entries.
type TranscriptSink interface {
	SaveTranscript(ctx context.Context, record rooms.TranscriptRecord) error
}

// Dependencies are the collaborators a Session drives.
type Dependencies struct {
	Device      audio.Device
	Tokens      transcription.TokenProvider
	Dialer      transcription.Dialer
	Completion  completion.Adapter
	Transcripts TranscriptSink
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
	Observer    Observer
	Clock       func() time.Time
}

type Config struct {
	ID   string
	Room rooms.Room

	Pipeline audio.PipelineConfig
	Encoder  audio.EncoderConfig
	Stream   transcription.StreamConfig
	// FrameSize is the number of samples requested per capture frame.
	FrameSize int

	DedupWindow       time.Duration
	RevealInterval    time.Duration
	CompletionTimeout time.Duration
	HistoryLimit      int
	CloseTimeout      time.Duration
}

const (
	defaultFrameSize         = 1600
	defaultCompletionTimeout = 30 * time.Second
	defaultCloseTimeout      = 5 * time.Second
	transcriptSaveTimeout    = 2 * time.Second
	sendQueueSize            = 32
)

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Pipeline.SampleRate == 0 {
		c.Pipeline = audio.DefaultPipelineConfig()
	}
	if c.Encoder.SampleRate == 0 {
		c.Encoder.SampleRate = c.Pipeline.SampleRate
	}
	if c.Stream.SampleRate == 0 {
		c.Stream = transcription.DefaultStreamConfig()
	}
	if c.FrameSize <= 0 {
		c.FrameSize = defaultFrameSize
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.RevealInterval <= 0 {
		c.RevealInterval = DefaultRevealInterval
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = defaultCompletionTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
	return c
}

// Session is one live discussion: microphone, transcription and coach
// replies serialized through a single goroutine.
type Session struct {
	cfg     Config
	deps    Dependencies
	logger  zerolog.Logger
	invoker *Invoker

	events    chan any
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.RWMutex
	snap Snapshot

	// Loop-owned state below.
	state      State
	status     string
	userPaused bool
	inFlight   bool
	responding bool
	partial    string
	history    History
	dedup      *Deduplicator
	lastErr    error
	tsID       string

	epoch        uint64
	conn         *connection
	connectReply chan error
	connectStart time.Time

	aiCancel     context.CancelFunc
	turnAt       time.Time
	revealCancel context.CancelFunc
	revealHandle Handle
	revealReply  string
	revealStart  time.Time
	revealed     bool

	dialCancel        context.CancelFunc
	teardownCause     error
	disconnectWaiters []chan error
	closing           bool
	closeReply        chan error
}

type connection struct {
	epoch    uint64
	ctx      context.Context
	cancel   context.CancelFunc
	source   audio.Source
	client   *transcription.Client
	pipeline *audio.Pipeline
	encoder  *audio.Encoder
	sendQ    chan audio.Chunk
	wg       sync.WaitGroup

	// live gates frames before conditioning. pauses counts gate closings so
	// the capture goroutine can drop samples the pipeline held across one.
	live       atomic.Bool
	pauses     atomic.Uint64
	seenPauses uint64
}

func (c *connection) setLive(live bool) {
	if live {
		c.encoder.SetPaused(false)
		c.live.Store(true)
		return
	}
	c.live.Store(false)
	c.pauses.Add(1)
	c.encoder.SetPaused(true)
}

type (
	cmdConnect struct {
		ctx   context.Context
		reply chan error
	}
	cmdDisconnect struct{ reply chan error }
	cmdPause      struct{ reply chan error }
	cmdResume     struct{ reply chan error }
	cmdClose      struct{ reply chan error }

	connectResult struct {
		epoch uint64
		conn  *connection
		err   error
	}
	transcriptEvent struct {
		epoch uint64
		ev    transcription.Event
	}
	aiResult struct {
		epoch     uint64
		utterance string
		reply     string
		err       error
	}
	revealStep struct {
		epoch  uint64
		handle Handle
		prefix string
	}
	revealDone struct {
		epoch  uint64
		handle Handle
	}
	deviceLost  struct{ epoch uint64 }
	releaseDone struct{ err error }
)

// NewSession validates cfg and starts the session goroutine. The session
// stays idle until Connect.
func NewSession(cfg Config, deps Dependencies) (*Session, error) {
	cfg = cfg.withDefaults()
	switch {
	case deps.Device == nil:
		return nil, errors.New("audio device is required")
	case deps.Tokens == nil:
		return nil, errors.New("transcription token provider is required")
	case deps.Dialer == nil:
		return nil, errors.New("transcription dialer is required")
	case deps.Completion == nil:
		return nil, errors.New("completion adapter is required")
	}
	if cfg.Stream.SampleRate != cfg.Pipeline.SampleRate {
		return nil, fmt.Errorf("stream sample rate %d does not match pipeline sample rate %d", cfg.Stream.SampleRate, cfg.Pipeline.SampleRate)
	}
	if _, err := audio.NewSpeechPipeline(cfg.Pipeline); err != nil {
		return nil, fmt.Errorf("audio pipeline: %w", err)
	}
	if _, err := audio.NewEncoder(cfg.Encoder, func(audio.Chunk) {}); err != nil {
		return nil, fmt.Errorf("audio encoder: %w", err)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	s := &Session{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With().Str("session_id", cfg.ID).Str("room_id", cfg.Room.ID).Logger(),
		invoker: NewInvoker(deps.Completion, cfg.Room, cfg.HistoryLimit),
		events:  make(chan any, 256),
		done:    make(chan struct{}),
		state:   StateIdle,
		status:  StatusDisconnected,
		dedup:   NewDeduplicator(cfg.DedupWindow),
	}
	s.publish()
	go s.run()
	return s, nil
}

func (s *Session) ID() string { return s.cfg.ID }

func (s *Session) Room() rooms.Room { return s.cfg.Room }

// Done is closed once the session has been closed and torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns a copy of the observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.History = append([]Entry(nil), s.snap.History...)
	return snap
}

// Connect opens the microphone and the transcription session. It returns
// once the transcription socket is dialed; listening starts when the service
// acknowledges the session. Failures are reliability errors and leave the
// session idle.
func (s *Session) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if !s.send(cmdConnect{ctx: ctx, reply: reply}) {
		return ErrSessionClosed
	}
	return s.await(ctx, reply)
}

// Disconnect tears the session down from any state and waits for every
// resource to be released. Calling it while idle is a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	reply := make(chan error, 1)
	if !s.send(cmdDisconnect{reply: reply}) {
		return ErrSessionClosed
	}
	return s.await(ctx, reply)
}

// Pause mutes the microphone without ending the transcription session.
func (s *Session) Pause(ctx context.Context) error {
	reply := make(chan error, 1)
	if !s.send(cmdPause{reply: reply}) {
		return ErrSessionClosed
	}
	return s.await(ctx, reply)
}

func (s *Session) Resume(ctx context.Context) error {
	reply := make(chan error, 1)
	if !s.send(cmdResume{reply: reply}) {
		return ErrSessionClosed
	}
	return s.await(ctx, reply)
}

// Close disconnects and stops the session goroutine. Later calls return
// ErrSessionClosed.
func (s *Session) Close() error {
	err := ErrSessionClosed
	s.closeOnce.Do(func() {
		reply := make(chan error, 1)
		if !s.send(cmdClose{reply: reply}) {
			return
		}
		<-s.done
		err = <-reply
	})
	return err
}

func (s *Session) send(ev any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) run() {
	defer close(s.done)
	for ev := range s.events {
		s.dispatch(ev)
		s.publish()
		if s.closing && s.state == StateIdle {
			s.closeReply <- nil
			return
		}
	}
}

func (s *Session) dispatch(ev any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("event", fmt.Sprintf("%T", ev)).Msg("session event handler panicked")
		}
	}()

	switch e := ev.(type) {
	case cmdConnect:
		s.handleConnect(e)
	case connectResult:
		s.handleConnectResult(e)
	case cmdDisconnect:
		s.handleDisconnect(e.reply)
	case cmdPause:
		e.reply <- s.handlePause()
	case cmdResume:
		e.reply <- s.handleResume()
	case cmdClose:
		s.closing = true
		s.closeReply = e.reply
		s.teardown(nil)
	case transcriptEvent:
		s.handleTranscript(e)
	case aiResult:
		s.handleAIResult(e)
	case revealStep:
		s.handleRevealStep(e)
	case revealDone:
		s.handleRevealDone(e)
	case deviceLost:
		if e.epoch == s.epoch && s.conn != nil {
			s.teardown(reliability.DeviceError("capture audio", errors.New("microphone stream ended")))
		}
	case releaseDone:
		s.handleReleaseDone(e)
	}
}

// post delivers an async result to the loop. It reports false once the
// session is gone.
func (s *Session) post(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) publish() {
	var lastErr string
	if s.lastErr != nil {
		lastErr = s.lastErr.Error()
	}
	snap := Snapshot{
		State:                  s.state,
		Status:                 s.status,
		LivePartial:            s.partial,
		History:                s.history.Entries(),
		Responding:             s.responding,
		UserPaused:             s.userPaused,
		InFlight:               s.inFlight,
		LastError:              lastErr,
		TranscriptionSessionID: s.tsID,
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Session) notify(u Update) {
	if s.deps.Observer == nil {
		return
	}
	u.State = s.state
	u.Status = s.status
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("update", string(u.Kind)).Msg("session observer panicked")
		}
	}()
	s.deps.Observer(u)
}

func (s *Session) setState(state State, status string) {
	changed := s.state != state || s.status != status
	s.state = state
	s.status = status
	if changed {
		s.notify(Update{Kind: UpdateStatus})
	}
}

func (s *Session) setResponding(active bool) {
	if s.responding == active {
		return
	}
	s.responding = active
	s.notify(Update{Kind: UpdateResponding, Responding: active})
}

func (s *Session) setPartial(text string) {
	if s.partial == text {
		return
	}
	s.partial = text
	s.notify(Update{Kind: UpdatePartial, Partial: text})
}

func (s *Session) appendEntry(e Entry) Handle {
	h := s.history.Append(e)
	s.notify(Update{Kind: UpdateEntry, Index: h.Index(), Entry: e})
	if e.Final {
		s.persist(h.Index(), e)
	}
	return h
}

func (s *Session) fail(err error) {
	s.lastErr = err
	s.notify(Update{Kind: UpdateError, Err: err})
}

func (s *Session) handleConnect(cmd cmdConnect) {
	if s.state != StateIdle {
		cmd.reply <- ErrNotIdle
		return
	}
	s.epoch++
	s.lastErr = nil
	s.connectReply = cmd.reply
	s.connectStart = s.deps.Clock()
	s.setState(StateConnecting, StatusConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel
	go s.dial(ctx, cmd.ctx, cancel, s.epoch)
}

// dial acquires every connection resource off the loop. The device is
// opened first so a missing microphone never reaches the token service.
func (s *Session) dial(ctx, callerCtx context.Context, cancel context.CancelFunc, epoch uint64) {
	conn := &connection{epoch: epoch, ctx: ctx, cancel: cancel}

	dialCtx, dialCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(callerCtx, dialCancel)
	defer stop()
	defer dialCancel()

	result := connectResult{epoch: epoch, conn: conn}
	// The source lives as long as the connection, not the dial.
	src, err := s.deps.Device.Open(ctx, audio.Format{SampleRate: s.cfg.Pipeline.SampleRate, FrameSize: s.cfg.FrameSize})
	if err != nil {
		if !reliability.IsKind(err, reliability.KindDevice) {
			err = reliability.DeviceError("open microphone", err)
		}
		cancel()
		result.conn, result.err = nil, err
		s.post(result)
		return
	}
	conn.source = src

	conn.client = transcription.NewClient(s.deps.Tokens, s.deps.Dialer, s.cfg.Stream, s.logger)
	if err := conn.client.Connect(dialCtx); err != nil {
		_ = src.Close()
		cancel()
		result.conn, result.err = nil, err
		s.post(result)
		return
	}
	if !s.post(result) {
		s.release(conn)
	}
}

func (s *Session) handleConnectResult(r connectResult) {
	if r.epoch != s.epoch || s.state != StateConnecting {
		if r.conn != nil {
			go s.release(r.conn)
		}
		return
	}
	reply := s.connectReply
	s.connectReply = nil
	s.dialCancel = nil

	if r.err == nil {
		r.err = s.startCapture(r.conn)
		if r.err != nil {
			go s.release(r.conn)
		}
	}
	if r.err != nil {
		s.logger.Warn().Err(r.err).Str("kind", string(reliability.KindOf(r.err))).Msg("connect failed")
		s.deps.Metrics.SessionEvent("connect_failed")
		s.deps.Metrics.ProviderError(providerFor(r.err), string(reliability.KindOf(r.err)))
		s.fail(r.err)
		s.setState(StateIdle, errorStatus(r.err))
		reply <- r.err
		return
	}

	s.conn = r.conn
	s.deps.Metrics.SessionEvent("connected")
	s.logger.Info().Msg("transcription session dialed")
	reply <- nil
}

// startCapture builds the conditioning chain for a fresh connection and
// starts the capture, send and transcript goroutines. The encoder stays
// paused until the service opens the session.
func (s *Session) startCapture(conn *connection) error {
	pipeline, err := audio.NewSpeechPipeline(s.cfg.Pipeline)
	if err != nil {
		return reliability.DeviceError("build audio pipeline", err)
	}
	conn.pipeline = pipeline
	conn.sendQ = make(chan audio.Chunk, sendQueueSize)
	metrics := s.deps.Metrics
	conn.encoder, err = audio.NewEncoder(s.cfg.Encoder, func(c audio.Chunk) {
		select {
		case conn.sendQ <- c:
		default:
			metrics.AudioChunk("dropped_backlog")
		}
	})
	if err != nil {
		return reliability.DeviceError("build audio encoder", err)
	}
	conn.setLive(false)

	conn.wg.Add(3)
	go s.capture(conn)
	go s.sendAudio(conn)
	go s.forwardTranscripts(conn)
	return nil
}

func (s *Session) capture(conn *connection) {
	defer conn.wg.Done()
	for frame := range conn.source.Frames() {
		s.processFrame(conn, frame)
	}
	if conn.ctx.Err() == nil {
		s.post(deviceLost{epoch: conn.epoch})
	}
}

func (s *Session) processFrame(conn *connection, frame []int16) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("audio frame processing panicked")
		}
	}()
	if !conn.live.Load() {
		return
	}
	if n := conn.pauses.Load(); n != conn.seenPauses {
		conn.seenPauses = n
		conn.pipeline.Reset()
	}
	out := conn.pipeline.Process(audio.PCM16ToFloat(frame))
	if len(out) == 0 {
		return
	}
	if err := conn.encoder.Write(out); err != nil && !errors.Is(err, audio.ErrEncoderStopped) {
		s.logger.Warn().Err(err).Msg("encode audio")
	}
}

func (s *Session) sendAudio(conn *connection) {
	defer conn.wg.Done()
	for {
		select {
		case <-conn.ctx.Done():
			return
		case chunk := <-conn.sendQ:
			err := conn.client.SendAudio(conn.ctx, chunk.Data)
			switch {
			case err == nil:
				s.deps.Metrics.AudioChunk("sent")
			case errors.Is(err, transcription.ErrNotConnected):
				s.deps.Metrics.AudioChunk("dropped_paused")
			default:
				s.deps.Metrics.AudioChunk("dropped_closed")
				s.logger.Debug().Err(err).Uint64("seq", chunk.Seq).Msg("send audio chunk")
			}
		}
	}
}

func (s *Session) forwardTranscripts(conn *connection) {
	defer conn.wg.Done()
	for ev := range conn.client.Events() {
		if !s.post(transcriptEvent{epoch: conn.epoch, ev: ev}) {
			return
		}
	}
}

func (s *Session) handleTranscript(e transcriptEvent) {
	if e.epoch != s.epoch || s.conn == nil {
		return
	}
	ev := e.ev
	switch ev.Type {
	case transcription.EventOpen:
		if s.state != StateConnecting {
			return
		}
		s.tsID = ev.SessionID
		s.dedup.Reset()
		s.conn.setLive(true)
		s.deps.Metrics.ObserveConnect(s.deps.Clock().Sub(s.connectStart))
		s.setState(StateListening, StatusConnected)
		s.logger.Info().Str("transcription_session_id", ev.SessionID).Msg("listening")
	case transcription.EventTurn:
		if !ev.IsFinal {
			if s.state != StateConnecting {
				s.setPartial(ev.Text)
			}
			return
		}
		s.handleFinalTurn(ev.Text)
	case transcription.EventError:
		s.deps.Metrics.ProviderError("transcription", string(reliability.KindTransport))
		s.teardown(reliability.TransportError("transcription session", errors.New(ev.Message)))
	case transcription.EventClosed:
		if reliability.IsAbnormalClose(ev.Code) {
			s.deps.Metrics.ProviderError("transcription", string(reliability.KindTransport))
			s.teardown(reliability.TransportError("transcription session", fmt.Errorf("closed with code %d: %s", ev.Code, ev.Reason)))
			return
		}
		s.teardown(nil)
	}
}

// handleFinalTurn applies the busy guard before dedup, so a turn dropped
// while a reply is in flight neither adds an entry nor refreshes the record.
func (s *Session) handleFinalTurn(text string) {
	text = strings.TrimSpace(text)
	outcome := s.acceptTurn(text)
	s.deps.Metrics.TurnOutcome(outcome)
	if outcome != OutcomeAccepted {
		s.logger.Debug().Str("outcome", outcome).Str("text", text).Msg("final turn dropped")
		return
	}

	s.setPartial("")
	s.appendEntry(Entry{Role: RoleUser, Content: text, Final: true})
	s.startAI(text)
}

func (s *Session) acceptTurn(text string) string {
	switch {
	case text == "":
		return OutcomeEmpty
	case s.inFlight:
		return OutcomeBusy
	case s.state == StateListeningPaused:
		return OutcomePaused
	case s.state != StateListening:
		return OutcomeInactive
	case !s.dedup.Accept(text, s.deps.Clock()):
		return OutcomeDuplicate
	default:
		return OutcomeAccepted
	}
}

func (s *Session) startAI(utterance string) {
	conn := s.conn
	s.inFlight = true
	s.pauseAudio(conn)
	s.setState(StateAwaitingAIResponse, StatusPaused)
	s.setResponding(true)
	s.turnAt = s.deps.Clock()

	ctx, cancel := context.WithTimeout(conn.ctx, s.cfg.CompletionTimeout)
	s.aiCancel = cancel
	history := s.history.Entries()
	epoch := s.epoch
	go func() {
		reply, err := s.invoker.Respond(ctx, history, utterance)
		s.post(aiResult{epoch: epoch, utterance: utterance, reply: reply, err: err})
	}()
}

func (s *Session) handleAIResult(r aiResult) {
	if r.epoch != s.epoch || !s.inFlight || s.aiCancel == nil {
		return
	}
	s.aiCancel()
	s.aiCancel = nil
	s.deps.Metrics.ObserveAIResponse(s.deps.Clock().Sub(s.turnAt))

	if r.err != nil {
		s.logger.Warn().Err(r.err).Msg("completion failed")
		s.deps.Metrics.ProviderError("completion", string(reliability.KindOf(r.err)))
		s.appendEntry(Entry{Role: RoleAssistant, Content: FailureReply, Final: true})
		s.finishAI()
		return
	}

	h := s.appendEntry(Entry{Role: RoleAssistant})
	ctx, cancel := context.WithCancel(s.conn.ctx)
	s.revealCancel = cancel
	s.revealHandle = h
	s.revealReply = r.reply
	s.revealStart = s.deps.Clock()
	s.revealed = false

	epoch, interval := s.epoch, s.cfg.RevealInterval
	go func() {
		for prefix := range Reveal(ctx, r.reply, interval) {
			if !s.post(revealStep{epoch: epoch, handle: h, prefix: prefix}) {
				return
			}
		}
		if ctx.Err() == nil {
			s.post(revealDone{epoch: epoch, handle: h})
		}
	}()
}

func (s *Session) handleRevealStep(r revealStep) {
	if r.epoch != s.epoch || s.revealCancel == nil || r.handle != s.revealHandle {
		return
	}
	if err := s.history.Update(r.handle, r.prefix); err != nil {
		return
	}
	if !s.revealed {
		s.revealed = true
		s.deps.Metrics.ObserveStage(observability.StageTurnToReveal, s.deps.Clock().Sub(s.turnAt))
	}
	s.notify(Update{Kind: UpdateEntry, Index: r.handle.Index(), Entry: s.history.At(r.handle.Index())})
}

func (s *Session) handleRevealDone(r revealDone) {
	if r.epoch != s.epoch || s.revealCancel == nil || r.handle != s.revealHandle {
		return
	}
	_ = s.history.Update(r.handle, s.revealReply)
	s.sealReveal()
	s.deps.Metrics.ObserveStage(observability.StageReveal, s.deps.Clock().Sub(s.revealStart))
	s.finishAI()
}

// sealReveal freezes the trailing assistant entry with whatever has been
// revealed so far.
func (s *Session) sealReveal() {
	if s.revealCancel == nil {
		return
	}
	s.revealCancel()
	s.revealCancel = nil
	h := s.revealHandle
	if err := s.history.Seal(h); err != nil {
		return
	}
	e := s.history.At(h.Index())
	s.notify(Update{Kind: UpdateEntry, Index: h.Index(), Entry: e})
	s.persist(h.Index(), e)
}

// finishAI clears the guard and resumes listening if the transcription
// session survived the reply.
func (s *Session) finishAI() {
	s.inFlight = false
	s.setResponding(false)
	conn := s.conn
	if conn == nil || !conn.client.State().Open() {
		s.logger.Debug().Msg("transcription closed during reply; not resuming")
		return
	}
	if s.userPaused {
		s.setState(StateListeningPaused, StatusPaused)
		return
	}
	s.resumeAudio(conn)
	s.setState(StateListening, StatusConnected)
}

// pauseAudio stops audio toward the transcription session without closing it.
func (s *Session) pauseAudio(conn *connection) {
	conn.setLive(false)
	if err := conn.client.Pause(); err != nil {
		s.logger.Debug().Err(err).Msg("pause transcription client")
	}
}

func (s *Session) resumeAudio(conn *connection) {
	if err := conn.client.Resume(); err != nil {
		s.logger.Debug().Err(err).Msg("resume transcription client")
	}
	conn.setLive(true)
}

func (s *Session) handlePause() error {
	switch s.state {
	case StateListening:
		s.userPaused = true
		s.pauseAudio(s.conn)
		s.setState(StateListeningPaused, StatusPaused)
		return nil
	case StateListeningPaused, StateAwaitingAIResponse:
		s.userPaused = true
		return nil
	default:
		return ErrNotListening
	}
}

func (s *Session) handleResume() error {
	switch s.state {
	case StateListeningPaused:
		s.userPaused = false
		s.resumeAudio(s.conn)
		s.setState(StateListening, StatusConnected)
		return nil
	case StateListening, StateAwaitingAIResponse:
		s.userPaused = false
		return nil
	default:
		return ErrNotListening
	}
}

func (s *Session) handleDisconnect(reply chan error) {
	switch s.state {
	case StateIdle:
		reply <- nil
	case StateDisconnecting:
		s.disconnectWaiters = append(s.disconnectWaiters, reply)
	default:
		s.disconnectWaiters = append(s.disconnectWaiters, reply)
		s.teardown(nil)
	}
}

// teardown moves to Disconnecting, clears every guard and releases the
// connection off the loop. cause is nil for a requested disconnect.
func (s *Session) teardown(cause error) {
	if s.state == StateDisconnecting {
		return
	}
	if s.state == StateIdle {
		return
	}
	s.setState(StateDisconnecting, StatusDisconnecting)

	if s.aiCancel != nil {
		s.aiCancel()
		s.aiCancel = nil
	}
	s.sealReveal()
	s.inFlight = false
	s.setResponding(false)
	s.userPaused = false
	s.setPartial("")
	s.dedup.Reset()
	s.tsID = ""

	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.connectReply != nil {
		s.connectReply <- ErrConnectAborted
		s.connectReply = nil
	}
	s.teardownCause = cause
	if cause != nil {
		s.logger.Warn().Err(cause).Msg("session torn down")
		s.fail(cause)
	}

	s.epoch++
	conn := s.conn
	s.conn = nil
	go func() {
		s.post(releaseDone{err: s.release(conn)})
	}()
}

// release stops the source, encoder and transcription client. Each step
// runs regardless of the others failing.
func (s *Session) release(conn *connection) error {
	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
	defer cancel()

	var err error
	if conn.source != nil {
		if cerr := conn.source.Close(); cerr != nil {
			err = multierr.Append(err, reliability.DeviceError("close microphone", cerr))
		}
	}
	if conn.encoder != nil {
		conn.encoder.Stop()
	}
	if conn.client != nil {
		err = multierr.Append(err, conn.client.Close(ctx))
	}
	conn.cancel()

	waited := make(chan struct{})
	go func() {
		conn.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("wait for capture goroutines: %w", ctx.Err()))
	}
	return err
}

func (s *Session) handleReleaseDone(r releaseDone) {
	if r.err != nil {
		for _, err := range multierr.Errors(r.err) {
			s.logger.Warn().Err(err).Msg("release session resource")
		}
	}
	status := StatusDisconnected
	if s.teardownCause != nil {
		status = errorStatus(s.teardownCause)
	}
	s.teardownCause = nil
	s.setState(StateIdle, status)
	s.deps.Metrics.SessionEvent("disconnected")
	s.logger.Info().Str("status", status).Msg("session disconnected")

	for _, w := range s.disconnectWaiters {
		w <- nil
	}
	s.disconnectWaiters = nil
}

func (s *Session) persist(index int, e Entry) {
	sink := s.deps.Transcripts
	if sink == nil || strings.TrimSpace(e.Content) == "" {
		return
	}
	record := rooms.TranscriptRecord{
		ID:        uuid.NewString(),
		RoomID:    s.cfg.Room.ID,
		SessionID: s.cfg.ID,
		Seq:       index,
		Role:      string(e.Role),
		Content:   e.Content,
		CreatedAt: s.deps.Clock().UTC(),
	}
	logger := s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), transcriptSaveTimeout)
		defer cancel()
		if err := sink.SaveTranscript(ctx, record); err != nil {
			logger.Warn().Err(err).Int("seq", record.Seq).Msg("save transcript entry")
		}
	}()
}

func providerFor(err error) string {
	switch reliability.KindOf(err) {
	case reliability.KindDevice:
		return "microphone"
	case reliability.KindAuth:
		return "transcription_token"
	default:
		return "transcription"
	}
}
