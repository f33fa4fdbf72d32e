package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/discussroom/internal/audio"
	"github.com/ent0n29/discussroom/internal/conversation"
	"github.com/ent0n29/discussroom/internal/protocol"
	"github.com/ent0n29/discussroom/internal/reliability"
	"github.com/ent0n29/discussroom/internal/session"
)

const (
	wsWriteTimeout     = 10 * time.Second
	wsReadTimeout      = 120 * time.Second
	wsDisconnectBudget = 5 * time.Second
)

// handleSessionWS bridges one browser tab to a live session: client audio
// feeds the session microphone, control messages drive the session and
// every session update is pushed back. Closing the socket disconnects.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	live, info, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if info.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", "session has ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("ws_connected")
	logger := s.logger.With().Str("session_id", sessionID).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	enqueue := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
			s.metrics.WSMessage("outbound_dropped", string(messageTypeOf(msg)))
		}
	}

	unsubscribe := live.Subscribe(func(u conversation.Update) {
		if msg, ok := messageFromUpdate(sessionID, u); ok {
			enqueue(msg)
		}
	})
	defer unsubscribe()

	for _, msg := range snapshotMessages(sessionID, live.Conversation.Snapshot()) {
		enqueue(msg)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessage("outbound", string(messageTypeOf(msg)))
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			enqueue(errorEvent(sessionID, "invalid_client_message", "gateway", false, err.Error()))
			continue
		}
		s.metrics.WSMessage("inbound", string(messageTypeOf(parsed)))
		_ = s.sessions.Touch(sessionID)

		switch msg := parsed.(type) {
		case protocol.ClientAudioChunk:
			if ev, ok := pushAudio(live, msg); !ok {
				enqueue(ev)
			}
		case protocol.ClientControl:
			s.control(ctx, live, msg, enqueue)
		}
	}

	cancel()
	<-writerDone

	// Closing the socket unmounts the room view.
	dctx, dcancel := context.WithTimeout(context.Background(), wsDisconnectBudget)
	defer dcancel()
	if err := live.Conversation.Disconnect(dctx); err != nil && !errors.Is(err, conversation.ErrSessionClosed) {
		logger.Warn().Err(err).Msg("disconnect after websocket close")
	}
	s.metrics.SessionEvent("ws_disconnected")
}

// control runs a client action. Connect waits for the transcription dial, so
// it runs off the read loop; the session serializes it with later actions.
func (s *Server) control(ctx context.Context, live *session.Live, msg protocol.ClientControl, enqueue func(any)) {
	conv := live.Conversation
	report := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		kind := reliability.KindOf(err)
		enqueue(errorEvent(live.ID, msg.Action+"_failed", string(kind), kind != reliability.KindUnknown, err.Error()))
	}
	switch msg.Action {
	case protocol.ActionConnect:
		go func() {
			err := conv.Connect(ctx)
			// Connect failures are already reported through the session's
			// error update.
			if errors.Is(err, conversation.ErrNotIdle) || errors.Is(err, conversation.ErrSessionClosed) {
				report(err)
			}
		}()
	case protocol.ActionDisconnect:
		dctx, cancel := context.WithTimeout(ctx, wsDisconnectBudget)
		defer cancel()
		report(conv.Disconnect(dctx))
	case protocol.ActionPause:
		report(conv.Pause(ctx))
	case protocol.ActionResume:
		report(conv.Resume(ctx))
	}
}

// pushAudio hands a client chunk to the session microphone. Only 16 kHz
// mono PCM is accepted; the browser resamples before sending.
func pushAudio(live *session.Live, msg protocol.ClientAudioChunk) (protocol.ErrorEvent, bool) {
	if msg.SampleRate != audio.SampleRate {
		return errorEvent(live.ID, "unsupported_sample_rate", "gateway", false,
			fmt.Sprintf("sample_rate %d not supported, send %d", msg.SampleRate, audio.SampleRate)), false
	}
	raw, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
	if err != nil || len(raw)%2 != 0 {
		return errorEvent(live.ID, "invalid_audio", "gateway", false, "pcm16_base64 must be base64 little-endian 16-bit PCM"), false
	}
	// Dropped frames while the session is not capturing are expected.
	live.Microphone.Push(audio.DecodePCM16LE(raw))
	return protocol.ErrorEvent{}, true
}

func errorEvent(sessionID, code, source string, retryable bool, detail string) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	}
}

func messageFromUpdate(sessionID string, u conversation.Update) (any, bool) {
	switch u.Kind {
	case conversation.UpdateStatus:
		return protocol.SessionStatus{
			Type:      protocol.TypeSessionStatus,
			SessionID: sessionID,
			State:     u.State.String(),
			Status:    u.Status,
		}, true
	case conversation.UpdatePartial:
		return protocol.STTPartial{
			Type:      protocol.TypeSTTPartial,
			SessionID: sessionID,
			Text:      u.Partial,
			TSMs:      time.Now().UnixMilli(),
		}, true
	case conversation.UpdateEntry:
		return entryMessage(sessionID, u.Index, u.Entry), true
	case conversation.UpdateResponding:
		return protocol.AssistantResponding{
			Type:      protocol.TypeAssistantResponding,
			SessionID: sessionID,
			Active:    u.Responding,
		}, true
	case conversation.UpdateError:
		if u.Err == nil {
			return nil, false
		}
		kind := reliability.KindOf(u.Err)
		// Connect failures are recoverable by connecting again.
		retryable := kind == reliability.KindAuth || kind == reliability.KindTransport || kind == reliability.KindDevice
		return errorEvent(sessionID, "session_"+string(kind), string(kind), retryable, u.Err.Error()), true
	default:
		return nil, false
	}
}

func entryMessage(sessionID string, index int, e conversation.Entry) protocol.ConversationEntry {
	return protocol.ConversationEntry{
		Type:      protocol.TypeConversationEntry,
		SessionID: sessionID,
		Index:     index,
		Role:      string(e.Role),
		Content:   e.Content,
		Final:     e.Final,
	}
}

// snapshotMessages brings a freshly attached client up to date.
func snapshotMessages(sessionID string, snap conversation.Snapshot) []any {
	out := []any{protocol.SessionStatus{
		Type:      protocol.TypeSessionStatus,
		SessionID: sessionID,
		State:     snap.State.String(),
		Status:    snap.Status,
	}}
	for i, e := range snap.History {
		out = append(out, entryMessage(sessionID, i, e))
	}
	if snap.LivePartial != "" {
		out = append(out, protocol.STTPartial{Type: protocol.TypeSTTPartial, SessionID: sessionID, Text: snap.LivePartial, TSMs: time.Now().UnixMilli()})
	}
	if snap.Responding {
		out = append(out, protocol.AssistantResponding{Type: protocol.TypeAssistantResponding, SessionID: sessionID, Active: true})
	}
	return out
}

func messageTypeOf(v any) protocol.MessageType {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type
	case protocol.ClientControl:
		return m.Type
	case protocol.SessionStatus:
		return m.Type
	case protocol.STTPartial:
		return m.Type
	case protocol.ConversationEntry:
		return m.Type
	case protocol.AssistantResponding:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	default:
		return "unknown"
	}
}
