package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/discussroom/internal/audio"
	"github.com/ent0n29/discussroom/internal/protocol"
)

type options struct {
	baseURL        string
	topic          string
	coachingOption string
	expertName     string
	wavPath        string
	turns          int
	chunkMS        int
	realtime       float64
	trailingSilent time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

type wsEnvelope struct {
	Type    string `json:"type"`
	Status  string `json:"status,omitempty"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// turnTiming is measured from the last audio chunk of a turn.
type turnTiming struct {
	firstReveal time.Duration
	finalReply  time.Duration
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "roomreplay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "roomreplay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var trailingMS, interTurnMS, turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "discussroom base URL")
	flag.StringVar(&cfg.topic, "topic", "Replay latency check", "room topic")
	flag.StringVar(&cfg.coachingOption, "coaching-option", "Q&A Prep", "room coaching option")
	flag.StringVar(&cfg.expertName, "expert-name", "Joanna", "room expert name")
	flag.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM WAV utterance to replay (a synthetic tone when empty)")
	flag.IntVar(&cfg.turns, "turns", 5, "number of turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 100, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&trailingMS, "silence-ms", 1500, "silence streamed after each utterance so the turn can end")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 500, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for the final coach reply per turn")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	switch {
	case cfg.baseURL == "":
		return options{}, fmt.Errorf("base-url is required")
	case cfg.turns <= 0:
		return options{}, fmt.Errorf("turns must be > 0")
	case cfg.chunkMS < 10 || cfg.chunkMS > 2000:
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	case cfg.realtime <= 0:
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	cfg.trailingSilent = time.Duration(max(trailingMS, 0)) * time.Millisecond
	cfg.interTurnDelay = time.Duration(max(interTurnMS, 0)) * time.Millisecond
	cfg.turnTimeout = time.Duration(max(turnTimeoutMS, 1000)) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	utterance, err := loadUtterance(cfg.wavPath)
	if err != nil {
		return fmt.Errorf("prepare utterance audio: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	var room struct {
		ID string `json:"id"`
	}
	if err := postJSON(ctx, httpClient, cfg.baseURL+"/v1/rooms", map[string]string{
		"topic":           cfg.topic,
		"coaching_option": cfg.coachingOption,
		"expert_name":     cfg.expertName,
	}, http.StatusCreated, &room); err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := postJSON(ctx, httpClient, cfg.baseURL+"/v1/rooms/"+url.PathEscape(room.ID)+"/sessions", nil, http.StatusCreated, &created); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sessionID := created.SessionID
	defer func() {
		_ = postJSON(context.Background(), httpClient, cfg.baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil, http.StatusOK, nil)
	}()
	if cfg.verbose {
		fmt.Printf("roomreplay: room=%s session=%s turns=%d chunk_ms=%d realtime=%.2f\n", room.ID, sessionID, cfg.turns, cfg.chunkMS, cfg.realtime)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh, cfg.verbose)

	connectStart := time.Now()
	if err := sendControl(conn, sessionID, protocol.ActionConnect); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	if _, err := await(events, readErrCh, cfg.turnTimeout, func(ev wsEnvelope) bool {
		return ev.Type == string(protocol.TypeSessionStatus) && ev.Status == "Connected"
	}); err != nil {
		return fmt.Errorf("await connected: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("roomreplay: connected in %s\n", time.Since(connectStart).Round(time.Millisecond))
	}

	silence := make([]int16, int(cfg.trailingSilent.Seconds()*audio.SampleRate))
	seq := 0
	timings := make([]turnTiming, 0, cfg.turns)
	for i := range cfg.turns {
		if err := sendAudio(conn, sessionID, utterance, cfg.chunkMS, cfg.realtime, &seq); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		spokeAt := time.Now()
		// Silence keeps the stream open until the service closes the turn.
		stopSilence := make(chan struct{})
		silenceDone := make(chan struct{})
		go func() {
			defer close(silenceDone)
			_ = sendAudioUntil(conn, sessionID, silence, cfg.chunkMS, cfg.realtime, &seq, stopSilence)
		}()

		var timing turnTiming
		_, err := await(events, readErrCh, cfg.turnTimeout, func(ev wsEnvelope) bool {
			if ev.Type != string(protocol.TypeConversationEntry) || ev.Role != "Assistant" {
				return false
			}
			if timing.firstReveal == 0 {
				timing.firstReveal = time.Since(spokeAt)
			}
			if ev.Final {
				timing.finalReply = time.Since(spokeAt)
				return true
			}
			return false
		})
		close(stopSilence)
		<-silenceDone
		if err != nil {
			return fmt.Errorf("turn %d await reply: %w", i+1, err)
		}
		timings = append(timings, timing)
		if cfg.verbose {
			fmt.Printf("roomreplay: turn %d/%d first_reveal=%s final=%s\n", i+1, cfg.turns,
				timing.firstReveal.Round(time.Millisecond), timing.finalReply.Round(time.Millisecond))
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	_ = sendControl(conn, sessionID, protocol.ActionDisconnect)
	printSummary(os.Stdout, timings)
	return nil
}

func loadUtterance(path string) ([]int16, error) {
	if strings.TrimSpace(path) == "" {
		return syntheticUtterance(1200 * time.Millisecond), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAVPCM16LE(data)
	if err != nil {
		return nil, err
	}
	return audio.Resample(audio.DecodePCM16LE(pcm), rate, audio.SampleRate), nil
}

// syntheticUtterance is a speech-band tone loud enough to pass the noise gate.
func syntheticUtterance(d time.Duration) []int16 {
	n := int(d.Seconds() * audio.SampleRate)
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / audio.SampleRate
		env := math.Sin(math.Pi * float64(i) / float64(n))
		out[i] = int16(9000 * env * math.Sin(2*math.Pi*220*t))
	}
	return out
}

func postJSON(ctx context.Context, client *http.Client, u string, body any, wantStatus int, out any) error {
	var payload io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != wantStatus {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == string(protocol.TypeErrorEvent) && verbose {
			fmt.Fprintf(os.Stderr, "roomreplay: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
		select {
		case events <- env:
		default:
		}
	}
}

func await(events <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration, match func(wsEnvelope) bool) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev, nil
			}
		case err := <-readErrCh:
			return wsEnvelope{}, err
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func sendControl(conn *websocket.Conn, sessionID, action string) error {
	return conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    action,
		TSMs:      time.Now().UnixMilli(),
	})
}

func sendAudio(conn *websocket.Conn, sessionID string, samples []int16, chunkMS int, realtime float64, seq *int) error {
	return sendAudioUntil(conn, sessionID, samples, chunkMS, realtime, seq, nil)
}

// sendAudioUntil streams samples in paced chunks until done or stop closes.
func sendAudioUntil(conn *websocket.Conn, sessionID string, samples []int16, chunkMS int, realtime float64, seq *int, stop <-chan struct{}) error {
	perChunk := max(audio.SampleRate*chunkMS/1000, 1)
	pace := time.Duration(float64(time.Duration(chunkMS)*time.Millisecond) / realtime)
	for off := 0; off < len(samples); off += perChunk {
		select {
		case <-stop:
			return nil
		default:
		}
		end := min(off+perChunk, len(samples))
		*seq++
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(audio.EncodePCM16LE(samples[off:end])),
			SampleRate:  audio.SampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		time.Sleep(pace)
	}
	return nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = min(max(idx, 0), len(sorted)-1)
	return sorted[idx]
}

func printSummary(w io.Writer, timings []turnTiming) {
	first := make([]time.Duration, 0, len(timings))
	final := make([]time.Duration, 0, len(timings))
	for _, t := range timings {
		first = append(first, t.firstReveal)
		final = append(final, t.finalReply)
	}
	sort.Slice(first, func(i, j int) bool { return first[i] < first[j] })
	sort.Slice(final, func(i, j int) bool { return final[i] < final[j] })
	fmt.Fprintf(w, "roomreplay: turns=%d\n", len(timings))
	fmt.Fprintf(w, "  first_reveal p50=%s p95=%s\n", percentile(first, 0.5).Round(time.Millisecond), percentile(first, 0.95).Round(time.Millisecond))
	fmt.Fprintf(w, "  final_reply  p50=%s p95=%s\n", percentile(final, 0.5).Round(time.Millisecond), percentile(final, 0.95).Round(time.Millisecond))
}
