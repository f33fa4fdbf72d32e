package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/ent0n29/discussroom/internal/audio"
	"github.com/ent0n29/discussroom/internal/completion"
	"github.com/ent0n29/discussroom/internal/config"
	"github.com/ent0n29/discussroom/internal/conversation"
	"github.com/ent0n29/discussroom/internal/httpapi"
	"github.com/ent0n29/discussroom/internal/observability"
	"github.com/ent0n29/discussroom/internal/rooms"
	"github.com/ent0n29/discussroom/internal/session"
	"github.com/ent0n29/discussroom/internal/transcription"
)

type ProviderInfo struct {
	Transcription       string
	TranscriptionDetail string
	Completion          string
}

type Options struct {
	Logger zerolog.Logger
	// Registerer receives the service metrics. Nil means the default registry.
	Registerer prometheus.Registerer
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Store    rooms.Store
	// Transcripts is Store, wrapped with PII redaction when enabled.
	Transcripts rooms.Store
	Metrics     *observability.Metrics
	Providers   ProviderInfo
	Logger      zerolog.Logger

	// Collaborators shared by every conversation, also used by the local CLI.
	Tokens     transcription.TokenProvider
	Dialer     transcription.Dialer
	Completion completion.Adapter

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	metrics := observability.NewMetrics(cfg.MetricsNamespace, opts.Registerer)

	store, err := rooms.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("room store init failed: %w", err)
	}

	stt, err := resolveTranscription(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	adapter, completionName, err := resolveCompletion(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	// Ensure API handlers report the backend that is actually active.
	cfg.TranscriptionProvider = stt.resolvedProvider

	var transcripts rooms.Store = store
	if cfg.TranscriptRedactPII {
		transcripts = rooms.WithRedaction(store)
	}
	deps := conversation.Dependencies{
		Tokens:      stt.tokens,
		Dialer:      stt.dialer,
		Completion:  adapter,
		Transcripts: transcripts,
		Metrics:     metrics,
		Logger:      logger,
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout, SessionFactory(cfg, deps), metrics)
	sessions.SetExpireHook(func(info session.Info) {
		logger.Info().Str("session_id", info.ID).Str("room_id", info.RoomID).Msg("session expired after inactivity")
	})

	api := httpapi.New(cfg, store, sessions, metrics, logger)

	cleanup := func() error {
		return multierr.Combine(sessions.CloseAll(), store.Close())
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		Store:       store,
		Transcripts: transcripts,
		Metrics:     metrics,
		Providers: ProviderInfo{
			Transcription:       stt.resolvedProvider,
			TranscriptionDetail: stt.detail,
			Completion:          completionName,
		},
		Logger:     logger,
		Tokens:     stt.tokens,
		Dialer:     stt.dialer,
		Completion: adapter,
		Cleanup:    cleanup,
	}, nil
}

// ConversationConfig maps service configuration onto one conversation.
func ConversationConfig(cfg config.Config, id string, room rooms.Room) conversation.Config {
	pipeline := audio.DefaultPipelineConfig()
	pipeline.SampleRate = cfg.AudioSampleRate
	pipeline.HighPassHz = cfg.AudioHighPassHz
	pipeline.CompressorThresholdDB = cfg.AudioCompressorThreshold
	pipeline.CompressorRatio = cfg.AudioCompressorRatio
	pipeline.GateThreshold = cfg.AudioGateThreshold
	pipeline.GateFrameSize = cfg.AudioGateFrame
	pipeline.Gain = cfg.AudioGain

	stream := transcription.DefaultStreamConfig()
	stream.SampleRate = cfg.AudioSampleRate
	stream.EndOfTurnSilence = cfg.EndOfTurnSilence

	return conversation.Config{
		ID:       id,
		Room:     room,
		Pipeline: pipeline,
		Encoder: audio.EncoderConfig{
			SampleRate:    cfg.AudioSampleRate,
			ChunkDuration: cfg.AudioChunkDuration,
			Format:        cfg.AudioChunkFormat,
		},
		Stream:            stream,
		FrameSize:         framesFor(cfg.AudioSampleRate, 100*time.Millisecond),
		DedupWindow:       cfg.TurnDedupWindow,
		RevealInterval:    cfg.ReplyRevealInterval,
		CompletionTimeout: cfg.CompletionTimeout,
		HistoryLimit:      cfg.CompletionHistoryLimit,
	}
}

// SessionFactory builds conversations that share deps. Device and Observer
// come from each session's Spec.
func SessionFactory(cfg config.Config, deps conversation.Dependencies) session.Factory {
	return func(spec session.Spec) (*conversation.Session, error) {
		d := deps
		d.Device = spec.Device
		d.Observer = spec.Observer
		return conversation.NewSession(ConversationConfig(cfg, spec.ID, spec.Room), d)
	}
}

func framesFor(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}
