package app

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/discussroom/internal/completion"
	"github.com/ent0n29/discussroom/internal/config"
	"github.com/ent0n29/discussroom/internal/transcription"
)

type transcriptionSetup struct {
	tokens           transcription.TokenProvider
	dialer           transcription.Dialer
	resolvedProvider string
	detail           string
}

func resolveTranscription(cfg config.Config, logger zerolog.Logger) (transcriptionSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.TranscriptionProvider))
	if mode == "" {
		mode = "auto"
	}

	tryAssemblyAI := func() (transcriptionSetup, bool) {
		if strings.TrimSpace(cfg.AssemblyAIAPIKey) == "" {
			return transcriptionSetup{}, false
		}
		return transcriptionSetup{
			tokens:           transcription.NewHTTPTokenProvider(cfg.AssemblyAITokenURL, cfg.AssemblyAIAPIKey, cfg.TranscriptionTokenTTL),
			dialer:           transcription.NewAssemblyAIDialer(cfg.AssemblyAIWSURL, logger),
			resolvedProvider: "assemblyai",
			detail:           "assemblyai realtime",
		}, true
	}
	mock := func(detail string) transcriptionSetup {
		return transcriptionSetup{
			tokens:           transcription.MockTokens(),
			dialer:           transcription.NewMockDialer(),
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	switch mode {
	case "assemblyai":
		if setup, ok := tryAssemblyAI(); ok {
			return setup, nil
		}
		return transcriptionSetup{}, fmt.Errorf("TRANSCRIPTION_PROVIDER=assemblyai but ASSEMBLYAI_API_KEY is not set")
	case "mock":
		return mock("mock"), nil
	case "auto":
		if setup, ok := tryAssemblyAI(); ok {
			return setup, nil
		}
		return mock("mock (no assemblyai key)"), nil
	default:
		return transcriptionSetup{}, fmt.Errorf("invalid TRANSCRIPTION_PROVIDER: %q (expected auto|assemblyai|mock)", cfg.TranscriptionProvider)
	}
}

func resolveCompletion(cfg config.Config) (completion.Adapter, string, error) {
	adapter, err := completion.NewAdapter(completion.Config{
		Mode:          cfg.CompletionProvider,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIModel:   cfg.OpenAIModel,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		HTTPURL:       cfg.CompletionHTTPURL,
		Timeout:       cfg.CompletionTimeout,
	})
	if err != nil {
		return nil, "", fmt.Errorf("completion adapter init failed: %w", err)
	}
	return adapter, completionDetail(adapter), nil
}

func completionDetail(a completion.Adapter) string {
	switch a.(type) {
	case *completion.OpenAIAdapter:
		return "openai"
	case *completion.HTTPAdapter:
		return "http"
	case *completion.FallbackAdapter:
		return "openai (http fallback)"
	case *completion.MockAdapter:
		return "mock"
	default:
		return fmt.Sprintf("%T", a)
	}
}
