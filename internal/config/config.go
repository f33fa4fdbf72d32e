package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the discussion room service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	TranscriptionProvider string
	AssemblyAIAPIKey      string
	AssemblyAIWSURL       string
	AssemblyAITokenURL    string
	TranscriptionTokenTTL time.Duration
	EndOfTurnSilence      time.Duration

	CompletionProvider     string
	OpenAIAPIKey           string
	OpenAIModel            string
	OpenAIBaseURL          string
	CompletionHTTPURL      string
	CompletionTimeout      time.Duration
	CompletionHistoryLimit int

	DatabaseURL         string
	TranscriptRedactPII bool

	AudioSampleRate          int
	AudioChunkDuration       time.Duration
	AudioChunkFormat         string
	AudioHighPassHz          float64
	AudioCompressorThreshold float64
	AudioCompressorRatio     float64
	AudioGateThreshold       float64
	AudioGateFrame           int
	AudioGain                float64

	TurnDedupWindow     time.Duration
	ReplyRevealInterval time.Duration
}

// LoadDotEnv preloads variables from the given files (".env" when none are
// given). Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "discussroom"),
		AllowAnyOrigin:        false,
		LogLevel:              strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		TranscriptionProvider: strings.ToLower(envOrDefault("TRANSCRIPTION_PROVIDER", "auto")),
		AssemblyAIAPIKey:      stringsTrimSpace("ASSEMBLYAI_API_KEY"),
		AssemblyAIWSURL:       envOrDefault("ASSEMBLYAI_WS_URL", "wss://streaming.assemblyai.com/v3/ws"),
		AssemblyAITokenURL:    envOrDefault("ASSEMBLYAI_TOKEN_URL", "https://streaming.assemblyai.com/v3/token"),
		TranscriptionTokenTTL: 60 * time.Second,
		// Matches the end-of-utterance silence the room UI was tuned for.
		EndOfTurnSilence:       5 * time.Second,
		CompletionProvider:     strings.ToLower(envOrDefault("COMPLETION_PROVIDER", "auto")),
		OpenAIAPIKey:           stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModel:            envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:          stringsTrimSpace("OPENAI_BASE_URL"),
		CompletionHTTPURL:      stringsTrimSpace("COMPLETION_HTTP_URL"),
		CompletionTimeout:      30 * time.Second,
		CompletionHistoryLimit: 20,
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		TranscriptRedactPII:    true,
		// The transcription service only accepts 16 kHz PCM.
		AudioSampleRate:          16000,
		AudioChunkDuration:       250 * time.Millisecond,
		AudioChunkFormat:         strings.ToLower(envOrDefault("AUDIO_CHUNK_FORMAT", "pcm")),
		AudioHighPassHz:          120,
		AudioCompressorThreshold: -50,
		AudioCompressorRatio:     6,
		AudioGateThreshold:       0.01,
		AudioGateFrame:           4096,
		AudioGain:                1.0,
		TurnDedupWindow:          3 * time.Second,
		ReplyRevealInterval:      25 * time.Millisecond,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.TranscriptRedactPII, err = boolFromEnv("TRANSCRIPT_REDACT_PII", cfg.TranscriptRedactPII)
	if err != nil {
		return Config{}, err
	}

	cfg.TranscriptionTokenTTL, err = durationFromEnv("TRANSCRIPTION_TOKEN_TTL", cfg.TranscriptionTokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.EndOfTurnSilence, err = durationFromEnv("TRANSCRIPTION_END_OF_TURN_SILENCE", cfg.EndOfTurnSilence)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionTimeout, err = durationFromEnv("COMPLETION_TIMEOUT", cfg.CompletionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionHistoryLimit, err = intFromEnv("COMPLETION_HISTORY_LIMIT", cfg.CompletionHistoryLimit)
	if err != nil {
		return Config{}, err
	}

	cfg.AudioChunkDuration, err = durationFromEnv("AUDIO_CHUNK_DURATION", cfg.AudioChunkDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioHighPassHz, err = floatFromEnv("AUDIO_HIGHPASS_HZ", cfg.AudioHighPassHz)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioCompressorThreshold, err = floatFromEnv("AUDIO_COMPRESSOR_THRESHOLD_DB", cfg.AudioCompressorThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioCompressorRatio, err = floatFromEnv("AUDIO_COMPRESSOR_RATIO", cfg.AudioCompressorRatio)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioGateThreshold, err = floatFromEnv("AUDIO_GATE_THRESHOLD", cfg.AudioGateThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioGateFrame, err = intFromEnv("AUDIO_GATE_FRAME", cfg.AudioGateFrame)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioGain, err = floatFromEnv("AUDIO_GAIN", cfg.AudioGain)
	if err != nil {
		return Config{}, err
	}

	cfg.TurnDedupWindow, err = durationFromEnv("TURN_DEDUP_WINDOW", cfg.TurnDedupWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplyRevealInterval, err = durationFromEnv("REPLY_REVEAL_INTERVAL", cfg.ReplyRevealInterval)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	switch c.TranscriptionProvider {
	case "auto", "assemblyai", "mock":
	default:
		return fmt.Errorf("TRANSCRIPTION_PROVIDER must be auto, assemblyai or mock")
	}
	if c.TranscriptionProvider == "assemblyai" && c.AssemblyAIAPIKey == "" {
		return fmt.Errorf("ASSEMBLYAI_API_KEY is required when TRANSCRIPTION_PROVIDER=assemblyai")
	}
	switch c.CompletionProvider {
	case "auto", "openai", "http", "mock":
	default:
		return fmt.Errorf("COMPLETION_PROVIDER must be auto, openai, http or mock")
	}
	if c.CompletionProvider == "http" && c.CompletionHTTPURL == "" {
		return fmt.Errorf("COMPLETION_HTTP_URL is required when COMPLETION_PROVIDER=http")
	}
	if c.TranscriptionTokenTTL < time.Second || c.TranscriptionTokenTTL > 10*time.Minute {
		return fmt.Errorf("TRANSCRIPTION_TOKEN_TTL must be between 1s and 10m")
	}
	if c.EndOfTurnSilence < 0 {
		return fmt.Errorf("TRANSCRIPTION_END_OF_TURN_SILENCE must be >= 0")
	}
	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be positive")
	}
	if c.CompletionHistoryLimit <= 0 {
		return fmt.Errorf("COMPLETION_HISTORY_LIMIT must be positive")
	}
	if c.AudioChunkDuration < 50*time.Millisecond || c.AudioChunkDuration > 1000*time.Millisecond {
		return fmt.Errorf("AUDIO_CHUNK_DURATION must be between 50ms and 1s")
	}
	switch c.AudioChunkFormat {
	case "pcm", "wav":
	default:
		return fmt.Errorf("AUDIO_CHUNK_FORMAT must be pcm or wav")
	}
	if c.AudioHighPassHz <= 0 || c.AudioHighPassHz >= float64(c.AudioSampleRate)/2 {
		return fmt.Errorf("AUDIO_HIGHPASS_HZ must be between 0 and the Nyquist frequency")
	}
	if c.AudioCompressorThreshold > 0 {
		return fmt.Errorf("AUDIO_COMPRESSOR_THRESHOLD_DB must be <= 0")
	}
	if c.AudioCompressorRatio < 1 {
		return fmt.Errorf("AUDIO_COMPRESSOR_RATIO must be >= 1")
	}
	if c.AudioGateThreshold < 0 || c.AudioGateThreshold >= 1 {
		return fmt.Errorf("AUDIO_GATE_THRESHOLD must be in [0, 1)")
	}
	if c.AudioGateFrame <= 0 {
		return fmt.Errorf("AUDIO_GATE_FRAME must be positive")
	}
	if c.AudioGain <= 0 {
		return fmt.Errorf("AUDIO_GAIN must be positive")
	}
	if c.TurnDedupWindow < 0 {
		return fmt.Errorf("TURN_DEDUP_WINDOW must be >= 0")
	}
	if c.ReplyRevealInterval < 0 {
		return fmt.Errorf("REPLY_REVEAL_INTERVAL must be >= 0")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
