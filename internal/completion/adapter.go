package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is one prior conversation turn. Role is "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request asks for the coach's next reply in a discussion room.
type Request struct {
	Topic      string    `json:"topic"`
	Mode       string    `json:"coaching_option"`
	ExpertName string    `json:"expert_name,omitempty"`
	Utterance  string    `json:"user_message"`
	History    []Message `json:"history"`
}

type Response struct {
	Content string `json:"content"`
}

// Adapter produces one reply per request.
type Adapter interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Config controls adapter construction.
type Config struct {
	Mode          string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	HTTPURL       string
	Timeout       time.Duration
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai api key is required for openai mode")
		}
		return NewOpenAIAdapter(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("completion HTTP url is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL, cfg.Timeout), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported completion adapter mode %q", cfg.Mode)
	}
}

func newAutoAdapter(cfg Config) Adapter {
	var primary Adapter
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		primary = NewOpenAIAdapter(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		httpAdapter := NewHTTPAdapter(cfg.HTTPURL, cfg.Timeout)
		if primary == nil {
			return httpAdapter
		}
		return NewFallbackAdapter(primary, httpAdapter)
	}
	if primary != nil {
		return primary
	}
	return NewMockAdapter()
}

// SystemPrompt frames the model as the room's coach.
func SystemPrompt(topic, mode, expert string) string {
	var b strings.Builder
	if expert = strings.TrimSpace(expert); expert != "" {
		fmt.Fprintf(&b, "You are %s, a voice coach.", expert)
	} else {
		b.WriteString("You are a voice coach.")
	}
	if mode = strings.TrimSpace(mode); mode != "" {
		fmt.Fprintf(&b, " The session type is %s.", mode)
	}
	if topic = strings.TrimSpace(topic); topic != "" {
		fmt.Fprintf(&b, " The topic is %q.", topic)
	}
	b.WriteString(" Replies are read aloud in a live conversation: answer in two or three short sentences and end with a question when it helps the user continue.")
	return b.String()
}
