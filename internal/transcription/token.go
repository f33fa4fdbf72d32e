package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/discussroom/internal/reliability"
)

const defaultAssemblyAITokenURL = "https://streaming.assemblyai.com/v3/token"

var errEmptyToken = errors.New("token service returned an empty token")

// HTTPTokenProvider exchanges the API key for a temporary streaming token.
type HTTPTokenProvider struct {
	URL         string
	APIKey      string
	TTL         time.Duration
	Client      *http.Client
	MaxAttempts int
	Backoff     time.Duration
}

func NewHTTPTokenProvider(tokenURL, apiKey string, ttl time.Duration) *HTTPTokenProvider {
	if strings.TrimSpace(tokenURL) == "" {
		tokenURL = defaultAssemblyAITokenURL
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &HTTPTokenProvider{
		URL:         tokenURL,
		APIKey:      apiKey,
		TTL:         ttl,
		Client:      &http.Client{Timeout: 10 * time.Second},
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
	}
}

// Token returns a fresh token. Every failure is an auth error.
func (p *HTTPTokenProvider) Token(ctx context.Context) (string, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return "", reliability.AuthError("acquire transcription token", errors.New("api key is not configured"))
	}
	attempts := max(p.MaxAttempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, p.Backoff, 2*time.Second)
			select {
			case <-ctx.Done():
				return "", reliability.AuthError("acquire transcription token", ctx.Err())
			case <-time.After(wait):
			}
		}
		token, retry, err := p.fetch(ctx)
		if err == nil {
			return token, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return "", reliability.AuthError("acquire transcription token", lastErr)
}

func (p *HTTPTokenProvider) fetch(ctx context.Context) (string, bool, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", false, fmt.Errorf("parse token url: %w", err)
	}
	q := u.Query()
	q.Set("expires_in_seconds", strconv.Itoa(int(p.TTL.Seconds())))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", p.APIKey)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", reliability.IsRetryableHTTPStatus(resp.StatusCode),
			fmt.Errorf("token service status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload); err != nil {
		return "", false, fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(payload.Token) == "" {
		return "", false, errEmptyToken
	}
	return payload.Token, false, nil
}
