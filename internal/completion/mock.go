package completion

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter provides deterministic local replies when no model is configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	base := strings.TrimSpace(req.Utterance)
	if base == "" {
		return Response{}, nil
	}
	if topic := strings.TrimSpace(req.Topic); topic != "" {
		return Response{Content: fmt.Sprintf("I heard you: %s. What else comes to mind about %s?", base, topic)}, nil
	}
	return Response{Content: fmt.Sprintf("I heard you: %s", base)}, nil
}
