package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/ent0n29/discussroom/internal/completion"
	"github.com/ent0n29/discussroom/internal/reliability"
	"github.com/ent0n29/discussroom/internal/rooms"
)

const (
	// FallbackReply stands in for an empty model reply.
	FallbackReply = "I'm here. Could you please repeat that?"
	// FailureReply is appended when the completion call fails.
	FailureReply = "Sorry, I had trouble responding. Please try again."

	defaultHistoryLimit = 20
)

// Invoker asks the completion service for the coach's next reply.
type Invoker struct {
	adapter      completion.Adapter
	room         rooms.Room
	historyLimit int
}

func NewInvoker(adapter completion.Adapter, room rooms.Room, historyLimit int) *Invoker {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Invoker{adapter: adapter, room: room, historyLimit: historyLimit}
}

// Respond returns the reply text, FallbackReply when the service returned
// nothing usable, or a service error.
func (i *Invoker) Respond(ctx context.Context, history []Entry, utterance string) (string, error) {
	if i.adapter == nil {
		return "", reliability.ServiceError("complete reply", errors.New("no completion adapter configured"))
	}
	resp, err := i.adapter.Complete(ctx, completion.Request{
		Topic:      i.room.Topic,
		Mode:       i.room.CoachingOption,
		ExpertName: i.room.ExpertName,
		Utterance:  utterance,
		History:    BuildHistory(history, i.historyLimit),
	})
	if err != nil {
		return "", reliability.ServiceError("complete reply", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return FallbackReply, nil
	}
	return resp.Content, nil
}

// BuildHistory drops blank entries, maps roles to user/assistant and keeps
// the last limit messages.
func BuildHistory(entries []Entry, limit int) []completion.Message {
	out := make([]completion.Message, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Content) == "" {
			continue
		}
		role := "user"
		if e.Role == RoleAssistant {
			role = "assistant"
		}
		out = append(out, completion.Message{Role: role, Content: e.Content})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
