package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIAdapterSendsSystemPromptAndHistory(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-test","choices":[{"index":0,"message":{"role":"assistant","content":"Hi! How can I help?"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	a := NewOpenAIAdapter("sk-test", "gpt-test", srv.URL+"/v1")
	resp, err := a.Complete(context.Background(), Request{
		Topic:     "Job interview",
		Mode:      "Mock Interview",
		Utterance: "Hello there",
		History: []Message{
			{Role: "user", Content: "Earlier"},
			{Role: "assistant", Content: "Reply"},
			{Role: "user", Content: "Hello there"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi! How can I help?", resp.Content)

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "Job interview")
	assert.Equal(t, openai.ChatMessageRoleAssistant, got.Messages[2].Role)
	assert.Equal(t, "Hello there", got.Messages[3].Content)
}

func TestChatMessagesAppendsMissingUtterance(t *testing.T) {
	msgs := chatMessages(Request{Utterance: "new question"})
	require.Len(t, msgs, 2)
	assert.Equal(t, "new question", msgs[1].Content)
}
