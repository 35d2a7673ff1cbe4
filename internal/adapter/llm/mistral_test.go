package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/domain"
)

func TestMistralChat(t *testing.T) {
	var gotAuth string
	var gotReq mistralRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(mistralResponse{
			ID:    "cmpl-1",
			Model: gotReq.Model,
			Choices: []mistralChoice{
				{Message: mistralMessage{Role: "assistant", Content: "Psalm 23 is a psalm of trust."}, FinishReason: "stop"},
			},
			Usage: mistralUsage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
		})
	}))
	defer srv.Close()

	cfg := testProviderConfig(srv.URL)
	cfg.APIKey = "sk-test"
	p := NewMistralProvider(cfg, slog.Default())

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Model: "mistral-small-2409",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Summarize Psalm 23"},
		},
		MaxTokens:   500,
		Temperature: 0.7,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "Psalm 23 is a psalm of trust.", resp.Message.Content)
	assert.Equal(t, 30, resp.Usage.TotalTokens)
	require.NotNil(t, gotReq.Temperature)
	assert.Equal(t, 0.7, *gotReq.Temperature)
	assert.Equal(t, 500, gotReq.MaxTokens)
}

func TestMistralChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mistralResponse{ID: "cmpl-2"})
	}))
	defer srv.Close()

	p := NewMistralProvider(testProviderConfig(srv.URL), slog.Default())
	_, err := p.Chat(context.Background(), domain.ChatRequest{Model: "mistral-small-2409"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProvider)
}

func TestMistralChatRateLimitedByAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"rate limit"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewMistralProvider(testProviderConfig(srv.URL), slog.Default())
	_, err := p.Chat(context.Background(), domain.ChatRequest{Model: "mistral-small-2409"})
	require.Error(t, err)
	// Upstream 429 is a provider error, not an outage that trips circuits.
	assert.ErrorIs(t, err, domain.ErrProvider)
	assert.False(t, domain.IsOutage(err))
}

func TestMistralChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		writeChunk := func(chunk mistralStreamChunk) {
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}

		writeChunk(mistralStreamChunk{Choices: []mistralStreamChoice{{Delta: mistralMessage{Content: "The LORD "}}}})
		writeChunk(mistralStreamChunk{Choices: []mistralStreamChoice{{Delta: mistralMessage{Content: "is my shepherd"}}}})
		stop := "stop"
		writeChunk(mistralStreamChunk{
			Choices: []mistralStreamChoice{{Delta: mistralMessage{}, FinishReason: &stop}},
			Usage:   &mistralUsage{PromptTokens: 8, CompletionTokens: 4, TotalTokens: 12},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewMistralProvider(testProviderConfig(srv.URL), slog.Default())
	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{Model: "mistral-small-2409"})
	require.NoError(t, err)

	var content string
	var sawDone bool
	for delta := range ch {
		content += delta.Content
		if delta.Done {
			sawDone = true
		}
	}
	assert.Equal(t, "The LORD is my shepherd", content)
	assert.True(t, sawDone)
}
