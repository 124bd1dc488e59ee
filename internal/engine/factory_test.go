package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/sentinel/internal/ollama"
)

func TestNew_Providers(t *testing.T) {
	e, err := New(Backend{})
	require.NoError(t, err)
	assert.IsType(t, &OllamaEngine{}, e)

	e, err = New(Backend{Provider: "OpenAI", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIEngine{}, e)

	e, err = New(Backend{Provider: ProviderAnthropic, APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicEngine{}, e)

	_, err = New(Backend{Provider: ProviderAzure})
	require.Error(t, err)

	_, err = New(Backend{Provider: "mlx"})
	require.Error(t, err)
}

func TestOpenAIEngine_ChatAndEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat/completions":
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.NotNil(t, req["response_format"])
			fmt.Fprint(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"findings\":[]}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":30,"completion_tokens":5,"total_tokens":35}}`)
		case "/v1/embeddings":
			fmt.Fprint(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,0.25]}],"model":"text-embedding-3-small"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := NewOpenAIEngine(srv.URL+"/v1", "test-key")
	reply, err := e.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "review"}}, &Schema{Type: "object"})
	require.NoError(t, err)
	assert.Equal(t, `{"findings":[]}`, reply.Content)
	assert.Equal(t, 30, reply.PromptTokens)
	assert.Equal(t, 5, reply.CompletionTokens)

	vec, err := e.Embed(context.Background(), "text-embedding-3-small", "def foo(): pass")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
}

func TestOpenAIEngine_ServerErrorIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	_, err := NewOpenAIEngine(srv.URL+"/v1", "k").Embed(context.Background(), "m", "x")
	require.Error(t, err)
	assert.True(t, IsTemporary(err))
}

func TestAnthropicEngine_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req["system"], "You review code.")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"m1","type":"message","role":"assistant","model":"claude","content":[{"type":"text","text":"{\"findings\":[]}"}],"stop_reason":"end_turn","usage":{"input_tokens":40,"output_tokens":6}}`)
	}))
	defer srv.Close()

	e := NewAnthropicEngine(srv.URL+"/v1", "k")
	reply, err := e.Chat(context.Background(), "claude-sonnet", []Message{
		{Role: "system", Content: "You review code."},
		{Role: "user", Content: "review"},
	}, &Schema{Type: "object"})
	require.NoError(t, err)
	assert.Equal(t, `{"findings":[]}`, reply.Content)
	assert.Equal(t, 46, reply.TotalTokens())

	_, err = e.Embed(context.Background(), "m", "x")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestIsTemporary(t *testing.T) {
	assert.False(t, IsTemporary(nil))
	assert.False(t, IsTemporary(errors.New("bad request")))
	assert.False(t, IsTemporary(context.Canceled))
	assert.True(t, IsTemporary(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.True(t, IsTemporary(&ollama.StatusError{Op: "embed", Code: 503}))
	assert.False(t, IsTemporary(&ollama.StatusError{Op: "embed", Code: 400}))
	assert.True(t, IsTemporary(&openai.APIError{HTTPStatusCode: 429}))
}
