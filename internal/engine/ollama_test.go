package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestOllamaEngine_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]string{"role": "assistant", "content": "hello from ollama"},
			"prompt_eval_count": 11,
			"eval_count":        4,
		})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	reply, err := e.Chat(context.Background(), "qwen2.5-coder", []Message{
		{Role: "user", Content: "hi"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello from ollama", reply.Content)
	assert.Equal(t, 15, reply.TotalTokens())
}

func TestOllamaEngine_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{0.1, 0.2, 0.3}},
		})
	}))
	defer srv.Close()

	vec, err := NewOllamaEngine(srv.URL).Embed(context.Background(), "nomic-embed-text", "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func TestOllamaEngine_HasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("qwen2.5-coder:latest", "nomic-embed-text:latest"))
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	assert.True(t, e.IsRunning(context.Background()))
	assert.True(t, e.HasModel(context.Background(), "qwen2.5-coder"))
	assert.False(t, e.HasModel(context.Background(), "llama3"))
}

func TestOllamaEngine_PullModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"status": "downloading", "total": 1000, "completed": 500})
		enc.Encode(map[string]any{"status": "downloading", "total": 1000, "completed": 1000})
		enc.Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()

	var progressCount int
	err := NewOllamaEngine(srv.URL).PullModel(context.Background(), "qwen2.5-coder", func(p PullProgress) {
		progressCount++
	})
	require.NoError(t, err)
	assert.Equal(t, 3, progressCount)
}
