// Package engine abstracts the model backends the reviewer talks to: a chat
// model that judges review categories and an embedding model that powers the
// repository index.
package engine

import (
	"context"
	"errors"
)

// ErrUnsupported is returned when a backend does not offer an operation,
// such as embeddings on a chat-only provider.
var ErrUnsupported = errors.New("operation not supported by backend")

// Engine is a chat and embedding backend (Ollama, OpenAI-compatible, Azure
// OpenAI or Anthropic).
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's reply.
	// When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (Reply, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Provisioner is implemented by self-hosted backends that can report and
// download their models.
type Provisioner interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
