package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
)

const anthropicMaxTokens = 4096

// AnthropicEngine is a chat-only backend for Claude models.
type AnthropicEngine struct {
	client *anthropic.Client
}

// NewAnthropicEngine creates an engine for the Anthropic Messages API. An
// empty baseURL keeps the library default.
func NewAnthropicEngine(baseURL, apiKey string) *AnthropicEngine {
	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	return &AnthropicEngine{client: anthropic.NewClient(apiKey, opts...)}
}

func (e *AnthropicEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (Reply, error) {
	req := anthropic.MessagesRequest{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
	}
	var system []string
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		content := m.Content
		role := anthropic.RoleUser
		if m.Role == "assistant" {
			role = anthropic.RoleAssistant
		}
		req.Messages = append(req.Messages, anthropic.Message{
			Role:    role,
			Content: []anthropic.MessageContent{{Type: "text", Text: &content}},
		})
	}
	if jsonSchema != nil {
		system = append(system, "Respond with a single JSON object and nothing else.")
	}
	req.System = strings.Join(system, "\n\n")

	resp, err := e.client.CreateMessages(ctx, req)
	if err != nil {
		return Reply{}, fmt.Errorf("anthropic chat: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			sb.WriteString(*block.Text)
		}
	}
	if sb.Len() == 0 {
		return Reply{}, errors.New("anthropic chat: no text content in response")
	}
	return Reply{
		Content:          sb.String(),
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}, nil
}

// Embed is not offered by the Anthropic API.
func (e *AnthropicEngine) Embed(context.Context, string, string) ([]float32, error) {
	return nil, fmt.Errorf("anthropic embed: %w", ErrUnsupported)
}
