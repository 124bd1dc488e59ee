package engine

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEngine talks to OpenAI, Azure OpenAI or any OpenAI-compatible
// gateway.
type OpenAIEngine struct {
	client *openai.Client
}

// NewOpenAIEngine creates an engine for an OpenAI-compatible endpoint. An
// empty baseURL keeps the library default.
func NewOpenAIEngine(baseURL, apiKey string) *OpenAIEngine {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEngine{client: openai.NewClientWithConfig(cfg)}
}

// NewAzureEngine creates an engine for an Azure OpenAI resource. Model names
// passed to Chat and Embed are deployment names.
func NewAzureEngine(endpoint, apiKey, apiVersion string) *OpenAIEngine {
	cfg := openai.DefaultAzureConfig(apiKey, endpoint)
	if apiVersion != "" {
		cfg.APIVersion = apiVersion
	}
	return &OpenAIEngine{client: openai.NewClientWithConfig(cfg)}
}

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (Reply, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: 0,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if jsonSchema != nil {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Reply{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, errors.New("openai chat: empty choices")
	}
	return Reply{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embed: empty response")
	}
	return resp.Data[0].Embedding, nil
}
