package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
	openai "github.com/sashabaranov/go-openai"
)

// Provider names accepted by New.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAzure     = "azure"
	ProviderAnthropic = "anthropic"
)

// Backend selects and configures one model provider.
type Backend struct {
	Provider   string
	BaseURL    string
	APIKey     string
	APIVersion string
}

// New builds the Engine for the given backend.
func New(b Backend) (Engine, error) {
	switch strings.ToLower(b.Provider) {
	case "", ProviderOllama:
		url := b.BaseURL
		if url == "" {
			url = "http://localhost:11434"
		}
		return NewOllamaEngine(url), nil
	case ProviderOpenAI:
		return NewOpenAIEngine(b.BaseURL, b.APIKey), nil
	case ProviderAzure:
		if b.BaseURL == "" {
			return nil, errors.New("azure provider requires an endpoint")
		}
		return NewAzureEngine(b.BaseURL, b.APIKey, b.APIVersion), nil
	case ProviderAnthropic:
		return NewAnthropicEngine(b.BaseURL, b.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", b.Provider)
	}
}

// IsTemporary reports whether err is worth retrying: timeouts, connection
// failures, rate limits and server-side errors.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUnsupported) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var oaAPI *openai.APIError
	if errors.As(err, &oaAPI) {
		return retryableStatus(oaAPI.HTTPStatusCode)
	}
	var oaReq *openai.RequestError
	if errors.As(err, &oaReq) {
		return retryableStatus(oaReq.HTTPStatusCode)
	}
	var anAPI *anthropic.APIError
	if errors.As(err, &anAPI) {
		return anAPI.IsRateLimitErr() || anAPI.IsOverloadedErr() || anAPI.IsApiErr()
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
