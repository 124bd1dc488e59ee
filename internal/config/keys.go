package config

import (
	"fmt"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	extract func(cfg Config) any
}

var specs = []keySpec{
	{key: "server.host", typ: kString, env: "SENTINEL_SERVER_HOST", extract: func(c Config) any { return c.Server.Host }},
	{key: "server.port", typ: kInt, env: "SENTINEL_SERVER_PORT", extract: func(c Config) any { return c.Server.Port }},
	{key: "server.mcp_port", typ: kInt, env: "SENTINEL_SERVER_MCP_PORT", extract: func(c Config) any { return c.Server.MCPPort }},
	{key: "server.public_url", typ: kString, env: "SENTINEL_SERVER_PUBLIC_URL", extract: func(c Config) any { return c.Server.PublicURL }},
	{key: "server.token", typ: kString, env: "SENTINEL_SERVER_TOKEN", secret: true, extract: func(c Config) any { return c.Server.Token }},
	{key: "server.webhook_secret", typ: kString, env: "SENTINEL_SERVER_WEBHOOK_SECRET", secret: true, extract: func(c Config) any { return c.Server.WebhookSecret }},
	{key: "storage.data_dir", typ: kString, env: "SENTINEL_STORAGE_DATA_DIR", extract: func(c Config) any { return c.Storage.DataDir }},
	{key: "storage.postgres_url", typ: kString, env: "SENTINEL_STORAGE_POSTGRES_URL", secret: true, extract: func(c Config) any { return c.Storage.PostgresURL }},
	{key: "model.provider", typ: kString, env: "SENTINEL_MODEL_PROVIDER", extract: func(c Config) any { return c.Model.Provider }},
	{key: "model.base_url", typ: kString, env: "SENTINEL_MODEL_BASE_URL", extract: func(c Config) any { return c.Model.BaseURL }},
	{key: "model.api_key", typ: kString, env: "SENTINEL_MODEL_API_KEY", secret: true, extract: func(c Config) any { return c.Model.APIKey }},
	{key: "model.api_version", typ: kString, env: "SENTINEL_MODEL_API_VERSION", extract: func(c Config) any { return c.Model.APIVersion }},
	{key: "model.name", typ: kString, env: "SENTINEL_MODEL_NAME", extract: func(c Config) any { return c.Model.Name }},
	{key: "embedding.provider", typ: kString, env: "SENTINEL_EMBEDDING_PROVIDER", extract: func(c Config) any { return c.Embedding.Provider }},
	{key: "embedding.base_url", typ: kString, env: "SENTINEL_EMBEDDING_BASE_URL", extract: func(c Config) any { return c.Embedding.BaseURL }},
	{key: "embedding.api_key", typ: kString, env: "SENTINEL_EMBEDDING_API_KEY", secret: true, extract: func(c Config) any { return c.Embedding.APIKey }},
	{key: "embedding.model", typ: kString, env: "SENTINEL_EMBEDDING_MODEL", extract: func(c Config) any { return c.Embedding.Model }},
	{key: "embedding.max_attempts", typ: kInt, env: "SENTINEL_EMBEDDING_MAX_ATTEMPTS", extract: func(c Config) any { return c.Embedding.MaxAttempts }},
	{key: "embedding.timeout", typ: kDuration, env: "SENTINEL_EMBEDDING_TIMEOUT", extract: func(c Config) any { return c.Embedding.Timeout }},
	{key: "embedding.concurrency", typ: kInt, env: "SENTINEL_EMBEDDING_CONCURRENCY", extract: func(c Config) any { return c.Embedding.Concurrency }},
	{key: "retrieval.top_k", typ: kInt, env: "SENTINEL_RETRIEVAL_TOP_K", extract: func(c Config) any { return c.Retrieval.TopK }},
	{key: "retrieval.min_score", typ: kFloat, env: "SENTINEL_RETRIEVAL_MIN_SCORE", extract: func(c Config) any { return c.Retrieval.MinScore }},
	{key: "retrieval.timeout", typ: kDuration, env: "SENTINEL_RETRIEVAL_TIMEOUT", extract: func(c Config) any { return c.Retrieval.Timeout }},
	{key: "review.file_concurrency", typ: kInt, env: "SENTINEL_REVIEW_FILE_CONCURRENCY", extract: func(c Config) any { return c.Review.FileConcurrency }},
	{key: "review.model_concurrency", typ: kInt, env: "SENTINEL_REVIEW_MODEL_CONCURRENCY", extract: func(c Config) any { return c.Review.ModelConcurrency }},
	{key: "review.model_timeout", typ: kDuration, env: "SENTINEL_REVIEW_MODEL_TIMEOUT", extract: func(c Config) any { return c.Review.ModelTimeout }},
	{key: "review.context_tokens", typ: kInt, env: "SENTINEL_REVIEW_CONTEXT_TOKENS", extract: func(c Config) any { return c.Review.ContextTokens }},
	{key: "review.workers", typ: kInt, env: "SENTINEL_REVIEW_WORKERS", extract: func(c Config) any { return c.Review.Workers }},
	{key: "jira.base_url", typ: kString, env: "SENTINEL_JIRA_BASE_URL", extract: func(c Config) any { return c.Jira.BaseURL }},
	{key: "jira.user", typ: kString, env: "SENTINEL_JIRA_USER", extract: func(c Config) any { return c.Jira.User }},
	{key: "jira.token", typ: kString, env: "SENTINEL_JIRA_TOKEN", secret: true, extract: func(c Config) any { return c.Jira.Token }},
	{key: "jira.timeout", typ: kDuration, env: "SENTINEL_JIRA_TIMEOUT", extract: func(c Config) any { return c.Jira.Timeout }},
	{key: "confluence.base_url", typ: kString, env: "SENTINEL_CONFLUENCE_BASE_URL", extract: func(c Config) any { return c.Confluence.BaseURL }},
	{key: "confluence.user", typ: kString, env: "SENTINEL_CONFLUENCE_USER", extract: func(c Config) any { return c.Confluence.User }},
	{key: "confluence.token", typ: kString, env: "SENTINEL_CONFLUENCE_TOKEN", secret: true, extract: func(c Config) any { return c.Confluence.Token }},
	{key: "confluence.timeout", typ: kDuration, env: "SENTINEL_CONFLUENCE_TIMEOUT", extract: func(c Config) any { return c.Confluence.Timeout }},
	{key: "requirements.ticket_pattern", typ: kString, env: "SENTINEL_REQUIREMENTS_TICKET_PATTERN", extract: func(c Config) any { return c.Requirements.TicketPattern }},
	{key: "requirements.page_pattern", typ: kString, env: "SENTINEL_REQUIREMENTS_PAGE_PATTERN", extract: func(c Config) any { return c.Requirements.PagePattern }},
	{key: "log.level", typ: kString, env: "SENTINEL_LOG_LEVEL", extract: func(c Config) any { return c.Log.Level }},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts a command-line string into the YAML value for s.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number for %s: %w", s.key, err)
		}
		return f, nil
	case kDuration:
		if _, err := time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", s.key, err)
		}
		return raw, nil
	default:
		return raw, nil
	}
}
