// Package config loads the service configuration and the per-repository
// review configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Model        ModelConfig        `yaml:"model"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Review       ReviewRunConfig    `yaml:"review"`
	Jira         SourceConfig       `yaml:"jira" env-prefix:"SENTINEL_JIRA_"`
	Confluence   SourceConfig       `yaml:"confluence" env-prefix:"SENTINEL_CONFLUENCE_"`
	Requirements RequirementsConfig `yaml:"requirements"`
	Log          LogConfig          `yaml:"log"`
}

type ServerConfig struct {
	Host    string `yaml:"host" env:"SENTINEL_SERVER_HOST" env-default:"127.0.0.1" env-description:"interface the HTTP and MCP servers listen on"`
	Port    int    `yaml:"port" env:"SENTINEL_SERVER_PORT" env-default:"4000" env-description:"HTTP API port"`
	MCPPort int    `yaml:"mcp_port" env:"SENTINEL_SERVER_MCP_PORT" env-default:"4001" env-description:"MCP server port"`
	Token   string `yaml:"token" env:"SENTINEL_SERVER_TOKEN" env-description:"bearer token required by the HTTP API"`

	// WebhookSecret verifies X-Hub-Signature on pull-request events posted
	// by the code host, which cannot send the bearer token.
	WebhookSecret string `yaml:"webhook_secret" env:"SENTINEL_SERVER_WEBHOOK_SECRET" env-description:"secret for signed pull-request webhooks"`

	// PublicURL is where reviewers reach the API. Star-rating links in
	// review comments point at its /feedback endpoint; empty omits them.
	PublicURL string `yaml:"public_url" env:"SENTINEL_SERVER_PUBLIC_URL" env-description:"public base URL used in feedback links"`
}

// FeedbackURL returns the public feedback endpoint, or empty when no
// public URL is configured.
func (s ServerConfig) FeedbackURL() string {
	if s.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(s.PublicURL, "/") + "/feedback"
}

type StorageConfig struct {
	DataDir     string `yaml:"data_dir" env:"SENTINEL_STORAGE_DATA_DIR" env-description:"directory holding the SQLite database"`
	PostgresURL string `yaml:"postgres_url" env:"SENTINEL_STORAGE_POSTGRES_URL" env-description:"record metrics and feedback to PostgreSQL instead of SQLite"`
}

// ModelConfig selects the chat backend used by the review judges.
type ModelConfig struct {
	Provider   string `yaml:"provider" env:"SENTINEL_MODEL_PROVIDER" env-default:"ollama" env-description:"ollama, openai, azure or anthropic"`
	BaseURL    string `yaml:"base_url" env:"SENTINEL_MODEL_BASE_URL" env-default:"http://localhost:11434"`
	APIKey     string `yaml:"api_key" env:"SENTINEL_MODEL_API_KEY"`
	APIVersion string `yaml:"api_version" env:"SENTINEL_MODEL_API_VERSION"`
	Name       string `yaml:"name" env:"SENTINEL_MODEL_NAME" env-default:"qwen2.5-coder"`
}

// EmbeddingConfig selects the embedding backend used by the index.
type EmbeddingConfig struct {
	Provider    string        `yaml:"provider" env:"SENTINEL_EMBEDDING_PROVIDER" env-default:"ollama"`
	BaseURL     string        `yaml:"base_url" env:"SENTINEL_EMBEDDING_BASE_URL" env-default:"http://localhost:11434"`
	APIKey      string        `yaml:"api_key" env:"SENTINEL_EMBEDDING_API_KEY"`
	APIVersion  string        `yaml:"api_version" env:"SENTINEL_EMBEDDING_API_VERSION"`
	Model       string        `yaml:"model" env:"SENTINEL_EMBEDDING_MODEL" env-default:"nomic-embed-text"`
	MaxAttempts int           `yaml:"max_attempts" env:"SENTINEL_EMBEDDING_MAX_ATTEMPTS" env-default:"4"`
	Timeout     time.Duration `yaml:"timeout" env:"SENTINEL_EMBEDDING_TIMEOUT" env-default:"30s"`
	Concurrency int           `yaml:"concurrency" env:"SENTINEL_EMBEDDING_CONCURRENCY" env-default:"4"`
}

type RetrievalConfig struct {
	TopK     int           `yaml:"top_k" env:"SENTINEL_RETRIEVAL_TOP_K" env-default:"5"`
	MinScore float64       `yaml:"min_score" env:"SENTINEL_RETRIEVAL_MIN_SCORE" env-default:"0"`
	Timeout  time.Duration `yaml:"timeout" env:"SENTINEL_RETRIEVAL_TIMEOUT" env-default:"10s"`
}

// ReviewRunConfig bounds a single review run.
type ReviewRunConfig struct {
	FileConcurrency  int           `yaml:"file_concurrency" env:"SENTINEL_REVIEW_FILE_CONCURRENCY" env-default:"4"`
	ModelConcurrency int           `yaml:"model_concurrency" env:"SENTINEL_REVIEW_MODEL_CONCURRENCY" env-default:"4"`
	ModelTimeout     time.Duration `yaml:"model_timeout" env:"SENTINEL_REVIEW_MODEL_TIMEOUT" env-default:"90s"`
	ContextTokens    int           `yaml:"context_tokens" env:"SENTINEL_REVIEW_CONTEXT_TOKENS" env-default:"4000"`
	Workers          int           `yaml:"workers" env:"SENTINEL_REVIEW_WORKERS" env-default:"2"`
}

// SourceConfig holds credentials for a requirement source (Jira or Confluence).
type SourceConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	User    string        `yaml:"user" env:"USER"`
	Token   string        `yaml:"token" env:"TOKEN"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" env-default:"15s"`
}

// Enabled reports whether the source has an endpoint configured.
func (s SourceConfig) Enabled() bool { return s.BaseURL != "" }

// RequirementsConfig overrides the expressions that find ticket keys and
// wiki page links in pull-request metadata. The page pattern must capture
// the page id in its first group. Empty values keep the defaults.
type RequirementsConfig struct {
	TicketPattern string `yaml:"ticket_pattern" env:"SENTINEL_REQUIREMENTS_TICKET_PATTERN" env-description:"regular expression matching ticket keys"`
	PagePattern   string `yaml:"page_pattern" env:"SENTINEL_REQUIREMENTS_PAGE_PATTERN" env-description:"regular expression matching wiki page links"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"SENTINEL_LOG_LEVEL" env-default:"info" env-description:"debug, info, warn or error"`
}

// Load reads configuration from the YAML file at path, then applies
// SENTINEL_* environment overrides and defaults. A missing file is not an
// error; an empty path uses DefaultPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return Config{}, fmt.Errorf("reading environment: %w", err)
		}
	} else {
		return Config{}, fmt.Errorf("checking config %s: %w", path, err)
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaultDataDir()
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Embedding.MaxAttempts <= 0 {
		return fmt.Errorf("embedding.max_attempts must be positive, got %d", c.Embedding.MaxAttempts)
	}
	if c.Review.FileConcurrency <= 0 || c.Review.ModelConcurrency <= 0 {
		return errors.New("review concurrency limits must be positive")
	}
	if c.Review.ContextTokens <= 0 {
		return fmt.Errorf("review.context_tokens must be positive, got %d", c.Review.ContextTokens)
	}
	return nil
}

// Usage returns the environment variable reference for the service config.
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return err.Error()
	}
	return text
}
