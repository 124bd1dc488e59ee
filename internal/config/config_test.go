package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, 4001, cfg.Server.MCPPort)
	assert.Equal(t, "ollama", cfg.Model.Provider)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
	assert.Equal(t, 4, cfg.Embedding.MaxAttempts)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 10*time.Second, cfg.Retrieval.Timeout)
	assert.Equal(t, 90*time.Second, cfg.Review.ModelTimeout)
	assert.Equal(t, 4000, cfg.Review.ContextTokens)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, filepath.Join("/tmp/xdg", "sentinel"), cfg.Storage.DataDir)
	assert.False(t, cfg.Jira.Enabled())
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Empty(t, cfg.Server.FeedbackURL())
}

func TestServerConfig_FeedbackURL(t *testing.T) {
	s := ServerConfig{PublicURL: "https://review.example.com/"}
	assert.Equal(t, "https://review.example.com/feedback", s.FeedbackURL())
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 5000
retrieval:
  top_k: 8
  timeout: 3s
jira:
  base_url: https://jira.example.com
  user: bot
`)
	t.Setenv("SENTINEL_SERVER_PORT", "6000")
	t.Setenv("SENTINEL_JIRA_TOKEN", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Server.Port, "env wins over file")
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.Equal(t, 3*time.Second, cfg.Retrieval.Timeout)
	assert.True(t, cfg.Jira.Enabled())
	assert.Equal(t, "bot", cfg.Jira.User)
	assert.Equal(t, "secret", cfg.Jira.Token)
	assert.Equal(t, 15*time.Second, cfg.Jira.Timeout)
}

func TestLoad_RequirementPatterns(t *testing.T) {
	path := writeTempConfig(t, "requirements:\n  page_pattern: '/wiki/(\\d+)'\n")
	t.Setenv("SENTINEL_REQUIREMENTS_TICKET_PATTERN", `#\d+`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, `#\d+`, cfg.Requirements.TicketPattern)
	assert.Equal(t, `/wiki/(\d+)`, cfg.Requirements.PagePattern)
}

func TestLoad_RejectsInvalidLimits(t *testing.T) {
	path := writeTempConfig(t, "retrieval:\n  top_k: -1\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top_k")
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := Config{}
	cfg.Model.APIKey = "sk-123"
	cfg.Model.Name = "gpt-4o"

	values := map[string]string{}
	for _, ki := range ShowAll(cfg) {
		values[ki.Key] = ki.Value
	}
	assert.Equal(t, "********", values["model.api_key"])
	assert.Equal(t, "gpt-4o", values["model.name"])
	assert.Equal(t, "", values["jira.token"])
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel", "config.yaml")

	require.NoError(t, SetKey(path, "retrieval.top_k", "9"))
	require.NoError(t, SetKey(path, "model.name", "llama3"))
	require.NoError(t, SetKey(path, "review.model_timeout", "2m"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Retrieval.TopK)
	assert.Equal(t, "llama3", cfg.Model.Name)
	assert.Equal(t, 2*time.Minute, cfg.Review.ModelTimeout)

	assert.Error(t, SetKey(path, "model.api_key", "x"), "secrets are env-only")
	assert.Error(t, SetKey(path, "nope.key", "x"))
	assert.Error(t, SetKey(path, "retrieval.top_k", "many"))
}

func TestValidKeys_ExcludeSecrets(t *testing.T) {
	keys := ValidKeys()
	assert.Contains(t, keys, "server.port")
	assert.NotContains(t, keys, "server.token")
}
