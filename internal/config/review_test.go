package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReviewConfig(t *testing.T) {
	rc, err := ParseReviewConfig([]byte(`
language: Python
test_folder: tests/unit/
indexing: true
deadcode: true
doc_folder: docs
`))
	require.NoError(t, err)
	assert.Equal(t, "python", rc.Language)
	assert.Equal(t, "tests/unit", rc.TestFolder)
	assert.True(t, rc.Indexing)
	assert.True(t, rc.Deadcode)
	assert.Equal(t, "docs", rc.DocFolder)
	assert.Equal(t, "tests/unit", rc.TestDir("pkg/mod.py"))
}

func TestParseReviewConfig_Defaults(t *testing.T) {
	rc, err := ParseReviewConfig([]byte("language: python\n"))
	require.NoError(t, err)
	assert.Equal(t, "tests", rc.TestFolder)
	assert.False(t, rc.Indexing)
	assert.False(t, rc.Deadcode)
	assert.Empty(t, rc.DocFolder)
}

func TestParseReviewConfig_Subfolder(t *testing.T) {
	rc, err := ParseReviewConfig([]byte("language: python\ntest_folder: subfolder\n"))
	require.NoError(t, err)
	assert.Equal(t, "pkg/sub", rc.TestDir("pkg/sub/mod.py"))
}

func TestParseReviewConfig_RejectsUnknownKeys(t *testing.T) {
	_, err := ParseReviewConfig([]byte("language: python\nlint: true\n"))
	require.Error(t, err)
}

func TestParseReviewConfig_UnsupportedLanguage(t *testing.T) {
	_, err := ParseReviewConfig([]byte("language: go\n"))
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)

	_, err = ParseReviewConfig(nil)
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestParseReviewConfig_RejectsNonBool(t *testing.T) {
	_, err := ParseReviewConfig([]byte("language: python\nindexing: maybe\n"))
	require.Error(t, err)
}

func TestLoadReviewConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadReviewConfig(dir)
	assert.ErrorIs(t, err, ErrReviewConfigMissing)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ReviewConfigFile), []byte("language: python\n"), 0o644))
	rc, err := LoadReviewConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "python", rc.Language)
}
