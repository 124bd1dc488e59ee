package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReviewConfigFile is the per-repository configuration file name, read from
// the repository root.
const ReviewConfigFile = "sentinel-config.yaml"

// TestFolderSubfolder places test files next to the module they test.
const TestFolderSubfolder = "subfolder"

const defaultTestFolder = "tests"

var (
	// ErrReviewConfigMissing means the repository has no sentinel-config.yaml.
	ErrReviewConfigMissing = errors.New("review config missing")
	// ErrUnsupportedLanguage means the configured language cannot be reviewed.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// ReviewConfig is the validated per-repository review configuration.
type ReviewConfig struct {
	Language   string `yaml:"language"`
	TestFolder string `yaml:"test_folder"`
	Indexing   bool   `yaml:"indexing"`
	Deadcode   bool   `yaml:"deadcode"`
	DocFolder  string `yaml:"doc_folder"`
}

// ParseReviewConfig decodes and validates sentinel-config.yaml content.
// Unknown keys are rejected.
func ParseReviewConfig(data []byte) (ReviewConfig, error) {
	var rc ReviewConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rc); err != nil && !errors.Is(err, io.EOF) {
		return ReviewConfig{}, fmt.Errorf("parsing %s: %w", ReviewConfigFile, err)
	}

	rc.Language = strings.ToLower(strings.TrimSpace(rc.Language))
	if rc.Language != "python" {
		return ReviewConfig{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, rc.Language)
	}
	rc.TestFolder = strings.Trim(strings.TrimSpace(rc.TestFolder), "/")
	if rc.TestFolder == "" {
		rc.TestFolder = defaultTestFolder
	}
	rc.DocFolder = strings.Trim(strings.TrimSpace(rc.DocFolder), "/")
	return rc, nil
}

// LoadReviewConfig reads sentinel-config.yaml from the repository root.
func LoadReviewConfig(repoRoot string) (ReviewConfig, error) {
	data, err := os.ReadFile(filepath.Join(repoRoot, ReviewConfigFile))
	if errors.Is(err, os.ErrNotExist) {
		return ReviewConfig{}, ErrReviewConfigMissing
	}
	if err != nil {
		return ReviewConfig{}, fmt.Errorf("reading %s: %w", ReviewConfigFile, err)
	}
	return ParseReviewConfig(data)
}

// TestDir returns the directory in which tests for the source file at
// sourcePath are expected. Paths are slash-separated and repository-relative.
func (c ReviewConfig) TestDir(sourcePath string) string {
	if c.TestFolder == TestFolderSubfolder {
		return path.Dir(sourcePath)
	}
	return c.TestFolder
}
