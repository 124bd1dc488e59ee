// Package index maintains the per-repository semantic index of code chunks
// and linked requirement documents.
package index

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// maxFileBytes skips generated or vendored giants.
const maxFileBytes = 1 << 20

// DefaultExcludes are glob patterns never indexed.
var DefaultExcludes = []string{
	"**/__pycache__/**",
	"**/.venv/**",
	"**/venv/**",
	"**/site-packages/**",
	"**/node_modules/**",
}

// Snapshot maps slash-separated repository-relative paths to file content.
// An empty string marks a deleted file in a partial snapshot.
type Snapshot map[string]string

// Paths returns the snapshot's paths in lexical order.
func (s Snapshot) Paths() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// IsPython reports whether the path names a Python source file.
func IsPython(p string) bool {
	return strings.HasSuffix(p, ".py")
}

// LoadSnapshot walks root and reads every Python file not matched by an
// exclude pattern. Hidden directories are skipped.
func LoadSnapshot(root string, excludes []string) (Snapshot, error) {
	patterns := append(append([]string{}, DefaultExcludes...), excludes...)
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}

	snap := Snapshot{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsPython(rel) || excluded(rel, patterns) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxFileBytes {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		snap[rel] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return snap, nil
}

// LoadFiles reads only the listed paths from root. Missing files map to the
// empty string so that a partial update prunes them.
func LoadFiles(root string, paths []string) (Snapshot, error) {
	snap := Snapshot{}
	for _, p := range paths {
		p = path.Clean(filepath.ToSlash(p))
		if !IsPython(p) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
		if errors.Is(err, os.ErrNotExist) {
			snap[p] = ""
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		snap[p] = string(data)
	}
	return snap, nil
}

func excluded(rel string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
