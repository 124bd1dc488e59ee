package review

import (
	"context"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sentinel/internal/pysrc"
)

const parseConcurrency = 8

// testGlobs identify test modules; their definitions and references are
// ignored by dead-code analysis.
var testGlobs = []string{"**/test_*.py", "**/*_test.py", "**/tests/**", "**/conftest.py"}

var dunderModule = regexp.MustCompile(`^__\w+__\.py$`)

// IsTestFile reports whether the slash-separated path is a test module.
func IsTestFile(p string) bool {
	for _, g := range testGlobs {
		if ok, _ := doublestar.Match(g, p); ok {
			return true
		}
	}
	return false
}

// Tree is the parsed Python source of a repository snapshot.
type Tree struct {
	files map[string]*pysrc.File
	paths []string
}

// ParseTree parses every Python file in files. Files that fail to parse are
// logged and left out.
func ParseTree(ctx context.Context, files map[string]string) (*Tree, error) {
	t := &Tree{files: make(map[string]*pysrc.File, len(files))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parseConcurrency)
	for p, src := range files {
		if !strings.HasSuffix(p, ".py") || src == "" {
			continue
		}
		g.Go(func() error {
			f, err := pysrc.Parse(gctx, []byte(src))
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Default().Warn("skipping unparsable file", "path", p, "error", err)
				return nil
			}
			mu.Lock()
			t.files[p] = f
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for p := range t.files {
		t.paths = append(t.paths, p)
	}
	sort.Strings(t.paths)
	return t, nil
}

// File returns the parsed file at p.
func (t *Tree) File(p string) (*pysrc.File, bool) {
	f, ok := t.files[p]
	return f, ok
}

// Paths returns every parsed path in lexical order.
func (t *Tree) Paths() []string { return t.paths }

// testFileFor finds the test module for the source file at src, named
// test_<basename> inside dir (or any directory below it unless dir is the
// source's own directory).
func (t *Tree) testFileFor(src, dir string, sameDir bool) (string, bool) {
	name := "test_" + path.Base(src)
	for _, p := range t.paths {
		if path.Base(p) != name {
			continue
		}
		pd := path.Dir(p)
		if pd == dir || (!sameDir && (dir == "." || strings.HasPrefix(pd, dir+"/"))) {
			return p, true
		}
	}
	return "", false
}

// testCases returns the test functions in testFile named test_<sym> or
// test_<sym>_<case> whose bodies reference sym.
func (t *Tree) testCases(testFile string, sym pysrc.Symbol) []pysrc.Symbol {
	f, ok := t.files[testFile]
	if !ok {
		return nil
	}
	want := "test_" + strings.TrimLeft(sym.Name, "_")
	var out []pysrc.Symbol
	for _, s := range f.Symbols {
		if s.Kind != pysrc.KindFunction || (s.Name != want && !strings.HasPrefix(s.Name, want+"_")) {
			continue
		}
		if f.ReferencesWithin(sym.Name, s.StartLine, s.EndLine) == 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}

// needsTests reports whether a source file is subject to the test check.
func needsTests(p string) bool {
	base := path.Base(p)
	return !IsTestFile(p) && !strings.HasPrefix(base, "test_") && !dunderModule.MatchString(base)
}
