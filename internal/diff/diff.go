// Package diff turns a unified pull-request diff into per-file changes with
// new-file line numbers for every added line.
package diff

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// ChangeKind describes what happened to a file.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
	Renamed  ChangeKind = "renamed"
)

const devNull = "/dev/null"

// Line is one added or removed line of a hunk.
type Line struct {
	Number int // new-file line for additions, old-file line for removals
	Text   string
}

// Hunk is one contiguous region of change.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Added    []Line
	Removed  []Line
	Body     string
}

// NewEnd returns the last new-file line covered by the hunk.
func (h Hunk) NewEnd() int {
	if h.NewLines == 0 {
		return h.NewStart
	}
	return h.NewStart + h.NewLines - 1
}

// OldEnd returns the last old-file line covered by the hunk.
func (h Hunk) OldEnd() int {
	if h.OldLines == 0 {
		return h.OldStart
	}
	return h.OldStart + h.OldLines - 1
}

// AddedLineNumbers returns the new-file numbers of every added line.
func (h Hunk) AddedLineNumbers() []int {
	out := make([]int, len(h.Added))
	for i, l := range h.Added {
		out[i] = l.Number
	}
	return out
}

// FileChange is the diff of a single file.
type FileChange struct {
	Path    string
	OldPath string
	Kind    ChangeKind
	Hunks   []Hunk
}

// AddedLineNumbers returns the added new-file lines across all hunks.
func (fc FileChange) AddedLineNumbers() []int {
	var out []int
	for _, h := range fc.Hunks {
		out = append(out, h.AddedLineNumbers()...)
	}
	return out
}

// PullRequestDiff is the ordered set of file changes in a pull request.
type PullRequestDiff struct {
	Files []FileChange
}

// Paths returns the current path of every changed file in diff order.
func (d PullRequestDiff) Paths() []string {
	out := make([]string, len(d.Files))
	for i, f := range d.Files {
		out[i] = f.Path
	}
	return out
}

// Parse parses a git-style unified diff.
func Parse(raw string) (PullRequestDiff, error) {
	if strings.TrimSpace(raw) == "" {
		return PullRequestDiff{}, nil
	}
	fds, err := godiff.ParseMultiFileDiff([]byte(raw))
	if err != nil {
		return PullRequestDiff{}, fmt.Errorf("parsing diff: %w", err)
	}

	var out PullRequestDiff
	for _, fd := range fds {
		fc := FileChange{
			OldPath: stripPrefix(fd.OrigName),
			Path:    stripPrefix(fd.NewName),
		}
		switch {
		case fd.OrigName == devNull || hasExtended(fd, "new file mode"):
			fc.Kind = Added
			fc.OldPath = ""
		case fd.NewName == devNull || hasExtended(fd, "deleted file mode"):
			fc.Kind = Deleted
			fc.Path = fc.OldPath
		case fc.OldPath != fc.Path:
			fc.Kind = Renamed
		default:
			fc.Kind = Modified
		}
		for _, h := range fd.Hunks {
			fc.Hunks = append(fc.Hunks, parseHunk(h))
		}
		out.Files = append(out.Files, fc)
	}
	return out, nil
}

func parseHunk(h *godiff.Hunk) Hunk {
	out := Hunk{
		OldStart: int(h.OrigStartLine),
		OldLines: int(h.OrigLines),
		NewStart: int(h.NewStartLine),
		NewLines: int(h.NewLines),
		Body:     string(h.Body),
	}
	oldLine, newLine := out.OldStart, out.NewStart
	sc := bufio.NewScanner(bytes.NewReader(h.Body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			oldLine++
			newLine++
			continue
		}
		switch line[0] {
		case '+':
			out.Added = append(out.Added, Line{Number: newLine, Text: line[1:]})
			newLine++
		case '-':
			out.Removed = append(out.Removed, Line{Number: oldLine, Text: line[1:]})
			oldLine++
		case '\\':
			// "\ No newline at end of file"
		default:
			oldLine++
			newLine++
		}
	}
	return out
}

func hasExtended(fd *godiff.FileDiff, prefix string) bool {
	for _, e := range fd.Extended {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

func stripPrefix(name string) string {
	if name == devNull {
		return ""
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}
