package review

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kalambet/sentinel/internal/engine"
	"github.com/kalambet/sentinel/internal/retrieval"
)

const (
	defaultMaxContextTokens = 4000
	maxInstructionBytes     = 8000
	// minTruncatedTokens is the smallest cut of a record worth injecting.
	minTruncatedTokens = 64
)

// Subject is the piece of changed code a judge looks at.
type Subject struct {
	File      string
	Lines     LineRange
	Symbol    string
	Code      string
	Hunk      string // unified-diff text of the change
	Docstring string
	TestFile  string
	Tests     []string // source of the test cases exercising Symbol
}

// Composer assembles review prompts from the subject, retrieved context and
// project instructions, keeping injected context under a token budget.
type Composer struct {
	MaxContextTokens int
}

// NewComposer creates a Composer with the given budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func NewComposer(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose returns the chat messages for judging subj in the given category,
// and the ids of the context records that made it into the prompt.
func (c *Composer) Compose(category Category, subj Subject, matches []retrieval.ScoredRecord, instructions []string) ([]engine.Message, []string) {
	var sys strings.Builder
	sys.WriteString(categoryBrief[category])
	sys.WriteString("\n\n")
	sys.WriteString(outputContract)
	if len(instructions) > 0 {
		sys.WriteString("\n\n[Project Instructions]\n")
		for _, ins := range instructions {
			sys.WriteString(ins)
			sys.WriteString("\n")
		}
	}

	user := formatSubject(category, subj)
	remaining := c.MaxContextTokens - EstimateTokens(user)

	sorted := make([]retrieval.ScoredRecord, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	contextHeader := "\n[Retrieved Context]\n"
	remaining -= EstimateTokens(contextHeader)

	// Records go in by relevance. The first one that does not fit is cut
	// down to the remaining budget and everything ranked below it is dropped.
	var entries []string
	var ids []string
	for _, m := range sorted {
		entry := formatRecord(m)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			if cut, ok := truncateRecord(m, remaining); ok {
				entries = append(entries, cut)
				ids = append(ids, m.ID)
			}
			break
		}
		entries = append(entries, entry)
		ids = append(ids, m.ID)
		remaining -= tokens
	}
	if len(entries) > 0 {
		user += contextHeader + strings.Join(entries, "")
	}

	return []engine.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user},
	}, ids
}

func formatSubject(category Category, subj Subject) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s (lines %d-%d)\n", subj.File, subj.Lines.Start, subj.Lines.End)
	if subj.Symbol != "" {
		fmt.Fprintf(&sb, "Symbol: %s\n", subj.Symbol)
	}
	if subj.Hunk != "" {
		sb.WriteString("\n[Change]\n")
		sb.WriteString(subj.Hunk)
		sb.WriteString("\n")
	}
	if subj.Code != "" {
		sb.WriteString("\n[Code]\n")
		sb.WriteString(subj.Code)
		sb.WriteString("\n")
	}
	switch category {
	case CategoryDocumentation:
		fmt.Fprintf(&sb, "\n[Docstring]\n%s\n", subj.Docstring)
	case CategoryTest:
		fmt.Fprintf(&sb, "\n[Tests in %s]\n", subj.TestFile)
		for _, t := range subj.Tests {
			sb.WriteString(t)
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

func formatRecord(m retrieval.ScoredRecord) string {
	loc := m.Path
	if m.Kind == retrieval.KindCode {
		loc = fmt.Sprintf("%s:%d-%d", m.Path, m.StartLine, m.EndLine)
	}
	return fmt.Sprintf("(id: %s, score: %.2f, %s %s)\n%s\n\n", m.ID, m.Score, m.Kind, loc, m.Content)
}

// truncateRecord formats m with its content shortened to fit maxTokens.
func truncateRecord(m retrieval.ScoredRecord, maxTokens int) (string, bool) {
	if maxTokens < minTruncatedTokens {
		return "", false
	}
	const marker = "\n[truncated]"
	overhead := len(formatRecord(retrieval.ScoredRecord{Record: retrieval.Record{ID: m.ID, Kind: m.Kind, Path: m.Path, StartLine: m.StartLine, EndLine: m.EndLine}, Score: m.Score}))
	keep := maxTokens*4 - overhead - len(marker)
	if keep <= 0 {
		return "", false
	}
	if keep >= len(m.Content) {
		return formatRecord(m), true
	}
	cut := m
	cut.Content = strings.ToValidUTF8(m.Content[:keep], "") + marker
	return formatRecord(cut), true
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

var categoryBrief = map[Category]string{
	CategoryTest: "You are an expert software engineer reviewing Python unit tests for a function changed in a pull request. " +
		"Judge clarity, coverage of critical paths and edge cases, accuracy of assertions and maintainability. " +
		"Report only concrete problems.",
	CategoryDocumentation: "You are an expert in Python docstrings reviewing the docstring of a module or symbol changed in a pull request. " +
		"Judge whether it accurately and completely describes the code, its parameters and return value. " +
		"Report only concrete problems.",
	CategoryLogic: "You are an expert software engineer checking that code changed in a pull request implements the linked requirements. " +
		"Compare the change against the requirement documents in the retrieved context. " +
		"Report logic that contradicts or misses a requirement.",
}

const outputContract = `Respond with JSON only, in this shape:
{"findings":[{"severity":"low|medium|high","start_line":0,"end_line":0,"message":"...","evidence":["<context id>"]}]}
Line numbers refer to the file. Cite context ids in evidence when a finding relies on them. Return {"findings":[]} when there is nothing to report.`

// LoadInstructions reads the project instruction documents from docFolder
// under root: files whose names contain ".instructions" or ".agents".
func LoadInstructions(root, docFolder string) ([]string, error) {
	if docFolder == "" {
		return nil, nil
	}
	fsys := os.DirFS(root)
	matches, err := doublestar.Glob(fsys, path.Join(docFolder, "**"), doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", docFolder, err)
	}
	sort.Strings(matches)

	var out []string
	for _, m := range matches {
		base := path.Base(m)
		if !strings.Contains(base, ".instructions") && !strings.Contains(base, ".agents") {
			continue
		}
		data, err := fs.ReadFile(fsys, m)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", m, err)
		}
		text := strings.TrimSpace(string(data))
		if len(text) > maxInstructionBytes {
			text = text[:maxInstructionBytes]
		}
		if text != "" {
			out = append(out, text)
		}
	}
	return out, nil
}
