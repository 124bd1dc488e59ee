package review

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxCommentChars caps the body of one consolidated comment.
const MaxCommentChars = 30000

// MinRating and MaxRating bound feedback ratings.
const (
	MinRating = 1
	MaxRating = 3
)

// FormatOptions controls the feedback affordance attached to findings.
type FormatOptions struct {
	// FeedbackURL is the public address of the feedback endpoint. When empty
	// the hint points at the CLI instead.
	FeedbackURL string
	Project     string
	Repo        string
	PRID        string
}

// Format assigns every finding a comment id and attaches its feedback hint.
// The input slice is not modified.
func Format(findings []Finding, opts FormatOptions) []Finding {
	out := make([]Finding, len(findings))
	for i, f := range findings {
		f.ID = uuid.NewString()
		f.FeedbackHint = feedbackHint(f.ID, opts)
		out[i] = f
	}
	return out
}

func feedbackHint(id string, opts FormatOptions) string {
	if opts.FeedbackURL == "" {
		return fmt.Sprintf("Rate this comment: sentinel feedback %s <%d-%d>", id, MinRating, MaxRating)
	}
	q := url.Values{}
	q.Set("project", opts.Project)
	q.Set("repo", opts.Repo)
	q.Set("pr_id", opts.PRID)
	q.Set("comment_id", id)
	base := strings.TrimRight(opts.FeedbackURL, "/") + "?" + q.Encode()

	var sb strings.Builder
	sb.WriteString("Rate this comment:")
	for r := MinRating; r <= MaxRating; r++ {
		fmt.Fprintf(&sb, " [%s](%s&rating=%d)", strings.Repeat("⭐", r), base, r)
	}
	return sb.String()
}

// Comment is a rendered review comment for one file.
type Comment struct {
	File string `json:"file"`
	Body string `json:"body"`
	// IDs are the finding ids rendered in Body.
	IDs []string `json:"ids"`
}

// Consolidate renders findings as markdown, one comment per file in input
// order. A file whose findings exceed MaxCommentChars is split across
// several comments; a single oversized finding is truncated.
func Consolidate(findings []Finding) []Comment {
	var out []Comment
	var cur *Comment
	for _, f := range findings {
		entry := renderFinding(f)
		if len(entry) > MaxCommentChars {
			entry = truncate(entry, MaxCommentChars)
		}
		if cur == nil || cur.File != f.File || len(cur.Body)+len(entry) > MaxCommentChars {
			out = append(out, Comment{File: f.File})
			cur = &out[len(out)-1]
		}
		cur.Body += entry
		if f.ID != "" {
			cur.IDs = append(cur.IDs, f.ID)
		}
	}
	return out
}

func renderFinding(f Finding) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#### %s (%s) `%s` lines %d-%d\n%s\n", categoryTitle[f.Category], f.Severity, f.File, f.Lines.Start, f.Lines.End, f.Message)
	if len(f.EvidenceRefs) > 0 {
		fmt.Fprintf(&sb, "Evidence: %s\n", strings.Join(f.EvidenceRefs, ", "))
	}
	if f.FeedbackHint != "" {
		sb.WriteString(f.FeedbackHint)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

func truncate(s string, n int) string {
	const marker = "\n…(truncated)\n"
	cut := n - len(marker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

var categoryTitle = map[Category]string{
	CategoryLogic:         "Logic",
	CategoryTest:          "Unit test",
	CategoryDocumentation: "Documentation",
	CategoryDeadCode:      "Dead code",
}

// Summary describes a review in one line per category, followed by any
// degraded categories.
func Summary(findings []Finding, degraded []Degradation) string {
	counts := map[Category]int{}
	for _, f := range findings {
		counts[f.Category]++
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d finding(s)", len(findings))
	for _, c := range Categories {
		if counts[c] > 0 {
			fmt.Fprintf(&sb, "\n- %s: %d", categoryTitle[c], counts[c])
		}
	}
	for _, d := range degraded {
		fmt.Fprintf(&sb, "\n- %s degraded: %s", categoryTitle[d.Category], d.Reason)
	}
	return sb.String()
}
