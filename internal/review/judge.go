package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/sentinel/internal/engine"
	"github.com/kalambet/sentinel/internal/retrieval"
)

// judgeAttempts is one call plus one retry.
const judgeAttempts = 2

// Context is everything a judge sees for one subject.
type Context struct {
	Subject      Subject
	Matches      []retrieval.ScoredRecord
	Instructions []string
	Usage        *Usage
}

// Judge produces findings of one category for a subject.
type Judge interface {
	Judge(ctx context.Context, category Category, jc Context) ([]Finding, error)
}

// Usage accumulates model token counts across concurrent calls.
type Usage struct {
	prompt     atomic.Int64
	completion atomic.Int64
}

func (u *Usage) add(r engine.Reply) {
	if u == nil {
		return
	}
	u.prompt.Add(int64(r.PromptTokens))
	u.completion.Add(int64(r.CompletionTokens))
}

// Prompt returns the prompt tokens used so far.
func (u *Usage) Prompt() int64 { return u.prompt.Load() }

// Completion returns the completion tokens used so far.
func (u *Usage) Completion() int64 { return u.completion.Load() }

// Total returns prompt plus completion tokens.
func (u *Usage) Total() int64 { return u.Prompt() + u.Completion() }

// ModelJudge asks a chat model for findings.
type ModelJudge struct {
	engine   engine.Engine
	model    string
	composer *Composer
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   *slog.Logger
}

// ModelJudgeOptions tunes a ModelJudge.
type ModelJudgeOptions struct {
	// Concurrency bounds in-flight model calls across all runs.
	Concurrency int
	// Timeout bounds a single model call.
	Timeout time.Duration
	// ContextTokens is the prompt budget for retrieved context.
	ContextTokens int
}

// NewModelJudge creates a judge backed by the given engine and model.
func NewModelJudge(e engine.Engine, model string, opts ModelJudgeOptions) *ModelJudge {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	return &ModelJudge{
		engine:   e,
		model:    model,
		composer: NewComposer(opts.ContextTokens),
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		timeout:  opts.Timeout,
		logger:   slog.Default(),
	}
}

var findingsSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"findings": {Type: "array", Description: "review findings"},
	},
	Required: []string{"findings"},
}

// Judge calls the model, retrying once. A persistent failure returns an
// error wrapping ErrModelInvocation.
func (j *ModelJudge) Judge(ctx context.Context, category Category, jc Context) ([]Finding, error) {
	msgs, included := j.composer.Compose(category, jc.Subject, jc.Matches, jc.Instructions)
	if category == CategoryLogic && !requirementIncluded(jc.Matches, included) {
		return nil, fmt.Errorf("%w: %s", ErrRequirementsOverBudget, jc.Subject.File)
	}

	var lastErr error
	for attempt := 1; attempt <= judgeAttempts; attempt++ {
		findings, err := j.call(ctx, category, jc, msgs, included)
		if err == nil {
			return findings, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		j.logger.Warn("model judge failed",
			"category", string(category), "file", jc.Subject.File, "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrModelInvocation, category, lastErr)
}

func (j *ModelJudge) call(ctx context.Context, category Category, jc Context, msgs []engine.Message, included []string) ([]Finding, error) {
	if err := j.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer j.sem.Release(1)

	cctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	reply, err := j.engine.Chat(cctx, j.model, msgs, findingsSchema)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	jc.Usage.add(reply)
	return parseFindings(reply.Content, category, jc.Subject, included)
}

// requirementIncluded reports whether any requirement record among matches
// made it into the prompt. Without requirement matches there is nothing to lose.
func requirementIncluded(matches []retrieval.ScoredRecord, included []string) bool {
	in := make(map[string]bool, len(included))
	for _, id := range included {
		in[id] = true
	}
	offered := false
	for _, m := range matches {
		if m.Kind != retrieval.KindRequirement {
			continue
		}
		if in[m.ID] {
			return true
		}
		offered = true
	}
	return !offered
}

type modelFinding struct {
	Severity  string   `json:"severity"`
	StartLine int      `json:"start_line"`
	EndLine   int      `json:"end_line"`
	Message   string   `json:"message"`
	Evidence  []string `json:"evidence"`
}

var errEmptyReply = errors.New("empty model reply")

// parseFindings decodes the model's JSON answer. Line ranges outside the
// subject are clamped to it; evidence is limited to ids that were actually
// offered in the prompt.
func parseFindings(content string, category Category, subj Subject, included []string) ([]Finding, error) {
	body := stripFences(content)
	if body == "" {
		return nil, errEmptyReply
	}
	var out struct {
		Findings []modelFinding `json:"findings"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("decoding model reply: %w", err)
	}

	offered := make(map[string]bool, len(included))
	for _, id := range included {
		offered[id] = true
	}

	var findings []Finding
	for _, mf := range out.Findings {
		msg := strings.TrimSpace(mf.Message)
		if msg == "" {
			continue
		}
		var evidence []string
		for _, id := range mf.Evidence {
			if offered[id] {
				evidence = append(evidence, id)
			}
		}
		findings = append(findings, Finding{
			Category:     category,
			Severity:     ParseSeverity(strings.ToLower(strings.TrimSpace(mf.Severity))),
			File:         subj.File,
			Lines:        clampLines(mf.StartLine, mf.EndLine, subj.Lines),
			Message:      msg,
			EvidenceRefs: evidence,
			judged:       true,
		})
	}
	return findings, nil
}

func clampLines(start, end int, within LineRange) LineRange {
	if start < within.Start || start > within.End {
		start = within.Start
	}
	if end < start || end > within.End {
		end = within.End
	}
	return LineRange{Start: start, End: end}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
