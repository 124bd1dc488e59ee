package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sentinel/internal/config"
	"github.com/kalambet/sentinel/internal/diff"
	"github.com/kalambet/sentinel/internal/pysrc"
	"github.com/kalambet/sentinel/internal/requirements"
	"github.com/kalambet/sentinel/internal/retrieval"
)

// moduleHeadLines is how much of a module is shown when judging its docstring.
const moduleHeadLines = 40

// Degradation reasons.
const (
	ReasonContextUnavailable = "retrieval context unavailable"
	ReasonRetrievalTimeout   = "retrieval timed out; judged without context"
	ReasonRetrievalFailed    = "retrieval failed; judged without context"
	ReasonModelFailed        = "model invocation failed"
	ReasonRequirementsBudget = "requirement text did not fit the prompt budget"
)

// ContextProvider supplies ranked context for a changed region.
type ContextProvider interface {
	Context(ctx context.Context, region retrieval.Region) (retrieval.Result, error)
}

// Input is one pull request's material for synthesis.
type Input struct {
	Diff         diff.PullRequestDiff
	Tree         *Tree
	Config       config.ReviewConfig
	Requirements []requirements.Doc
	Instructions []string
	// Context may be nil, in which case judges run without retrieved context.
	Context ContextProvider
	Usage   *Usage
}

// Output is the unmerged result of synthesis.
type Output struct {
	Findings       []Finding
	Degraded       []Degradation
	FilesProcessed int
}

// Synthesizer runs every category over the changed code of a pull request.
type Synthesizer struct {
	judge       Judge
	concurrency int
	logger      *slog.Logger
}

// NewSynthesizer creates a Synthesizer that reviews up to concurrency files
// at once.
func NewSynthesizer(judge Judge, concurrency int) *Synthesizer {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Synthesizer{judge: judge, concurrency: concurrency, logger: slog.Default()}
}

// Synthesize produces findings for every changed Python file. Only
// cancellation of ctx is returned as an error; every other failure degrades
// the affected category and is reported in Output.Degraded.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (Output, error) {
	r := &run{s: s, in: in, degraded: map[Degradation]bool{}, failed: map[Category]bool{}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, fc := range in.Diff.Files {
		g.Go(func() error { return r.file(gctx, fc) })
	}
	if err := g.Wait(); err != nil {
		return Output{}, err
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	if in.Config.Deadcode && in.Tree != nil {
		r.add(FindDeadCode(in.Tree)...)
	}
	return r.output(), nil
}

// contextFunc returns the retrieved context for a subject and whether any
// context could be obtained.
type contextFunc = func(context.Context) ([]retrieval.ScoredRecord, bool, error)

type run struct {
	s  *Synthesizer
	in Input

	processed atomic.Int64

	mu       sync.Mutex
	findings []Finding
	degraded map[Degradation]bool
	failed   map[Category]bool
}

func (r *run) add(fs ...Finding) {
	r.mu.Lock()
	r.findings = append(r.findings, fs...)
	r.mu.Unlock()
}

func (r *run) degrade(c Category, reason string) {
	r.mu.Lock()
	r.degraded[Degradation{Category: c, Reason: reason}] = true
	r.mu.Unlock()
}

func (r *run) hasFailed(c Category) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed[c]
}

func (r *run) fail(c Category) {
	r.mu.Lock()
	r.failed[c] = true
	r.degraded[Degradation{Category: c, Reason: ReasonModelFailed}] = true
	r.mu.Unlock()
}

// output drops model-produced findings of failed categories.
func (r *run) output() Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Output{FilesProcessed: int(r.processed.Load())}
	for _, f := range r.findings {
		if f.judged && r.failed[f.Category] {
			continue
		}
		out.Findings = append(out.Findings, f)
	}
	for d := range r.degraded {
		out.Degraded = append(out.Degraded, d)
	}
	sort.Slice(out.Degraded, func(i, j int) bool {
		a, b := out.Degraded[i], out.Degraded[j]
		if ra, rb := CategoryRank(a.Category), CategoryRank(b.Category); ra != rb {
			return ra < rb
		}
		return a.Reason < b.Reason
	})
	return out
}

func (r *run) file(ctx context.Context, fc diff.FileChange) error {
	if fc.Kind == diff.Deleted || !strings.HasSuffix(fc.Path, ".py") || r.in.Tree == nil {
		return nil
	}
	f, ok := r.in.Tree.File(fc.Path)
	if !ok {
		return nil
	}
	r.processed.Add(1)

	if needsTests(fc.Path) {
		if nf, ok := fileNaming(fc); ok {
			r.add(nf)
		}
		if err := r.module(ctx, fc, f); err != nil {
			return err
		}
	}
	changed := f.SymbolsInRange(fc.AddedLineNumbers())
	for _, sym := range changed {
		if err := r.symbol(ctx, fc, f, sym); err != nil {
			return err
		}
	}
	if len(r.in.Requirements) == 0 {
		return nil
	}
	for _, subj := range looseSubjects(fc, f) {
		lc := r.lazyContext(subj)
		if err := r.judge(ctx, CategoryLogic, subj, lc, true); err != nil {
			return err
		}
	}
	return nil
}

// module checks the file docstring of a changed source module.
func (r *run) module(ctx context.Context, fc diff.FileChange, f *pysrc.File) error {
	if f.Docstring == "" {
		r.add(Finding{
			Category: CategoryDocumentation,
			Severity: SeverityLow,
			File:     fc.Path,
			Lines:    moduleDocAt,
			Message:  fmt.Sprintf("Module `%s` has no docstring. Summarize what the module provides at the top of the file.", fc.Path),
		})
		return nil
	}
	end := min(len(f.Lines), moduleHeadLines)
	subj := Subject{
		File:      fc.Path,
		Lines:     LineRange{Start: 1, End: end},
		Code:      f.Text(1, end),
		Hunk:      hunkText(fc, 1, end),
		Docstring: f.Docstring,
	}
	return r.judge(ctx, CategoryDocumentation, subj, r.lazyContext(subj), false)
}

func (r *run) symbol(ctx context.Context, fc diff.FileChange, f *pysrc.File, sym pysrc.Symbol) error {
	subj := Subject{
		File:      fc.Path,
		Lines:     LineRange{Start: sym.StartLine, End: sym.EndLine},
		Symbol:    qualified(sym),
		Code:      f.Text(sym.StartLine, sym.EndLine),
		Hunk:      hunkText(fc, sym.StartLine, sym.EndLine),
		Docstring: sym.Docstring,
	}
	lc := r.lazyContext(subj)

	if sym.Kind == pysrc.KindFunction && sym.Public() && !sym.Dunder() && needsTests(fc.Path) {
		if err := r.tests(ctx, subj, sym, lc); err != nil {
			return err
		}
	}
	if nf, ok := symbolNaming(fc.Path, sym); ok {
		r.add(nf)
	}
	if sym.Public() && !sym.Dunder() {
		if sym.Docstring == "" {
			r.add(Finding{
				Category: CategoryDocumentation,
				Severity: SeverityLow,
				File:     fc.Path,
				Lines:    subj.Lines,
				Message:  fmt.Sprintf("`%s` has no docstring. Describe its purpose, parameters and return value.", subj.Symbol),
			})
		} else if err := r.judge(ctx, CategoryDocumentation, subj, lc, false); err != nil {
			return err
		}
	}
	if len(r.in.Requirements) > 0 {
		return r.judge(ctx, CategoryLogic, subj, lc, true)
	}
	return nil
}

// tests checks for a test module and test cases before asking the model to
// judge the tests that exist.
func (r *run) tests(ctx context.Context, subj Subject, sym pysrc.Symbol, lc contextFunc) error {
	cfg := r.in.Config
	dir := cfg.TestDir(subj.File)
	testFile, ok := r.in.Tree.testFileFor(subj.File, dir, cfg.TestFolder == config.TestFolderSubfolder)
	if !ok {
		r.add(Finding{
			Category: CategoryTest,
			Severity: SeverityMedium,
			File:     subj.File,
			Lines:    subj.Lines,
			Message: fmt.Sprintf("No unit test file found for `%s`. Add `test_%s` under `%s` with tests for it.",
				subj.Symbol, baseName(subj.File), dir),
		})
		return nil
	}
	cases := r.in.Tree.testCases(testFile, sym)
	if len(cases) == 0 {
		r.add(Finding{
			Category: CategoryTest,
			Severity: SeverityMedium,
			File:     subj.File,
			Lines:    subj.Lines,
			Message:  fmt.Sprintf("`%s` was changed but no unit tests for it were found in `%s`.", subj.Symbol, testFile),
		})
		return nil
	}
	tf, _ := r.in.Tree.File(testFile)
	subj.TestFile = testFile
	for _, c := range cases {
		subj.Tests = append(subj.Tests, tf.Text(c.StartLine, c.EndLine))
	}
	return r.judge(ctx, CategoryTest, subj, lc, false)
}

// judge runs a model judge for one subject. withDocs pins the linked
// requirement documents into the context.
func (r *run) judge(ctx context.Context, c Category, subj Subject, lc contextFunc, withDocs bool) error {
	if r.hasFailed(c) {
		return nil
	}
	matches, ok, err := lc(ctx)
	if err != nil {
		return err
	}
	if !ok {
		r.degrade(c, ReasonContextUnavailable)
		return nil
	}
	if withDocs {
		matches = pinRequirements(matches, r.in.Requirements)
	}

	fs, err := r.s.judge.Judge(ctx, c, Context{
		Subject:      subj,
		Matches:      matches,
		Instructions: r.in.Instructions,
		Usage:        r.in.Usage,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRequirementsOverBudget) {
			r.s.logger.Warn("requirements left out of prompt", "file", subj.File, "line", subj.Lines.Start)
			r.degrade(c, ReasonRequirementsBudget)
			return nil
		}
		r.s.logger.Warn("category degraded", "category", string(c), "file", subj.File, "error", err)
		r.fail(c)
		return nil
	}
	for i := range fs {
		fs[i].judged = true
	}
	r.add(fs...)
	return nil
}

// lazyContext retrieves context for subj at most once. It reports false
// when embeddings are unavailable; retrieval timeouts and other failures
// degrade to an empty context.
func (r *run) lazyContext(subj Subject) contextFunc {
	var (
		done    bool
		matches []retrieval.ScoredRecord
		ok      bool
	)
	return func(ctx context.Context) ([]retrieval.ScoredRecord, bool, error) {
		if done {
			return matches, ok, nil
		}
		if r.in.Context == nil {
			done, ok = true, true
			return nil, true, nil
		}
		res, err := r.in.Context.Context(ctx, retrieval.Region{
			Path:      subj.File,
			StartLine: subj.Lines.Start,
			EndLine:   subj.Lines.End,
			Text:      subj.Code,
		})
		switch {
		case err == nil:
			matches, ok = res.Matches, true
		case ctx.Err() != nil:
			return nil, false, ctx.Err()
		case errors.Is(err, retrieval.ErrEmbeddingUnavailable):
			ok = false
			r.s.logger.Warn("context unavailable", "file", subj.File, "line", subj.Lines.Start, "error", err)
		case errors.Is(err, retrieval.ErrRetrievalTimeout):
			ok = true
			r.markAllModelCategories(ReasonRetrievalTimeout)
		default:
			ok = true
			r.s.logger.Warn("retrieval failed", "file", subj.File, "error", err)
			r.markAllModelCategories(ReasonRetrievalFailed)
		}
		done = true
		return matches, ok, nil
	}
}

func (r *run) markAllModelCategories(reason string) {
	r.degrade(CategoryTest, reason)
	r.degrade(CategoryDocumentation, reason)
	if len(r.in.Requirements) > 0 {
		r.degrade(CategoryLogic, reason)
	}
}

// pinRequirements adds linked documents not already among matches, ranked
// above retrieved context.
func pinRequirements(matches []retrieval.ScoredRecord, docs []requirements.Doc) []retrieval.ScoredRecord {
	have := map[string]bool{}
	for _, m := range matches {
		if m.Kind == retrieval.KindRequirement {
			have[m.Path] = true
		}
	}
	out := make([]retrieval.ScoredRecord, 0, len(matches)+len(docs))
	for _, d := range docs {
		if have[d.SourceID] {
			continue
		}
		out = append(out, retrieval.ScoredRecord{
			Record: retrieval.Record{
				ID:          string(d.Kind) + ":" + d.SourceID,
				Kind:        retrieval.KindRequirement,
				Path:        d.SourceID,
				Symbol:      d.Title,
				ContentHash: d.ContentHash,
				URL:         d.URL,
				Content:     d.Title + "\n\n" + d.Text,
			},
			Score: 1,
		})
	}
	return append(out, matches...)
}

// looseSubjects covers added lines that fall outside every changed symbol,
// one subject per hunk.
func looseSubjects(fc diff.FileChange, f *pysrc.File) []Subject {
	var out []Subject
	for _, h := range fc.Hunks {
		lo, hi := 0, 0
		for _, ln := range h.AddedLineNumbers() {
			if f.SymbolsInRange([]int{ln}) != nil {
				continue
			}
			if lo == 0 || ln < lo {
				lo = ln
			}
			if ln > hi {
				hi = ln
			}
		}
		if lo == 0 {
			continue
		}
		text := f.Text(lo, hi)
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, Subject{
			File:  fc.Path,
			Lines: LineRange{Start: lo, End: hi},
			Code:  text,
			Hunk:  h.Body,
		})
	}
	return out
}

// hunkText joins the bodies of the hunks that touch [start, end].
func hunkText(fc diff.FileChange, start, end int) string {
	var parts []string
	for _, h := range fc.Hunks {
		if h.NewStart <= end && start <= h.NewEnd() {
			parts = append(parts, fmt.Sprintf("@@ -%d,%d +%d,%d @@\n%s", h.OldStart, h.OldLines, h.NewStart, h.NewLines, strings.TrimRight(h.Body, "\n")))
		}
	}
	return strings.Join(parts, "\n")
}

func baseName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
