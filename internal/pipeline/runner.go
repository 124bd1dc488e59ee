// Package pipeline runs one pull-request review from event to delivery:
// indexing, requirement linking, synthesis, merging, recording and
// publication.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sentinel/internal/config"
	"github.com/kalambet/sentinel/internal/diff"
	"github.com/kalambet/sentinel/internal/index"
	"github.com/kalambet/sentinel/internal/requirements"
	"github.com/kalambet/sentinel/internal/retrieval"
	"github.com/kalambet/sentinel/internal/review"
	"github.com/kalambet/sentinel/internal/storage"
)

// Named suspension points where a run checks for cancellation.
const (
	CheckpointPostIndexing = "post-indexing"
	CheckpointPreSynthesis = "pre-synthesis"
	CheckpointPreRecord    = "pre-record"
)

// Index is the repository index the runner keeps current.
type Index interface {
	Update(ctx context.Context, repo string, snap index.Snapshot, opts index.UpdateOptions) (index.Delta, error)
	UpsertRequirements(ctx context.Context, repo, scope string, docs []requirements.Doc) (index.Delta, error)
	View(ctx context.Context, repo string) (*index.View, error)
}

// Linker resolves the requirements referenced by a pull request.
type Linker interface {
	Link(ctx context.Context, meta requirements.Meta) ([]requirements.Doc, []requirements.Warning)
}

// Recorder persists run metrics and delivered comments.
type Recorder interface {
	RecordRun(ctx context.Context, m storage.MetricsRecord) error
	RecordComment(ctx context.Context, c storage.CommentRecord) error
}

// Recorders writes to several recorders. Every recorder is attempted; the
// errors are joined.
type Recorders []Recorder

func (rs Recorders) RecordRun(ctx context.Context, m storage.MetricsRecord) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordRun(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rs Recorders) RecordComment(ctx context.Context, c storage.CommentRecord) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordComment(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher receives finished reviews.
type Publisher interface {
	Publish(ctx context.Context, r Review) error
}

// Options tunes a Runner.
type Options struct {
	TopK int
	// LocalContextLimit caps file-local context when indexing is off.
	LocalContextLimit int
	FeedbackURL       string
	Excludes          []string
}

// Runner executes review runs. Index, Linker, Recorder and Publisher may
// be nil.
type Runner struct {
	index       Index
	retriever   *retrieval.Retriever
	linker      Linker
	synthesizer *review.Synthesizer
	recorder    Recorder
	publisher   Publisher
	opts        Options
	logger      *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(
	idx Index,
	retriever *retrieval.Retriever,
	linker Linker,
	synthesizer *review.Synthesizer,
	recorder Recorder,
	publisher Publisher,
	opts Options,
) *Runner {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.LocalContextLimit <= 0 {
		opts.LocalContextLimit = 3
	}
	return &Runner{
		index:       idx,
		retriever:   retriever,
		linker:      linker,
		synthesizer: synthesizer,
		recorder:    recorder,
		publisher:   publisher,
		opts:        opts,
		logger:      slog.Default(),
	}
}

// Run prepares and delivers a review. A skipped repository yields a Review
// with Skipped set and nothing delivered.
func (r *Runner) Run(ctx context.Context, ev Event) (Review, error) {
	rv, err := r.Prepare(ctx, ev)
	if err != nil || rv.Skipped != "" {
		return rv, err
	}
	if err := checkpoint(ctx, CheckpointPreRecord); err != nil {
		return Review{}, err
	}
	return rv, r.Deliver(ctx, rv)
}

// Prepare computes the review for ev without recording or publishing it.
// Only invalid input and cancellation are returned as errors; every other
// failure degrades the review.
func (r *Runner) Prepare(ctx context.Context, ev Event) (Review, error) {
	start := time.Now()
	if err := ev.Validate(); err != nil {
		return Review{}, err
	}
	rv := Review{RunID: uuid.NewString(), Project: ev.Project, Repo: ev.Repo, PRID: ev.PRID}
	log := r.logger.With("repo", ev.Repo, "pr_id", ev.PRID, "run_id", rv.RunID)

	cfg, err := config.LoadReviewConfig(ev.RepoPath)
	if errors.Is(err, config.ErrReviewConfigMissing) || errors.Is(err, config.ErrUnsupportedLanguage) {
		log.Info("review skipped", "reason", err)
		rv.Skipped = err.Error()
		return rv, nil
	}
	if err != nil {
		return Review{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	changes, err := diff.Parse(ev.Diff)
	if err != nil {
		return Review{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	snap, err := index.LoadSnapshot(ev.RepoPath, r.opts.Excludes)
	if err != nil {
		return Review{}, fmt.Errorf("loading %s: %w", ev.RepoPath, err)
	}

	var docs []requirements.Doc
	if r.linker != nil {
		var warnings []requirements.Warning
		docs, warnings = r.linker.Link(ctx, ev.meta())
		for _, w := range warnings {
			rv.Warnings = append(rv.Warnings, fmt.Sprintf("%s: %s", w.Reference, w.Reason))
		}
	}

	var provider review.ContextProvider
	if cfg.Indexing && r.index != nil && r.retriever != nil {
		view, notes := r.updateIndex(ctx, ev, snap, changes, docs)
		rv.Warnings = append(rv.Warnings, notes...)
		if view != nil {
			provider = indexContext{retriever: r.retriever, view: view, topK: r.opts.TopK}
		}
	} else {
		provider = localContext{snap: snap, limit: r.opts.LocalContextLimit}
	}
	if err := checkpoint(ctx, CheckpointPostIndexing); err != nil {
		return Review{}, err
	}

	tree, err := review.ParseTree(ctx, snap)
	if err != nil {
		return Review{}, err
	}
	instructions, err := review.LoadInstructions(ev.RepoPath, cfg.DocFolder)
	if err != nil {
		log.Warn("project instructions unavailable", "error", err)
		rv.Warnings = append(rv.Warnings, "project instructions unavailable: "+err.Error())
	}
	if err := checkpoint(ctx, CheckpointPreSynthesis); err != nil {
		return Review{}, err
	}

	usage := &review.Usage{}
	out, err := r.synthesizer.Synthesize(ctx, review.Input{
		Diff:         changes,
		Tree:         tree,
		Config:       cfg,
		Requirements: docs,
		Instructions: instructions,
		Context:      provider,
		Usage:        usage,
	})
	if err != nil {
		return Review{}, err
	}

	rv.Findings = review.Format(review.Merge(out.Findings), review.FormatOptions{
		FeedbackURL: r.opts.FeedbackURL,
		Project:     ev.Project,
		Repo:        ev.Repo,
		PRID:        ev.PRID,
	})
	rv.Comments = review.Consolidate(rv.Findings)
	rv.Degraded = out.Degraded
	rv.Summary = review.Summary(rv.Findings, rv.Degraded)
	rv.Metrics = storage.MetricsRecord{
		RunID:            rv.RunID,
		Project:          ev.Project,
		Repo:             ev.Repo,
		PRID:             ev.PRID,
		Duration:         time.Since(start),
		PromptTokens:     usage.Prompt(),
		CompletionTokens: usage.Completion(),
		FilesProcessed:   out.FilesProcessed,
		Findings:         len(rv.Findings),
		Indexing:         cfg.Indexing,
		Deadcode:         cfg.Deadcode,
		Degraded:         degradedText(rv.Degraded),
		CreatedAt:        time.Now().UTC(),
	}
	log.Info("review prepared", "findings", len(rv.Findings), "degraded", len(rv.Degraded),
		"duration_ms", rv.Metrics.Duration.Milliseconds())
	return rv, nil
}

// updateIndex brings the repository index up to date and returns the view
// to retrieve from. A nil view means retrieval is unavailable for the run.
func (r *Runner) updateIndex(ctx context.Context, ev Event, snap index.Snapshot, changes diff.PullRequestDiff, docs []requirements.Doc) (*index.View, []string) {
	log := r.logger.With("repo", ev.Repo, "pr_id", ev.PRID)
	var notes []string

	view, err := r.index.View(ctx, ev.Repo)
	if err != nil {
		log.Warn("index unavailable", "error", err)
		return nil, []string{"index unavailable: " + err.Error()}
	}

	target, opts := snap, index.UpdateOptions{}
	if view.Len() > 0 {
		target, opts = changedFiles(snap, changes), index.UpdateOptions{Partial: true}
	}
	delta, err := r.index.Update(ctx, ev.Repo, target, opts)
	if err != nil {
		log.Warn("index update failed, retrieving from previous version", "error", err)
		notes = append(notes, "index update failed: "+err.Error())
	} else if delta.Failed > 0 {
		notes = append(notes, fmt.Sprintf("context unavailable for %d chunk(s) in %s", delta.Failed, strings.Join(delta.FailedPaths, ", ")))
	}

	if _, err := r.index.UpsertRequirements(ctx, ev.Repo, "pr:"+ev.PRID, docs); err != nil {
		log.Warn("indexing requirements failed", "error", err)
		notes = append(notes, "requirements not indexed: "+err.Error())
	}

	if view, err = r.index.View(ctx, ev.Repo); err != nil {
		log.Warn("index unavailable", "error", err)
		return nil, append(notes, "index unavailable: "+err.Error())
	}
	return view, notes
}

// Deliver records rv and hands it to the publisher. Persistence failures
// are logged and never block publication.
func (r *Runner) Deliver(ctx context.Context, rv Review) error {
	log := r.logger.With("repo", rv.Repo, "pr_id", rv.PRID, "run_id", rv.RunID)
	if r.recorder != nil {
		if err := r.recorder.RecordRun(ctx, rv.Metrics); err != nil {
			log.Error("recording run metrics", "error", err)
		}
		for _, f := range rv.Findings {
			err := r.recorder.RecordComment(ctx, storage.CommentRecord{
				ID:        f.ID,
				RunID:     rv.RunID,
				Project:   rv.Project,
				Repo:      rv.Repo,
				PRID:      rv.PRID,
				Category:  string(f.Category),
				File:      f.File,
				StartLine: f.Lines.Start,
				EndLine:   f.Lines.End,
				Content:   f.Message,
				CreatedAt: rv.Metrics.CreatedAt,
			})
			if err != nil {
				log.Error("recording comment", "comment_id", f.ID, "error", err)
			}
		}
	}
	if r.publisher == nil {
		return nil
	}
	if err := r.publisher.Publish(ctx, rv); err != nil {
		return fmt.Errorf("publishing review %s: %w", rv.RunID, err)
	}
	return nil
}

// checkpoint returns the cancellation cause if ctx is done.
func checkpoint(ctx context.Context, name string) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("run stopped at %s: %w", name, context.Cause(ctx))
}

// changedFiles restricts snap to the paths touched by changes. Deleted and
// renamed-away files map to the empty string so the index prunes them.
func changedFiles(snap index.Snapshot, changes diff.PullRequestDiff) index.Snapshot {
	out := index.Snapshot{}
	add := func(p string) {
		if p == "" || !index.IsPython(p) {
			return
		}
		out[p] = snap[p]
	}
	for _, fc := range changes.Files {
		add(fc.Path)
		if fc.OldPath != fc.Path {
			add(fc.OldPath)
		}
	}
	return out
}

func degradedText(ds []review.Degradation) string {
	lines := make([]string, len(ds))
	for i, d := range ds {
		lines[i] = string(d.Category) + ": " + d.Reason
	}
	return strings.Join(lines, "\n")
}

type indexContext struct {
	retriever *retrieval.Retriever
	view      retrieval.Searcher
	topK      int
}

func (c indexContext) Context(ctx context.Context, region retrieval.Region) (retrieval.Result, error) {
	return c.retriever.Retrieve(ctx, region, c.view, c.topK)
}

type localContext struct {
	snap  index.Snapshot
	limit int
}

func (c localContext) Context(ctx context.Context, region retrieval.Region) (retrieval.Result, error) {
	return retrieval.LocalContext(ctx, region, []byte(c.snap[region.Path]), c.limit)
}
