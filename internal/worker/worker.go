// Package worker consumes queued pull-request events and reviews them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sentinel/internal/pipeline"
	"github.com/kalambet/sentinel/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Submitter runs a review event to completion.
type Submitter interface {
	Submit(ctx context.Context, ev pipeline.Event) (pipeline.Review, error)
}

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	EnqueueJob(job storage.Job) error
}

// Enqueue stamps ev with its arrival time and queues it for review. It
// returns the job id. A queued review of the same pull request that has not
// started yet is replaced by the later event.
func Enqueue(q Enqueuer, ev pipeline.Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encoding event: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        storage.JobTypeReview,
		PayloadJSON: string(payload),
		Key:         ev.Key(),
		OrderedAt:   ev.ReceivedAt,
	}
	if err := q.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing review of %s: %w", ev.Key(), err)
	}
	return job.ID, nil
}

// Worker processes review_event jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	runs   Submitter
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, runs Submitter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		runs:   runs,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Start runs n polling loops until ctx is cancelled and waits for them to
// stop. Several loops let a newer event supersede an in-flight review of
// the same pull request.
func (w *Worker) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single review_event job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobTypeReview})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		if ctx.Err() != nil {
			// Left running; RequeueRunning picks it up on the next start.
			w.logger.Info("job interrupted by shutdown", "job_id", job.ID)
			return true, nil
		}
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var ev pipeline.Event
	if err := json.Unmarshal([]byte(job.PayloadJSON), &ev); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	rv, err := w.runs.Submit(ctx, ev)
	switch {
	case errors.Is(err, pipeline.ErrSuperseded):
		w.logger.Info("review superseded", "job_id", job.ID, "repo", ev.Repo, "pr_id", ev.PRID)
		return nil
	case err != nil:
		return fmt.Errorf("reviewing %s: %w", ev.Key(), err)
	case rv.Skipped != "":
		w.logger.Info("review skipped", "job_id", job.ID, "repo", ev.Repo, "pr_id", ev.PRID, "reason", rv.Skipped)
	default:
		w.logger.Info("review delivered", "job_id", job.ID, "repo", ev.Repo, "pr_id", ev.PRID,
			"run_id", rv.RunID, "findings", len(rv.Findings))
	}
	return nil
}
