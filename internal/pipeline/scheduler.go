package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrSuperseded is the cancellation cause of a run replaced by a newer
// event for the same pull request.
var ErrSuperseded = errors.New("superseded by a newer event")

// Stages is the two-phase review run the Scheduler drives.
type Stages interface {
	Prepare(ctx context.Context, ev Event) (Review, error)
	Deliver(ctx context.Context, r Review) error
}

// Scheduler serializes runs per pull request. Runs for different pull
// requests proceed in parallel; a newer event for a pull request cancels
// the in-flight run of that pull request, which then delivers nothing.
type Scheduler struct {
	stages Stages
	logger *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ev        Event
	cancel    context.CancelCauseFunc
	done      chan struct{}
	committed bool
}

// NewScheduler creates a Scheduler over the given stages.
func NewScheduler(stages Stages) *Scheduler {
	return &Scheduler{stages: stages, logger: slog.Default(), slots: make(map[string]*slot)}
}

// Submit runs ev to completion and returns the delivered review. It
// returns an error wrapping ErrSuperseded when a newer event for the same
// pull request arrived before delivery, and immediately when ev itself is
// older than the pull request's current run.
func (s *Scheduler) Submit(ctx context.Context, ev Event) (Review, error) {
	key := ev.Key()

	s.mu.Lock()
	prev := s.slots[key]
	if prev != nil && ev.ReceivedAt.Before(prev.ev.ReceivedAt) {
		s.mu.Unlock()
		return Review{}, ErrSuperseded
	}
	rctx, cancel := context.WithCancelCause(ctx)
	sl := &slot{ev: ev, cancel: cancel, done: make(chan struct{})}
	s.slots[key] = sl
	if prev != nil && !prev.committed {
		s.logger.Info("superseding in-flight review", "repo", ev.Repo, "pr_id", ev.PRID)
		prev.cancel(ErrSuperseded)
	}
	s.mu.Unlock()

	defer func() {
		cancel(nil)
		s.mu.Lock()
		if s.slots[key] == sl {
			delete(s.slots, key)
		}
		s.mu.Unlock()
		if prev == nil {
			close(sl.done)
			return
		}
		// Successors must also wait for prev when sl gave up early.
		go func() {
			<-prev.done
			close(sl.done)
		}()
	}()

	if prev != nil {
		select {
		case <-prev.done:
		case <-rctx.Done():
			return Review{}, context.Cause(rctx)
		}
	}

	rv, err := s.stages.Prepare(rctx, ev)
	if err != nil || rv.Skipped != "" {
		return rv, err
	}
	if err := s.commit(rctx, key, sl); err != nil {
		return Review{}, err
	}
	return rv, s.stages.Deliver(rctx, rv)
}

// commit marks sl as delivering unless it was superseded. A committed run
// is no longer cancelled by newer events; they wait for it instead.
func (s *Scheduler) commit(ctx context.Context, key string, sl *slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkpoint(ctx, CheckpointPreRecord); err != nil {
		return err
	}
	if s.slots[key] != sl {
		return fmt.Errorf("run stopped at %s: %w", CheckpointPreRecord, ErrSuperseded)
	}
	sl.committed = true
	return nil
}

// InFlight returns the number of pull requests with a run in progress.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
