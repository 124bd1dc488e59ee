package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/sentinel/internal/pipeline"
	"github.com/kalambet/sentinel/internal/storage"
)

type mockSubmitter struct {
	mu       sync.Mutex
	events   []pipeline.Event
	submitFn func(ev pipeline.Event) (pipeline.Review, error)
}

func (m *mockSubmitter) Submit(_ context.Context, ev pipeline.Event) (pipeline.Review, error) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	if m.submitFn != nil {
		return m.submitFn(ev)
	}
	return pipeline.Review{RunID: "run-" + ev.PRID}, nil
}

func (m *mockSubmitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(pr string) pipeline.Event {
	return pipeline.Event{
		Kind:     pipeline.EventOpened,
		PRID:     pr,
		Repo:     "api",
		Diff:     "",
		RepoPath: "/src/api",
	}
}

func enqueueTestJob(t *testing.T, store *storage.Store, pr string) string {
	t.Helper()
	id, err := Enqueue(store, testEvent(pr))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func jobStatus(t *testing.T, store *storage.Store, id string) (string, int) {
	t.Helper()
	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return job.Status, job.Attempts
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestEnqueue_StampsArrivalAndValidates(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "7")

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Type != storage.JobTypeReview {
		t.Errorf("Type = %q, want %q", job.Type, storage.JobTypeReview)
	}

	sub := &mockSubmitter{}
	w := NewWorker(store, sub, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sub.events[0].ReceivedAt.IsZero() {
		t.Error("ReceivedAt was not stamped")
	}

	bad := testEvent("8")
	bad.RepoPath = ""
	if _, err := Enqueue(store, bad); !errors.Is(err, pipeline.ErrInvalidEvent) {
		t.Errorf("Enqueue(invalid) error = %v, want ErrInvalidEvent", err)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "7")

	sub := &mockSubmitter{}
	w := NewWorker(store, sub, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if sub.count() != 1 || sub.events[0].PRID != "7" {
		t.Fatalf("submitted %+v, want one event for PR 7", sub.events)
	}
	if status, _ := jobStatus(t, store, id); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}

	didWork, err = w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("RunOnce on empty queue = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_SupersededJobCompletes(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "7")

	w := NewWorker(store, &mockSubmitter{submitFn: func(pipeline.Event) (pipeline.Review, error) {
		return pipeline.Review{}, fmt.Errorf("run stopped at pre-synthesis: %w", pipeline.ErrSuperseded)
	}}, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if status, attempts := jobStatus(t, store, id); status != "completed" || attempts != 0 {
		t.Errorf("status=%q attempts=%d, want completed/0", status, attempts)
	}
}

func TestWorker_QueuedUpdatesCollapseToLatest(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "9")

	base := time.Now().UTC()
	var first, second string
	sub := &mockSubmitter{}
	sub.submitFn = func(ev pipeline.Event) (pipeline.Review, error) {
		if ev.PRID == "9" && first == "" {
			// Two updates of PR 7 arrive while the only worker is busy.
			a := testEvent("7")
			a.Kind = pipeline.EventSourceBranchUpdated
			a.Title = "first push"
			a.ReceivedAt = base
			b := a
			b.Title = "second push"
			b.ReceivedAt = base.Add(time.Millisecond)

			var err error
			if first, err = Enqueue(store, a); err != nil {
				t.Errorf("Enqueue first: %v", err)
			}
			if second, err = Enqueue(store, b); err != nil {
				t.Errorf("Enqueue second: %v", err)
			}
		}
		return pipeline.Review{RunID: "run-" + ev.PRID}, nil
	}
	w := NewWorker(store, sub, 0)

	for {
		didWork, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce error: %v", err)
		}
		if !didWork {
			break
		}
	}

	var reviewed []string
	for _, ev := range sub.events {
		if ev.PRID == "7" {
			reviewed = append(reviewed, ev.Title)
		}
	}
	if len(reviewed) != 1 || reviewed[0] != "second push" {
		t.Fatalf("reviews of PR 7 = %q, want only the second push", reviewed)
	}
	if status, _ := jobStatus(t, store, first); status != storage.JobSuperseded {
		t.Errorf("first push status = %q, want %q", status, storage.JobSuperseded)
	}
	if status, _ := jobStatus(t, store, second); status != "completed" {
		t.Errorf("second push status = %q, want completed", status)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "7")

	calls := 0
	w := NewWorker(store, &mockSubmitter{submitFn: func(pipeline.Event) (pipeline.Review, error) {
		calls++
		if calls <= 2 {
			return pipeline.Review{}, fmt.Errorf("transient error %d", calls)
		}
		return pipeline.Review{RunID: "r"}, nil
	}}, 0)

	ctx := context.Background()
	for attempt := 1; attempt <= 2; attempt++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil || !didWork {
			t.Fatalf("RunOnce %d = %v, %v", attempt, didWork, err)
		}
		status, attempts := jobStatus(t, store, id)
		if status != "pending" || attempts != attempt {
			t.Errorf("after fail %d: status=%q attempts=%d, want pending/%d", attempt, status, attempts, attempt)
		}
		resetRunAfter(t, store, id)
	}

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 3 error: %v", err)
	}
	if status, _ := jobStatus(t, store, id); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "7")

	w := NewWorker(store, &mockSubmitter{submitFn: func(pipeline.Event) (pipeline.Review, error) {
		return pipeline.Review{}, errors.New("permanent error")
	}}, 0)

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, id)
		}
	}

	if status, _ := jobStatus(t, store, id); status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestWorker_ShutdownLeavesJobRunning(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "7")

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(store, &mockSubmitter{submitFn: func(pipeline.Event) (pipeline.Review, error) {
		cancel()
		return pipeline.Review{}, context.Canceled
	}}, 0)

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if status, attempts := jobStatus(t, store, id); status != "running" || attempts != 0 {
		t.Errorf("status=%q attempts=%d, want running/0", status, attempts)
	}

	n, err := store.RequeueRunning()
	if err != nil || n != 1 {
		t.Fatalf("RequeueRunning = %d, %v; want 1", n, err)
	}
	if status, _ := jobStatus(t, store, id); status != "pending" {
		t.Errorf("status after requeue = %q, want pending", status)
	}
}

func TestWorker_StartDrainsQueue(t *testing.T) {
	store := openTestStore(t)

	const total = 20
	for i := 0; i < total; i++ {
		enqueueTestJob(t, store, fmt.Sprintf("%d", i))
	}

	sub := &mockSubmitter{}
	w := NewWorker(store, sub, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		for sub.count() < total && ctx.Err() == nil {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	w.Start(ctx, 3)

	if sub.count() != total {
		t.Errorf("processed %d jobs, want %d", sub.count(), total)
	}
}
