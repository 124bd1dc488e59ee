package storage

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// JobTypeReview is the job type of a queued pull-request review event.
const JobTypeReview = "review_event"

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error, dedupe_key, ordered_at`

// JobSuperseded is the status of a job replaced by a newer one with the
// same key before it ran.
const JobSuperseded = "superseded"

// orderLayout sorts lexically in time order.
const orderLayout = "2006-01-02T15:04:05.000000000Z"

// EnqueueJob adds a pending job. MaxAttempts defaults to 3.
//
// A job with a Key supersedes pending jobs of the same type and key ordered
// at or before it. When a pending or running job with the same key is
// already ordered after it, the new job is stored as superseded instead.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	orderedAt := ""
	if job.Key != "" {
		at := job.OrderedAt
		if at.IsZero() {
			at = time.Now()
		}
		orderedAt = at.UTC().Format(orderLayout)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	status := "pending"
	if job.Key != "" {
		var newer int
		err := tx.QueryRow(`
			SELECT COUNT(*) FROM jobs
			WHERE type = ? AND dedupe_key = ? AND status IN ('pending', 'running') AND ordered_at > ?`,
			job.Type, job.Key, orderedAt,
		).Scan(&newer)
		if err != nil {
			return fmt.Errorf("checking newer jobs for %s: %w", job.Key, err)
		}
		if newer > 0 {
			status = JobSuperseded
		} else if _, err := tx.Exec(`
			UPDATE jobs SET status = ?, updated_at = ?
			WHERE type = ? AND dedupe_key = ? AND status = 'pending' AND ordered_at <= ?`,
			JobSuperseded, now, job.Type, job.Key, orderedAt,
		); err != nil {
			return fmt.Errorf("superseding pending jobs for %s: %w", job.Key, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, dedupe_key, ordered_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, status, maxAttempts, runAfter, now, now, job.Key, orderedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimNextJob atomically marks the oldest runnable job of the given types
// as running and returns it. It returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt, orderedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError, &j.Key, &orderedAt,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.OrderedAt, err = parseOrderedAt(orderedAt); err != nil {
		return nil, fmt.Errorf("parsing ordered_at for job %s: %w", j.ID, err)
	}
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func parseOrderedAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(orderLayout, s)
}

// CompleteJob marks a job as completed.
func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is retried with exponential
// backoff until it reaches its attempt limit, then marked failed.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetJob returns a job by id.
func (s *Store) GetJob(id string) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt, orderedAt string
	var lastError sql.NullString
	err := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError, &j.Key, &orderedAt,
	)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.OrderedAt, err = parseOrderedAt(orderedAt); err != nil {
		return Job{}, fmt.Errorf("parsing ordered_at for job %s: %w", j.ID, err)
	}
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

// RequeueRunning returns jobs left running by a previous process to the
// pending state. It reports how many were requeued.
func (s *Store) RequeueRunning() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ? WHERE status = 'running'`, now, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
