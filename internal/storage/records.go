package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordRun appends the metrics of a finished review run.
func (s *Store) RecordRun(ctx context.Context, m MetricsRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_metrics (run_id, project, repo, pr_id, duration_ms, prompt_tokens, completion_tokens,
			files_processed, findings, indexing, deadcode, degraded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.Project, m.Repo, m.PRID, m.Duration.Milliseconds(), m.PromptTokens, m.CompletionTokens,
		m.FilesProcessed, m.Findings, m.Indexing, m.Deadcode, m.Degraded, timestamp(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", m.RunID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs for the repository, newest first.
func (s *Store) RecentRuns(ctx context.Context, repo string, limit int) ([]MetricsRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, project, repo, pr_id, duration_ms, prompt_tokens, completion_tokens,
			files_processed, findings, indexing, deadcode, degraded, created_at
		FROM review_metrics WHERE repo = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, repo, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetricsRecord
	for rows.Next() {
		var m MetricsRecord
		var durationMS int64
		var createdAt string
		if err := rows.Scan(&m.RunID, &m.Project, &m.Repo, &m.PRID, &durationMS, &m.PromptTokens, &m.CompletionTokens,
			&m.FilesProcessed, &m.Findings, &m.Indexing, &m.Deadcode, &m.Degraded, &createdAt); err != nil {
			return nil, err
		}
		m.Duration = time.Duration(durationMS) * time.Millisecond
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordComment stores a delivered finding.
func (s *Store) RecordComment(ctx context.Context, c CommentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, run_id, project, repo, pr_id, category, file, start_line, end_line, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RunID, c.Project, c.Repo, c.PRID, c.Category, c.File, c.StartLine, c.EndLine, c.Content, timestamp(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("recording comment %s: %w", c.ID, err)
	}
	return nil
}

// GetComment returns a stored comment by id.
func (s *Store) GetComment(ctx context.Context, id string) (CommentRecord, error) {
	var c CommentRecord
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, project, repo, pr_id, category, file, start_line, end_line, content, created_at
		FROM comments WHERE id = ?`, id,
	).Scan(&c.ID, &c.RunID, &c.Project, &c.Repo, &c.PRID, &c.Category, &c.File, &c.StartLine, &c.EndLine, &c.Content, &createdAt)
	if err == sql.ErrNoRows {
		return CommentRecord{}, ErrNotFound
	}
	if err != nil {
		return CommentRecord{}, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return CommentRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

// RecordFeedback appends a rating. Earlier ratings for the same comment are
// kept.
func (s *Store) RecordFeedback(ctx context.Context, f FeedbackRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO feedback (comment_id, rating, created_at) VALUES (?, ?, ?)`,
		f.CommentID, f.Rating, timestamp(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("recording feedback for %s: %w", f.CommentID, err)
	}
	return nil
}

// LatestFeedback returns the most recent rating for a comment.
func (s *Store) LatestFeedback(ctx context.Context, commentID string) (FeedbackRecord, error) {
	var f FeedbackRecord
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT comment_id, rating, created_at FROM feedback
		WHERE comment_id = ? ORDER BY id DESC LIMIT 1`, commentID,
	).Scan(&f.CommentID, &f.Rating, &createdAt)
	if err == sql.ErrNoRows {
		return FeedbackRecord{}, ErrNotFound
	}
	if err != nil {
		return FeedbackRecord{}, err
	}
	if f.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return FeedbackRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return f, nil
}

// SaveReview stores a delivered review.
func (s *Store) SaveReview(ctx context.Context, r ReviewRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reviews (run_id, repo, pr_id, body_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.RunID, r.Repo, r.PRID, r.BodyJSON, timestamp(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving review %s: %w", r.RunID, err)
	}
	return nil
}

// LatestReview returns the most recently delivered review of a pull request.
func (s *Store) LatestReview(ctx context.Context, repo, prID string) (ReviewRecord, error) {
	var r ReviewRecord
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, repo, pr_id, body_json, created_at FROM reviews
		WHERE repo = ? AND pr_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, repo, prID,
	).Scan(&r.RunID, &r.Repo, &r.PRID, &r.BodyJSON, &createdAt)
	if err == sql.ErrNoRows {
		return ReviewRecord{}, ErrNotFound
	}
	if err != nil {
		return ReviewRecord{}, err
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ReviewRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}
