// Package pgstore records review metrics, comments and feedback in
// PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/sentinel/internal/storage"
)

// querier is the subset of pgxpool.Pool the recorder uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Recorder appends review records to PostgreSQL.
type Recorder struct {
	db   querier
	pool *pgxpool.Pool
}

// Connect opens a connection pool for the given URL and verifies it.
func Connect(ctx context.Context, url string) (*Recorder, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Recorder{db: pool, pool: pool}, nil
}

// Close releases the pool.
func (r *Recorder) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// The comments and review_metrics tables are shared with other consumers,
// so writes use only their established columns. Run details such as
// findings and degradations stay in the local store.
const schema = `
CREATE TABLE IF NOT EXISTS review_metrics (
    project   TEXT,
    repo      TEXT,
    pr_id     TEXT,
    run_id    TEXT,
    duration  INTEGER DEFAULT 0,
    tokens    INTEGER DEFAULT 0,
    num_files INTEGER DEFAULT 0,
    indexing  BOOLEAN DEFAULT FALSE,
    deadcode  BOOLEAN DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS comments (
    comment_id TEXT,
    project    TEXT,
    repo       TEXT,
    pr_id      TEXT,
    content    TEXT
);
CREATE TABLE IF NOT EXISTS feedback (
    id         BIGSERIAL PRIMARY KEY,
    comment_id TEXT NOT NULL,
    rating     INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_comment ON feedback(comment_id, id);`

// EnsureSchema creates the three tables if they do not exist yet.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// RecordRun appends the metrics of a finished review run. Duration is
// stored in whole seconds.
func (r *Recorder) RecordRun(ctx context.Context, m storage.MetricsRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO review_metrics (project, repo, pr_id, run_id, duration, tokens, num_files, indexing, deadcode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.Project, m.Repo, m.PRID, m.RunID, int64(m.Duration.Round(time.Second)/time.Second), m.TotalTokens(),
		m.FilesProcessed, m.Indexing, m.Deadcode)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", m.RunID, err)
	}
	return nil
}

// RecordComment stores a delivered finding.
func (r *Recorder) RecordComment(ctx context.Context, c storage.CommentRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO comments (comment_id, project, repo, pr_id, content)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Project, c.Repo, c.PRID, c.Content)
	if err != nil {
		return fmt.Errorf("recording comment %s: %w", c.ID, err)
	}
	return nil
}

// RecordFeedback appends a rating.
func (r *Recorder) RecordFeedback(ctx context.Context, f storage.FeedbackRecord) error {
	_, err := r.db.Exec(ctx, `INSERT INTO feedback (comment_id, rating, created_at) VALUES ($1, $2, $3)`,
		f.CommentID, f.Rating, stamp(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("recording feedback for %s: %w", f.CommentID, err)
	}
	return nil
}

// LatestFeedback returns the most recent rating for a comment.
func (r *Recorder) LatestFeedback(ctx context.Context, commentID string) (storage.FeedbackRecord, error) {
	var f storage.FeedbackRecord
	err := r.db.QueryRow(ctx, `
		SELECT comment_id, rating, created_at FROM feedback
		WHERE comment_id = $1 ORDER BY id DESC LIMIT 1`, commentID,
	).Scan(&f.CommentID, &f.Rating, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.FeedbackRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.FeedbackRecord{}, fmt.Errorf("reading feedback for %s: %w", commentID, err)
	}
	return f, nil
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
