package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job is a queued unit of background work.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed", "superseded"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string

	// Key groups jobs of the same subject. A newer job replaces older
	// pending ones with the same Type and Key. Empty disables coalescing.
	Key string
	// OrderedAt orders jobs sharing a Key.
	OrderedAt time.Time
}

// MetricsRecord describes one completed review run.
type MetricsRecord struct {
	RunID            string        `json:"run_id"`
	Project          string        `json:"project,omitempty"`
	Repo             string        `json:"repo"`
	PRID             string        `json:"pr_id"`
	Duration         time.Duration `json:"duration_ns"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	FilesProcessed   int           `json:"files_processed"`
	Findings         int           `json:"findings"`
	Indexing         bool          `json:"indexing"`
	Deadcode         bool          `json:"deadcode"`
	Degraded         string        `json:"degraded,omitempty"` // "category: reason" lines
	CreatedAt        time.Time     `json:"created_at"`
}

// TotalTokens returns prompt plus completion tokens.
func (m MetricsRecord) TotalTokens() int64 { return m.PromptTokens + m.CompletionTokens }

// CommentRecord is one delivered finding, kept so feedback can refer to it.
type CommentRecord struct {
	ID        string
	RunID     string
	Project   string
	Repo      string
	PRID      string
	Category  string
	File      string
	StartLine int
	EndLine   int
	Content   string
	CreatedAt time.Time
}

// FeedbackRecord is a rating given to a comment. Ratings are append-only;
// the latest one for a comment wins.
type FeedbackRecord struct {
	CommentID string
	Rating    int
	CreatedAt time.Time
}

// ReviewRecord is a delivered review serialized as JSON.
type ReviewRecord struct {
	RunID     string
	Repo      string
	PRID      string
	BodyJSON  string
	CreatedAt time.Time
}
