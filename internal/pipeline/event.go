package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/sentinel/internal/requirements"
	"github.com/kalambet/sentinel/internal/review"
	"github.com/kalambet/sentinel/internal/storage"
)

// EventKind is the pull-request transition that triggered a review.
type EventKind string

const (
	EventOpened              EventKind = "opened"
	EventSourceBranchUpdated EventKind = "source_branch_updated"
)

// ErrInvalidEvent is returned for events that cannot be reviewed.
var ErrInvalidEvent = errors.New("invalid review event")

// Event is an inbound pull-request event together with the path of the
// checked-out source branch.
type Event struct {
	Kind        EventKind `json:"event_kind"`
	PRID        string    `json:"pull_request_id"`
	Repo        string    `json:"repository_id"`
	Project     string    `json:"project,omitempty"`
	Diff        string    `json:"diff"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	BranchName  string    `json:"branch_name,omitempty"`
	RepoPath    string    `json:"repo_path"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Key identifies the pull request the event belongs to.
func (e Event) Key() string { return e.Repo + "/" + e.PRID }

// Validate checks that the event carries what a review needs.
func (e Event) Validate() error {
	switch {
	case e.Kind != EventOpened && e.Kind != EventSourceBranchUpdated:
		return fmt.Errorf("%w: unknown event kind %q", ErrInvalidEvent, e.Kind)
	case e.PRID == "":
		return fmt.Errorf("%w: pull_request_id is required", ErrInvalidEvent)
	case e.Repo == "":
		return fmt.Errorf("%w: repository_id is required", ErrInvalidEvent)
	case e.RepoPath == "":
		return fmt.Errorf("%w: repo_path is required", ErrInvalidEvent)
	}
	return nil
}

func (e Event) meta() requirements.Meta {
	return requirements.Meta{Title: e.Title, Description: e.Description, BranchName: e.BranchName}
}

// Review is the outcome of one run: ordered findings, their per-file
// comment bodies, and what was degraded along the way.
type Review struct {
	RunID    string                `json:"run_id"`
	Project  string                `json:"project,omitempty"`
	Repo     string                `json:"repository_id"`
	PRID     string                `json:"pull_request_id"`
	Findings []review.Finding      `json:"findings"`
	Comments []review.Comment      `json:"comments,omitempty"`
	Summary  string                `json:"summary"`
	Degraded []review.Degradation  `json:"degraded,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
	Metrics  storage.MetricsRecord `json:"metrics"`
	// Skipped is set when the repository opted out of review.
	Skipped string `json:"skipped,omitempty"`
}
