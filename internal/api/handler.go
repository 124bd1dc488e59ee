package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/sentinel/internal/pipeline"
	"github.com/kalambet/sentinel/internal/review"
	"github.com/kalambet/sentinel/internal/storage"
	"github.com/kalambet/sentinel/internal/worker"
)

const maxEventBodySize = 10 << 20 // 10MB, diffs can be large
const maxRequestBodySize = 1 << 20 // 1MB

// FeedbackStore records comment ratings.
type FeedbackStore interface {
	RecordFeedback(ctx context.Context, f storage.FeedbackRecord) error
	LatestFeedback(ctx context.Context, commentID string) (storage.FeedbackRecord, error)
}

// commentLookup is implemented by feedback stores that also hold the
// delivered comments, letting ratings for unknown comments be rejected.
type commentLookup interface {
	GetComment(ctx context.Context, id string) (storage.CommentRecord, error)
}

// Deps holds the HTTP API dependencies.
type Deps struct {
	Store    *storage.Store
	Feedback FeedbackStore // defaults to Store
	// Token guards the /v1 routes. Empty disables authentication.
	Token string
	// WebhookSecret lets /v1/events accept signed webhook deliveries in
	// place of the bearer token.
	WebhookSecret string
}

// NewHandler returns the service's HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.Feedback == nil {
		deps.Feedback = deps.Store
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	// Star links embedded in review comments are followed from a browser.
	r.Get("/feedback", handleFeedbackLink(deps))

	r.With(EventAuth(deps.Token, deps.WebhookSecret)).Post("/v1/events", handleEnqueueEvent(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/v1/jobs/{id}", handleGetJob(deps))
		r.Post("/v1/feedback", handlePostFeedback(deps))
		r.Get("/v1/feedback/{commentID}", handleGetFeedback(deps))
		r.Get("/v1/reviews/{repo}/{pr}", handleLatestReview(deps))
		r.Get("/v1/runs", handleRecentRuns(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleEnqueueEvent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxEventBodySize)
		defer r.Body.Close()

		var ev pipeline.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		ev.ReceivedAt = time.Now().UTC()

		id, err := worker.Enqueue(deps.Store, ev)
		if errors.Is(err, pipeline.ErrInvalidEvent) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue event: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"job_id": id,
			"status": "queued",
		})
	}
}

type jobResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jobResponse{
			ID:        job.ID,
			Status:    job.Status,
			Attempts:  job.Attempts,
			LastError: job.LastError,
			UpdatedAt: job.UpdatedAt,
		})
	}
}

// FeedbackRequest rates one delivered comment.
type FeedbackRequest struct {
	CommentID string `json:"comment_id"`
	Rating    int    `json:"rating"`
}

// recordFeedback validates and stores a rating. It returns an HTTP status
// and message on failure.
func recordFeedback(ctx context.Context, deps Deps, req FeedbackRequest) (int, error) {
	if req.CommentID == "" {
		return http.StatusBadRequest, errors.New("comment_id is required")
	}
	if req.Rating < review.MinRating || req.Rating > review.MaxRating {
		return http.StatusBadRequest, fmt.Errorf("rating must be between %d and %d", review.MinRating, review.MaxRating)
	}
	if cl, ok := deps.Feedback.(commentLookup); ok {
		_, err := cl.GetComment(ctx, req.CommentID)
		if errors.Is(err, storage.ErrNotFound) {
			return http.StatusNotFound, errors.New("comment not found")
		}
		if err != nil {
			return http.StatusInternalServerError, fmt.Errorf("failed to look up comment: %w", err)
		}
	}
	err := deps.Feedback.RecordFeedback(ctx, storage.FeedbackRecord{
		CommentID: req.CommentID,
		Rating:    req.Rating,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return http.StatusInternalServerError, fmt.Errorf("failed to record feedback: %w", err)
	}
	return http.StatusOK, nil
}

func handlePostFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req FeedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if code, err := recordFeedback(r.Context(), deps, req); err != nil {
			httpError(w, code, errorType(code), "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
	}
}

func handleFeedbackLink(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rating, err := strconv.Atoi(q.Get("rating"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "rating must be a number")
			return
		}
		req := FeedbackRequest{CommentID: q.Get("comment_id"), Rating: rating}
		if code, err := recordFeedback(r.Context(), deps, req); err != nil {
			httpError(w, code, errorType(code), "%v", err)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Thanks! Your rating of %d for this comment was recorded.\n", rating)
	}
}

func handleGetFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := deps.Feedback.LatestFeedback(r.Context(), chi.URLParam(r, "commentID"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no feedback for comment")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get feedback: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"comment_id": f.CommentID,
			"rating":     f.Rating,
			"created_at": f.CreatedAt,
		})
	}
}

func handleLatestReview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.LatestReview(r.Context(), chi.URLParam(r, "repo"), chi.URLParam(r, "pr"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no review for pull request")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get review: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(rec.BodyJSON))
	}
}

func handleRecentRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		runs, err := deps.Store.RecentRuns(r.Context(), r.URL.Query().Get("repo"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.MetricsRecord{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func errorType(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusNotFound:
		return "not_found"
	default:
		return "api_error"
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
