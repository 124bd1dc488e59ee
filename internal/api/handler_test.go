package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/sentinel/internal/storage"
)

const testToken = "test-token-12345"

func setupHandler(t *testing.T, token string) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewHandler(Deps{Store: store, Token: token}), store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func saveComment(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	err := store.RecordComment(context.Background(), storage.CommentRecord{
		ID: id, RunID: "run-1", Repo: "api", PRID: "7", Category: "test", File: "a.py",
		StartLine: 1, EndLine: 3, Content: "add a test", CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("RecordComment: %v", err)
	}
}

const validEvent = `{"event_kind":"opened","pull_request_id":"7","repository_id":"api","repo_path":"/src/api","diff":""}`

func TestEnqueueEvent(t *testing.T) {
	h, store := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/events", validEvent, testToken))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "queued" || resp["job_id"] == "" {
		t.Fatalf("unexpected response %v", resp)
	}

	job, err := store.GetJob(resp["job_id"])
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Type != storage.JobTypeReview {
		t.Errorf("job.Type = %q, want %q", job.Type, storage.JobTypeReview)
	}
	if !strings.Contains(job.PayloadJSON, `"received_at"`) {
		t.Errorf("payload missing arrival time: %s", job.PayloadJSON)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/jobs/"+resp["job_id"], "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"pending"`) {
		t.Errorf("GET job = %d %s", rr.Code, rr.Body.String())
	}
}

func TestEnqueueEvent_Invalid(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	for _, body := range []string{
		`{"event_kind":"merged","pull_request_id":"7","repository_id":"api","repo_path":"/src"}`,
		`{"event_kind":"opened","repository_id":"api","repo_path":"/src"}`,
		`not json`,
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/events", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want %d", body, rr.Code, http.StatusBadRequest)
		}
	}
}

func TestEnqueueEvent_NoAuth(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/events", validEvent, ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/events", validEvent, "wrong"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestEnqueueEvent_SignedWebhook(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	h := NewHandler(Deps{Store: store, Token: testToken, WebhookSecret: "hook-secret"})

	signed := func(sig string) *http.Request {
		req := authReq(http.MethodPost, "/v1/events", validEvent, "")
		req.Header.Set(signatureHeader, sig)
		return req
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signed(Sign([]byte(validEvent), "hook-secret")))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("signed event: status = %d, want %d; body: %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, signed(Sign([]byte(validEvent), "other-secret")))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/runs", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("signature does not open other routes: status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestEnqueueEvent_OpenWithoutCredentials(t *testing.T) {
	h, _ := setupHandler(t, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/events", validEvent, ""))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/jobs/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestFeedback_LatestWins(t *testing.T) {
	h, store := setupHandler(t, testToken)
	saveComment(t, store, "c1")

	for _, rating := range []string{"1", "3"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/feedback", `{"comment_id":"c1","rating":`+rating+`}`, testToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("rating %s: status = %d; body = %s", rating, rr.Code, rr.Body.String())
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/feedback/c1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Rating int `json:"rating"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Rating != 3 {
		t.Errorf("rating = %d, want 3", resp.Rating)
	}
}

func TestFeedback_Validation(t *testing.T) {
	h, store := setupHandler(t, testToken)
	saveComment(t, store, "c1")

	cases := []struct {
		body string
		want int
	}{
		{`{"comment_id":"c1","rating":0}`, http.StatusBadRequest},
		{`{"comment_id":"c1","rating":4}`, http.StatusBadRequest},
		{`{"rating":2}`, http.StatusBadRequest},
		{`{"comment_id":"unknown","rating":2}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/feedback", tc.body, testToken))
		if rr.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.body, rr.Code, tc.want)
		}
	}
}

func TestFeedbackLink_NoAuthRequired(t *testing.T) {
	h, store := setupHandler(t, testToken)
	saveComment(t, store, "c1")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/feedback?project=core&repo=api&pr_id=7&comment_id=c1&rating=2", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	f, err := store.LatestFeedback(context.Background(), "c1")
	if err != nil {
		t.Fatalf("LatestFeedback: %v", err)
	}
	if f.Rating != 2 {
		t.Errorf("rating = %d, want 2", f.Rating)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/feedback?comment_id=c1&rating=lots", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("non-numeric rating: status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

type memFeedback struct {
	records []storage.FeedbackRecord
}

func (m *memFeedback) RecordFeedback(_ context.Context, f storage.FeedbackRecord) error {
	m.records = append(m.records, f)
	return nil
}

func (m *memFeedback) LatestFeedback(_ context.Context, id string) (storage.FeedbackRecord, error) {
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].CommentID == id {
			return m.records[i], nil
		}
	}
	return storage.FeedbackRecord{}, storage.ErrNotFound
}

func TestFeedback_ExternalStoreSkipsCommentLookup(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	fb := &memFeedback{}
	h := NewHandler(Deps{Store: store, Feedback: fb})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/feedback", `{"comment_id":"elsewhere","rating":1}`, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if len(fb.records) != 1 || fb.records[0].CommentID != "elsewhere" {
		t.Errorf("records = %+v", fb.records)
	}
}

func TestLatestReview(t *testing.T) {
	h, store := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/reviews/api/7", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}

	body := `{"run_id":"r1","findings":[]}`
	if err := store.SaveReview(context.Background(), storage.ReviewRecord{RunID: "r1", Repo: "api", PRID: "7", BodyJSON: body}); err != nil {
		t.Fatalf("SaveReview: %v", err)
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/reviews/api/7", "", testToken))
	if rr.Code != http.StatusOK || rr.Body.String() != body {
		t.Errorf("GET review = %d %s", rr.Code, rr.Body.String())
	}
}

func TestRecentRuns(t *testing.T) {
	h, store := setupHandler(t, testToken)
	for _, id := range []string{"r1", "r2"} {
		if err := store.RecordRun(context.Background(), storage.MetricsRecord{RunID: id, Repo: "api", PRID: "7", Duration: time.Second}); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/runs?repo=api&limit=1", "", testToken))
	var runs []storage.MetricsRecord
	if err := json.NewDecoder(rr.Body).Decode(&runs); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("got %d runs, want 1", len(runs))
	}
}

func TestHealth(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}
