package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/kalambet/sentinel/internal/config"
	"github.com/kalambet/sentinel/internal/pipeline"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points the CLI's API client at ts for the rest of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	prev := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = prev })
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	noColor = true
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestFeedbackCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/feedback": `{"status":"recorded"}`,
	})
	useServer(t, ts)

	if _, err := execute(t, "feedback", "c-123", "3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/v1/feedback" {
		t.Errorf("request = %s %s, want POST /v1/feedback", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["comment_id"] != "c-123" || body["rating"] != float64(3) {
		t.Errorf("body = %v", body)
	}
}

func TestFeedbackCommand_InvalidRating(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts)

	for _, rating := range []string{"0", "4", "great"} {
		if _, err := execute(t, "feedback", "c-123", rating); err == nil {
			t.Errorf("rating %q: expected error", rating)
		}
	}
	if len(ts.requests) != 0 {
		t.Errorf("invalid ratings reached the server: %+v", ts.requests)
	}
}

func TestFeedbackCommand_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts)

	_, err := execute(t, "feedback", "missing", "2")
	if err == nil {
		t.Fatal("expected error from 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention 404", err.Error())
	}
}

func TestParseRating(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1", 1, false},
		{"3", 3, false},
		{"0", 0, true},
		{"4", 0, true},
		{"two", 0, true},
	}
	for _, tc := range cases {
		got, err := parseRating(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("parseRating(%q) = %d, %v", tc.in, got, err)
		}
	}
}

func TestRunsCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/runs": `[
			{"run_id":"0123456789abcdef","repo":"api","pr_id":"7","duration_ns":1500000000,"prompt_tokens":100,"completion_tokens":20,"files_processed":2,"findings":3},
			{"run_id":"fedcba9876543210","repo":"api","pr_id":"8","duration_ns":0,"findings":0,"degraded":"docs: model invocation failed"}
		]`,
	})
	useServer(t, ts)

	out, err := execute(t, "runs", "--repo", "api", "--limit", "5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ts.requests[0].Path != "/v1/runs?limit=5&repo=api" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "01234567  api #7  3 findings  2 files  120 tokens  1.5s") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "degraded") {
		t.Errorf("line 1 = %q, want degraded marker", lines[1])
	}
}

func TestReviewRun_Submit(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/events": `{"job_id":"job-1","status":"queued"}`,
	})
	useServer(t, ts)

	dir := t.TempDir()
	diffPath := filepath.Join(dir, "pr.diff")
	diffText := "--- a/a.py\n+++ b/a.py\n@@ -1 +1 @@\n-x = 1\n+x = 2\n"
	if err := os.WriteFile(diffPath, []byte(diffText), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "review", "run", "--repo", "api", "--pr", "42", "--repo-path", dir,
		"--diff", diffPath, "--title", "PROJ-1 fix rounding", "--updated", "--submit")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	var ev pipeline.Event
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &ev); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if ev.Repo != "api" || ev.PRID != "42" || ev.RepoPath != dir {
		t.Errorf("event = %+v", ev)
	}
	if ev.Kind != pipeline.EventSourceBranchUpdated {
		t.Errorf("kind = %q, want %q", ev.Kind, pipeline.EventSourceBranchUpdated)
	}
	if ev.Diff != diffText || ev.Title != "PROJ-1 fix rounding" {
		t.Errorf("diff/title not carried: %+v", ev)
	}
	if ev.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped")
	}
}

func TestEventFromFlags_Stdin(t *testing.T) {
	cmd := &cobra.Command{}
	addEventFlags(cmd)
	dir := t.TempDir()
	if err := cmd.ParseFlags([]string{"--repo", "api", "--pr", "7", "--repo-path", dir, "--diff", "-"}); err != nil {
		t.Fatal(err)
	}

	ev, err := eventFromFlags(cmd, strings.NewReader("diff text"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Diff != "diff text" || ev.Kind != pipeline.EventOpened {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventFromFlags_MissingPR(t *testing.T) {
	cmd := &cobra.Command{}
	addEventFlags(cmd)
	if err := cmd.ParseFlags([]string{"--repo", "api"}); err != nil {
		t.Fatal(err)
	}
	if _, err := eventFromFlags(cmd, strings.NewReader("")); err == nil {
		t.Fatal("expected validation error for missing pull request id")
	}
}

func TestReviewShow(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/reviews/api/7": `{"run_id":"r1","repository_id":"api","pull_request_id":"7","summary":"1 finding","comments":[{"file":"a.py","body":"add a test"}]}`,
	})
	useServer(t, ts)

	out, err := execute(t, "review", "show", "api", "7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "# Review r1 (api #7)") || !strings.Contains(out, "## a.py") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Cleanup(func() { configPath = "" })

	if _, err := execute(t, "--config", path, "config", "set", "server.port", "5050"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 5050 {
		t.Errorf("port = %d, want 5050", cfg.Server.Port)
	}

	if _, err := execute(t, "--config", path, "config", "set", "server.token", "secret"); err == nil {
		t.Error("expected error when setting a secret")
	}
}

func TestServerURL(t *testing.T) {
	cases := map[string]string{
		"":          "http://127.0.0.1:4000",
		"0.0.0.0":   "http://127.0.0.1:4000",
		"10.0.0.5":  "http://10.0.0.5:4000",
		"localhost": "http://localhost:4000",
	}
	for host, want := range cases {
		if got := serverURL(config.ServerConfig{Host: host, Port: 4000}); got != want {
			t.Errorf("serverURL(%q) = %q, want %q", host, got, want)
		}
	}
}
