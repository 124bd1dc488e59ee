package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/sentinel/internal/pipeline"
	"github.com/kalambet/sentinel/internal/storage"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL:    serverURL(cfg.Server),
		token:      cfg.Server.Token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is sentinel running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// submitEvent queues ev on the server and returns the job id.
func (c *apiClient) submitEvent(ctx context.Context, ev pipeline.Event) (string, error) {
	resp, err := c.post(ctx, "/v1/events", ev)
	if err != nil {
		return "", err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["job_id"], nil
}

func (c *apiClient) sendFeedback(ctx context.Context, commentID string, rating int) error {
	resp, err := c.post(ctx, "/v1/feedback", map[string]any{
		"comment_id": commentID,
		"rating":     rating,
	})
	if err != nil {
		return err
	}
	var result map[string]string
	return decodeJSON(resp, &result)
}

func (c *apiClient) recentRuns(ctx context.Context, repo string, limit int) ([]storage.MetricsRecord, error) {
	q := url.Values{}
	if repo != "" {
		q.Set("repo", repo)
	}
	q.Set("limit", strconv.Itoa(limit))
	resp, err := c.get(ctx, "/v1/runs?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var runs []storage.MetricsRecord
	if err := decodeJSON(resp, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *apiClient) latestReview(ctx context.Context, repo, prID string) (json.RawMessage, error) {
	resp, err := c.get(ctx, "/v1/reviews/"+url.PathEscape(repo)+"/"+url.PathEscape(prID))
	if err != nil {
		return nil, err
	}
	var body json.RawMessage
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
