package requirements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/sentinel/internal/retrieval"
)

// Credentials authenticate against Jira or Confluence. With a user the
// token is sent as a basic-auth password; without one it is a bearer
// personal access token.
type Credentials struct {
	User  string
	Token string
}

// restClient is the shared JSON-over-HTTP plumbing of the sources.
type restClient struct {
	baseURL string
	creds   Credentials
	http    *http.Client
}

func newRESTClient(baseURL string, creds Credentials, timeout time.Duration) restClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return restClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Timeout: timeout},
	}
}

// getJSON fetches path and decodes the body into out. Not-found, auth
// failures and timeouts are reported as ErrUnresolved.
func (c restClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case c.creds.User != "":
		req.SetBasicAuth(c.creds.User, c.creds.Token)
	case c.creds.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.creds.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var ne interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return fmt.Errorf("%w: timeout fetching %s", ErrUnresolved, path)
		}
		return fmt.Errorf("fetching %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s returned %d", ErrUnresolved, path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fetching %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func finish(d Doc) Doc {
	d.Text = strings.TrimSpace(d.Text)
	d.ContentHash = retrieval.ContentHash(d.Title + "\n\n" + d.Text)
	return d
}
