package requirements

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// JiraSource fetches tickets from a Jira server.
type JiraSource struct {
	client restClient
	// pageURL matches wiki page links among a ticket's remote links.
	pageURL Patterns
}

var (
	_ Source       = (*JiraSource)(nil)
	_ RemoteLinker = (*JiraSource)(nil)
)

// NewJiraSource creates a source for the Jira instance at baseURL.
func NewJiraSource(baseURL string, creds Credentials, timeout time.Duration) *JiraSource {
	return &JiraSource{client: newRESTClient(baseURL, creds, timeout), pageURL: DefaultPatterns()}
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string          `json:"summary"`
		Description json.RawMessage `json:"description"`
	} `json:"fields"`
}

type jiraRemoteLink struct {
	Object struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"object"`
}

// Fetch returns the ticket's summary and description.
func (s *JiraSource) Fetch(ctx context.Context, ref Reference) (Doc, error) {
	if ref.Kind != KindTicket {
		return Doc{}, fmt.Errorf("jira cannot fetch %s", ref)
	}
	var issue jiraIssue
	if err := s.client.getJSON(ctx, "/rest/agile/1.0/issue/"+url.PathEscape(ref.ID), &issue); err != nil {
		return Doc{}, err
	}
	return finish(Doc{
		SourceID: ref.ID,
		Kind:     KindTicket,
		URL:      s.client.baseURL + "/browse/" + ref.ID,
		Title:    issue.Fields.Summary,
		Text:     descriptionText(issue.Fields.Description),
	}), nil
}

// LinkedPages returns the wiki pages attached to the ticket as remote links.
func (s *JiraSource) LinkedPages(ctx context.Context, ticketKey string) ([]Reference, error) {
	var links []jiraRemoteLink
	if err := s.client.getJSON(ctx, "/rest/api/2/issue/"+url.PathEscape(ticketKey)+"/remotelink", &links); err != nil {
		return nil, err
	}
	var out []Reference
	for _, l := range links {
		u, err := url.Parse(l.Object.URL)
		if err != nil {
			continue
		}
		path, _ := url.PathUnescape(u.Path)
		if m := s.pageURL.Page.FindStringSubmatch(path); m != nil {
			out = append(out, Reference{Kind: KindWikiPage, ID: m[1]})
		}
	}
	return out, nil
}

// descriptionText accepts both the plain-text description of the v2 API and
// the document tree of the v3 API.
func descriptionText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var node adfNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return ""
	}
	var sb strings.Builder
	node.text(&sb)
	return sb.String()
}

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

func (n adfNode) text(sb *strings.Builder) {
	if n.Text != "" {
		sb.WriteString(n.Text)
	}
	for _, c := range n.Content {
		c.text(sb)
	}
	switch n.Type {
	case "paragraph", "heading", "listItem", "codeBlock", "hardBreak":
		sb.WriteString("\n")
	}
}
