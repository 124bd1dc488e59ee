package requirements

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// ConfluenceSource fetches wiki pages from Confluence Cloud (v2 API).
type ConfluenceSource struct {
	client restClient
}

var _ Source = (*ConfluenceSource)(nil)

// NewConfluenceSource creates a source for the Confluence site at baseURL,
// e.g. https://example.atlassian.net.
func NewConfluenceSource(baseURL string, creds Credentials, timeout time.Duration) *ConfluenceSource {
	return &ConfluenceSource{client: newRESTClient(baseURL, creds, timeout)}
}

type confluencePage struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

// Fetch returns the page title and its body as plain text.
func (s *ConfluenceSource) Fetch(ctx context.Context, ref Reference) (Doc, error) {
	if ref.Kind != KindWikiPage {
		return Doc{}, fmt.Errorf("confluence cannot fetch %s", ref)
	}
	var page confluencePage
	path := "/wiki/api/v2/pages/" + url.PathEscape(ref.ID) + "?body-format=storage"
	if err := s.client.getJSON(ctx, path, &page); err != nil {
		return Doc{}, err
	}
	link := s.client.baseURL + "/wiki/pages/" + ref.ID
	if page.Links.WebUI != "" {
		link = s.client.baseURL + "/wiki" + page.Links.WebUI
	}
	return finish(Doc{
		SourceID: ref.ID,
		Kind:     KindWikiPage,
		URL:      link,
		Title:    page.Title,
		Text:     htmlText(page.Body.Storage.Value),
	}), nil
}

var blockTags = map[string]bool{
	"p": true, "br": true, "li": true, "tr": true, "div": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// htmlText flattens Confluence storage-format XHTML to text, one line per
// block element.
func htmlText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var sb strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseBlankLines(sb.String())
		case html.TextToken:
			sb.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			name, _ := z.TagName()
			if blockTags[string(name)] {
				sb.WriteString("\n")
			}
		}
	}
}

func collapseBlankLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
