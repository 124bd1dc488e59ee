package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/sentinel/internal/retrieval"
	"github.com/kalambet/sentinel/internal/storage"
)

const maxSnippetRunes = 1200

// IndexSearcher abstracts semantic search over a repository index.
type IndexSearcher interface {
	Query(ctx context.Context, repo, text string, topK int) ([]retrieval.ScoredRecord, error)
}

// ReviewReader returns delivered reviews.
type ReviewReader interface {
	LatestReview(ctx context.Context, repo, prID string) (storage.ReviewRecord, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Index    IndexSearcher
	Feedback FeedbackStore
	Reviews  ReviewReader // optional; get_review is not registered when nil
	Version  string
}

// NewMCPServer creates an MCP server exposing the review index and the
// feedback recorder.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"sentinel",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("sentinel reviews Python pull requests. Search a repository's review index or rate review comments."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_index",
			mcp.WithDescription("Semantically search a repository's code and linked requirement index."),
			mcp.WithString("repo", mcp.Description("Repository id"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Code or text to search for"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchIndex(deps),
	)

	s.AddTool(
		mcp.NewTool("record_feedback",
			mcp.WithDescription("Rate a review comment from 1 (not useful) to 3 (very useful)."),
			mcp.WithString("comment_id", mcp.Description("Comment id shown in the review"), mcp.Required()),
			mcp.WithNumber("rating", mcp.Description("Rating from 1 to 3"), mcp.Required()),
		),
		mcpRecordFeedback(deps),
	)

	if deps.Reviews != nil {
		s.AddTool(
			mcp.NewTool("get_review",
				mcp.WithDescription("Return the latest delivered review of a pull request as JSON."),
				mcp.WithString("repo", mcp.Description("Repository id"), mcp.Required()),
				mcp.WithString("pr_id", mcp.Description("Pull request id"), mcp.Required()),
			),
			mcpGetReview(deps),
		)
	}

	return s
}

type searchResult struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind"`
	Path      string  `json:"path"`
	Symbol    string  `json:"symbol,omitempty"`
	StartLine int     `json:"start_line,omitempty"`
	EndLine   int     `json:"end_line,omitempty"`
	URL       string  `json:"url,omitempty"`
	Score     float32 `json:"score"`
	Content   string  `json:"content"`
}

func mcpSearchIndex(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repo, err := req.RequireString("repo")
		if err != nil {
			return mcpError("repo is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		matches, err := deps.Index.Query(ctx, repo, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(matches) == 0 {
			return mcpText("[]"), nil
		}

		results := make([]searchResult, len(matches))
		for i, m := range matches {
			results[i] = searchResult{
				ID:        m.ID,
				Kind:      m.Kind,
				Path:      m.Path,
				Symbol:    m.Symbol,
				StartLine: m.StartLine,
				EndLine:   m.EndLine,
				URL:       m.URL,
				Score:     m.Score,
				Content:   snippet(m.Content),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecordFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		commentID, err := req.RequireString("comment_id")
		if err != nil {
			return mcpError("comment_id is required"), nil
		}
		rating, err := req.RequireInt("rating")
		if err != nil {
			return mcpError("rating is required"), nil
		}

		if _, err := recordFeedback(ctx, Deps{Feedback: deps.Feedback}, FeedbackRequest{CommentID: commentID, Rating: rating}); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Recorded rating %d for comment %s", rating, commentID)), nil
	}
}

func mcpGetReview(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repo, err := req.RequireString("repo")
		if err != nil {
			return mcpError("repo is required"), nil
		}
		prID, err := req.RequireString("pr_id")
		if err != nil {
			return mcpError("pr_id is required"), nil
		}

		rec, err := deps.Reviews.LatestReview(ctx, repo, prID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no review for %s #%s", repo, prID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get review: %v", err)), nil
		}
		return mcpText(rec.BodyJSON), nil
	}
}

func snippet(s string) string {
	if utf8.RuneCountInString(s) <= maxSnippetRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxSnippetRunes]) + "..."
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
