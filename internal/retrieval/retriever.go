package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetrievalTimeout is returned when a vector query exceeds the configured
// retrieval timeout.
var ErrRetrievalTimeout = errors.New("retrieval timed out")

// Region is a changed span of a file whose context is being retrieved.
type Region struct {
	Path      string
	StartLine int
	EndLine   int
	Text      string
}

// Result is the ranked context for one region, best match first.
type Result struct {
	Region  Region
	Matches []ScoredRecord
}

// RetrieverOptions tunes retrieval.
type RetrieverOptions struct {
	Timeout  time.Duration
	MinScore float32
}

// Retriever combines embedding and vector search to find relevant context.
type Retriever struct {
	embedder *Embedder
	opts     RetrieverOptions
}

// NewRetriever creates a Retriever backed by the given Embedder.
func NewRetriever(embedder *Embedder, opts RetrieverOptions) *Retriever {
	return &Retriever{embedder: embedder, opts: opts}
}

// Retrieve embeds the region's text and returns the topK nearest entries in
// view. The region's own prior version is never returned: entries of the
// same path that overlap its lines, or entries with identical content. An
// empty view yields an empty result.
func (r *Retriever) Retrieve(ctx context.Context, region Region, view Searcher, topK int) (Result, error) {
	res := Result{Region: region}
	vec, err := r.embedder.Embed(ctx, region.Text)
	if err != nil {
		return res, err
	}

	qctx := ctx
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	hash := ContentHash(region.Text)
	keep := func(rec Record) bool {
		if rec.ContentHash == hash {
			return false
		}
		return !(rec.Kind == KindCode && rec.Path == region.Path && rec.Overlaps(region.StartLine, region.EndLine))
	}

	matches, err := view.Search(qctx, vec, topK, keep)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return res, fmt.Errorf("%w after %s", ErrRetrievalTimeout, r.opts.Timeout)
		}
		return res, fmt.Errorf("searching index: %w", err)
	}

	for _, m := range matches {
		if m.Score < r.opts.MinScore {
			continue
		}
		res.Matches = append(res.Matches, m)
	}
	return res, nil
}
