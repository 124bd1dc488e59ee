package index

import (
	"context"
	"sort"

	"github.com/kalambet/sentinel/internal/retrieval"
)

// View is an immutable version of one repository's index. Readers hold a
// View for the duration of a query and never observe a partial update.
type View struct {
	repo    string
	version uint64
	byID    map[string]retrieval.Record
	list    []retrieval.Record
}

func newView(repo string, version uint64, byID map[string]retrieval.Record) *View {
	list := make([]retrieval.Record, 0, len(byID))
	for _, r := range byID {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return &View{repo: repo, version: version, byID: byID, list: list}
}

// Repo returns the repository the view belongs to.
func (v *View) Repo() string { return v.repo }

// Version increases with every update that changed the index.
func (v *View) Version() uint64 { return v.version }

// Len returns the number of entries.
func (v *View) Len() int { return len(v.list) }

// Records returns the entries ordered by ID. The slice must not be modified.
func (v *View) Records() []retrieval.Record { return v.list }

// Get returns the entry with the given ID.
func (v *View) Get(id string) (retrieval.Record, bool) {
	r, ok := v.byID[id]
	return r, ok
}

// Search implements retrieval.Searcher.
func (v *View) Search(ctx context.Context, vector []float32, topK int, keep func(retrieval.Record) bool) ([]retrieval.ScoredRecord, error) {
	return retrieval.Rank(ctx, v.list, vector, topK, keep)
}

func (v *View) clone() map[string]retrieval.Record {
	out := make(map[string]retrieval.Record, len(v.byID))
	for k, r := range v.byID {
		out[k] = r
	}
	return out
}
