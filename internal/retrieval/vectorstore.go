package retrieval

import (
	"context"
	"time"
)

// Record kinds.
const (
	KindCode        = "code"
	KindRequirement = "requirement"
)

// VectorStore is the capability for namespaced vector storage and similarity
// search. Namespaces isolate repositories from each other. The default
// implementation is SQLiteStore; the in-memory index view offers the same
// search semantics.
type VectorStore interface {
	// Upsert inserts or replaces records by ID within the namespace.
	Upsert(ctx context.Context, namespace string, records []Record) error

	// Query returns the topK records most similar to vector. Records for
	// which keep returns false are skipped; a nil keep keeps everything.
	Query(ctx context.Context, namespace string, vector []float32, topK int, keep func(Record) bool) ([]ScoredRecord, error)

	// Delete removes records by ID. Missing IDs are ignored.
	Delete(ctx context.Context, namespace string, ids []string) error

	// List returns every record in the namespace.
	List(ctx context.Context, namespace string) ([]Record, error)
}

// Searcher answers similarity queries over a fixed set of records.
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int, keep func(Record) bool) ([]ScoredRecord, error)
}

// Record is one indexed code chunk or requirement document.
type Record struct {
	ID          string
	Kind        string // KindCode or KindRequirement
	Path        string // file path, or source id for requirements
	Symbol      string // function or class name, or requirement title
	StartLine   int
	EndLine     int
	ContentHash string
	Scope       string // owning pull request for requirements, empty for code
	URL         string
	Content     string
	Embedding   []float32
	CreatedAt   time.Time
}

// Size is the tie-break weight of a record: bytes of content.
func (r Record) Size() int { return len(r.Content) }

// Overlaps reports whether the record covers any line in [start, end].
func (r Record) Overlaps(start, end int) bool {
	return r.StartLine <= end && start <= r.EndLine
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

// namespaceSearcher binds a VectorStore namespace to the Searcher interface.
type namespaceSearcher struct {
	store     VectorStore
	namespace string
}

// Namespace returns a Searcher over one namespace of store.
func Namespace(store VectorStore, namespace string) Searcher {
	return namespaceSearcher{store: store, namespace: namespace}
}

func (n namespaceSearcher) Search(ctx context.Context, vector []float32, topK int, keep func(Record) bool) ([]ScoredRecord, error) {
	return n.store.Query(ctx, n.namespace, vector, topK, keep)
}
