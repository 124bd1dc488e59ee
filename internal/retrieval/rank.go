package retrieval

import (
	"container/heap"
	"context"
	"math"
	"sort"
)

// better reports whether a ranks ahead of b: higher score, then larger
// content, then lexicographically earlier path, then lower start line, then ID.
func better(a, b ScoredRecord) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Size() != b.Size() {
		return a.Size() > b.Size()
	}
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	if a.StartLine != b.StartLine {
		return a.StartLine < b.StartLine
	}
	return a.ID < b.ID
}

// topK keeps the k best records seen so far.
type topK struct {
	k int
	h scoredHeap
}

func newTopK(k int) *topK {
	t := &topK{k: k}
	heap.Init(&t.h)
	return t
}

func (t *topK) offer(r ScoredRecord) {
	if t.k <= 0 {
		return
	}
	if t.h.Len() < t.k {
		heap.Push(&t.h, r)
		return
	}
	if better(r, t.h[0]) {
		t.h[0] = r
		heap.Fix(&t.h, 0)
	}
}

// results returns the kept records best first.
func (t *topK) results() []ScoredRecord {
	out := make([]ScoredRecord, len(t.h))
	copy(out, t.h)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// Rank scores records against vector by cosine similarity and returns the
// topK best. Records with a different dimensionality than vector never match.
func Rank(ctx context.Context, records []Record, vector []float32, k int, keep func(Record) bool) ([]ScoredRecord, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 || k <= 0 {
		return nil, nil
	}
	t := newTopK(k)
	for i, r := range records {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(r.Embedding) != len(vector) {
			continue
		}
		if keep != nil && !keep(r) {
			continue
		}
		t.offer(ScoredRecord{Record: r, Score: cosine(vector, r.Embedding, queryNorm)})
	}
	return t.results(), nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2
// norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// scoredHeap is a min-heap with the worst-ranked record at the root.
type scoredHeap []ScoredRecord

func (h scoredHeap) Len() int            { return len(h) }
func (h scoredHeap) Less(i, j int) bool  { return better(h[j], h[i]) }
func (h scoredHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x interface{}) { *h = append(*h, x.(ScoredRecord)) }
func (h *scoredHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
