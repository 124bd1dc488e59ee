package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/kalambet/sentinel/internal/pysrc"
	"github.com/kalambet/sentinel/internal/requirements"
	"github.com/kalambet/sentinel/internal/retrieval"
)

// ErrIndexCorruption marks entries that cannot be used with the current
// embedding model. They are evicted and rebuilt.
var ErrIndexCorruption = errors.New("index corruption")

// requirementChunkBytes bounds the text embedded per requirement entry.
const requirementChunkBytes = 2000

// Delta summarises one index update.
type Delta struct {
	Added   int // entries inserted, including Reused
	Reused  int // inserted entries whose embedding already existed
	Pruned  int
	Evicted int
	// Failed counts chunks whose embedding was unavailable. They are left
	// out of the index and retried on the next update.
	Failed      int
	FailedPaths []string
	Version     uint64
}

// Empty reports whether the update changed nothing.
func (d Delta) Empty() bool {
	return d.Added == 0 && d.Pruned == 0 && d.Evicted == 0 && d.Failed == 0
}

// UpdateOptions controls an index update.
type UpdateOptions struct {
	// Partial limits additions and pruning to the snapshot's paths.
	Partial bool
}

// Indexer owns the per-repository indexes. Writes to one repository are
// serialized; readers use the published View.
type Indexer struct {
	store    retrieval.VectorStore
	embedder *retrieval.Embedder
	logger   *slog.Logger

	mu    sync.Mutex
	repos map[string]*repoIndex
}

type repoIndex struct {
	writeMu sync.Mutex
	loaded  bool
	view    atomic.Pointer[View]
}

// New creates an Indexer. A nil store keeps indexes in memory only.
func New(store retrieval.VectorStore, embedder *retrieval.Embedder) *Indexer {
	return &Indexer{
		store:    store,
		embedder: embedder,
		logger:   slog.Default(),
		repos:    make(map[string]*repoIndex),
	}
}

func (ix *Indexer) repo(name string) *repoIndex {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ri, ok := ix.repos[name]
	if !ok {
		ri = &repoIndex{}
		ri.view.Store(newView(name, 0, map[string]retrieval.Record{}))
		ix.repos[name] = ri
	}
	return ri
}

// View returns the current view of repo, loading it from the store on
// first use.
func (ix *Indexer) View(ctx context.Context, repo string) (*View, error) {
	ri := ix.repo(repo)
	ri.writeMu.Lock()
	defer ri.writeMu.Unlock()
	if err := ix.ensureLoaded(ctx, repo, ri); err != nil {
		return nil, err
	}
	return ri.view.Load(), nil
}

// ensureLoaded must be called with ri.writeMu held.
func (ix *Indexer) ensureLoaded(ctx context.Context, repo string, ri *repoIndex) error {
	if ri.loaded {
		return nil
	}
	byID := map[string]retrieval.Record{}
	if ix.store != nil {
		recs, err := ix.store.List(ctx, repo)
		if err != nil {
			return fmt.Errorf("loading index for %s: %w", repo, err)
		}
		for _, r := range recs {
			byID[r.ID] = r
			ix.embedder.Seed(r.ContentHash, r.Embedding)
		}
	}
	ri.view.Store(newView(repo, 0, byID))
	ri.loaded = true
	return nil
}

// Query embeds text and returns the topK nearest entries of repo. A repo
// not yet loaded in this process is searched in the store directly rather
// than loaded into memory.
func (ix *Indexer) Query(ctx context.Context, repo, text string, topK int) ([]retrieval.ScoredRecord, error) {
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	ri := ix.repo(repo)
	ri.writeMu.Lock()
	if ri.loaded || ix.store == nil {
		v := ri.view.Load()
		ri.writeMu.Unlock()
		return v.Search(ctx, vec, topK, nil)
	}
	// Holding writeMu keeps updates from interleaving with the scan.
	defer ri.writeMu.Unlock()
	return retrieval.Namespace(ix.store, repo).Search(ctx, vec, topK, nil)
}

// Update brings repo's code entries in line with snap. Chunks whose content
// is already indexed are not re-embedded; entries whose source is gone are
// pruned. Re-running on an unchanged snapshot yields an empty Delta.
func (ix *Indexer) Update(ctx context.Context, repo string, snap Snapshot, opts UpdateOptions) (Delta, error) {
	ri := ix.repo(repo)
	ri.writeMu.Lock()
	defer ri.writeMu.Unlock()
	if err := ix.ensureLoaded(ctx, repo, ri); err != nil {
		return Delta{}, err
	}

	cur := ri.view.Load()
	next := cur.clone()
	var delta Delta
	var removed []string

	removed = append(removed, ix.evictMismatched(ctx, repo, next, &delta)...)
	known := hashIndex(next)

	desired := map[string]retrieval.Record{}
	keepPaths := map[string]bool{}
	for _, p := range snap.Paths() {
		if !IsPython(p) {
			continue
		}
		content := snap[p]
		if content == "" {
			continue
		}
		f, err := pysrc.Parse(ctx, []byte(content))
		if err != nil {
			if ctx.Err() != nil {
				return Delta{}, ctx.Err()
			}
			ix.logger.Warn("skipping unparsable file", "repo", repo, "path", p, "error", err)
			keepPaths[p] = true
			continue
		}
		for _, c := range f.Chunks() {
			r := chunkRecord(p, c)
			desired[r.ID] = r
		}
	}

	for id, r := range next {
		if r.Kind != retrieval.KindCode {
			continue
		}
		if opts.Partial {
			if _, inSnap := snap[r.Path]; !inSnap {
				continue
			}
		}
		if keepPaths[r.Path] {
			continue
		}
		if _, ok := desired[id]; !ok {
			delete(next, id)
			removed = append(removed, id)
			delta.Pruned++
		}
	}

	var pending []retrieval.Record
	for id, r := range desired {
		if _, ok := next[id]; !ok {
			pending = append(pending, r)
		}
	}
	added, reused, failed, err := ix.embedRecords(ctx, known, pending)
	if err != nil {
		return Delta{}, err
	}
	for _, r := range added {
		next[r.ID] = r
	}
	delta.Added = len(added)
	delta.Reused = reused
	delta.Failed = len(failed)
	delta.FailedPaths = failed

	return ix.publish(ctx, repo, ri, cur, next, added, removed, delta)
}

// UpsertRequirements indexes the requirement docs linked to scope (one pull
// request) and prunes docs previously linked to that scope but no longer in
// the set.
func (ix *Indexer) UpsertRequirements(ctx context.Context, repo, scope string, docs []requirements.Doc) (Delta, error) {
	ri := ix.repo(repo)
	ri.writeMu.Lock()
	defer ri.writeMu.Unlock()
	if err := ix.ensureLoaded(ctx, repo, ri); err != nil {
		return Delta{}, err
	}

	cur := ri.view.Load()
	next := cur.clone()
	var delta Delta
	removed := ix.evictMismatched(ctx, repo, next, &delta)
	known := hashIndex(next)

	desired := map[string]retrieval.Record{}
	for _, d := range docs {
		for _, r := range requirementRecords(scope, d) {
			desired[r.ID] = r
		}
	}
	for id, r := range next {
		if r.Kind == retrieval.KindRequirement && r.Scope == scope {
			if _, ok := desired[id]; !ok {
				delete(next, id)
				removed = append(removed, id)
				delta.Pruned++
			}
		}
	}

	var pending []retrieval.Record
	for id, r := range desired {
		if _, ok := next[id]; !ok {
			pending = append(pending, r)
		}
	}
	added, reused, failed, err := ix.embedRecords(ctx, known, pending)
	if err != nil {
		return Delta{}, err
	}
	for _, r := range added {
		next[r.ID] = r
	}
	delta.Added = len(added)
	delta.Reused = reused
	delta.Failed = len(failed)
	delta.FailedPaths = failed

	return ix.publish(ctx, repo, ri, cur, next, added, removed, delta)
}

// evictMismatched drops entries whose dimensionality differs from the
// embedding model's. It returns the evicted IDs.
func (ix *Indexer) evictMismatched(ctx context.Context, repo string, next map[string]retrieval.Record, delta *Delta) []string {
	if len(next) == 0 {
		return nil
	}
	dims, err := ix.embedder.Dimensions(ctx)
	if err != nil {
		ix.logger.Warn("embedding dimensions unknown, skipping integrity check", "repo", repo, "error", err)
		return nil
	}
	var evicted []string
	for id, r := range next {
		if len(r.Embedding) != dims {
			delete(next, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		delta.Evicted = len(evicted)
		ix.logger.Warn("evicting index entries",
			"repo", repo, "count", len(evicted), "error", fmt.Errorf("%w: expected %d dimensions", ErrIndexCorruption, dims))
	}
	return evicted
}

func hashIndex(records map[string]retrieval.Record) map[string][]float32 {
	byHash := make(map[string][]float32, len(records))
	for _, r := range records {
		byHash[r.ContentHash] = r.Embedding
	}
	return byHash
}

// embedRecords fills embeddings for pending records, reusing known vectors
// for the same content hash. It returns the records ready to insert, how
// many reused a known vector, and the paths of records whose embedding was
// unavailable.
func (ix *Indexer) embedRecords(ctx context.Context, byHash map[string][]float32, pending []retrieval.Record) ([]retrieval.Record, int, []string, error) {
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	var ready []retrieval.Record
	var texts []string
	var toEmbed []retrieval.Record
	reused := 0
	for _, r := range pending {
		if vec, ok := byHash[r.ContentHash]; ok {
			r.Embedding = vec
			ready = append(ready, r)
			reused++
			continue
		}
		toEmbed = append(toEmbed, r)
		texts = append(texts, r.Content)
	}

	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil && vecs == nil && len(texts) > 0 {
		return nil, 0, nil, err
	}
	var failed []string
	seenFailed := map[string]bool{}
	now := time.Now().UTC()
	for i, r := range toEmbed {
		if vecs[i] == nil {
			if !seenFailed[r.Path] {
				seenFailed[r.Path] = true
				failed = append(failed, r.Path)
			}
			continue
		}
		r.Embedding = vecs[i]
		r.CreatedAt = now
		ready = append(ready, r)
	}
	if len(failed) > 0 {
		ix.logger.Warn("context unavailable for some chunks", "files", len(failed), "error", err)
	}
	return ready, reused, failed, nil
}

// publish persists the change and swaps in the next view. Must be called
// with the repository's write lock held.
func (ix *Indexer) publish(ctx context.Context, repo string, ri *repoIndex, cur *View, next map[string]retrieval.Record, added []retrieval.Record, removed []string, delta Delta) (Delta, error) {
	if len(added) == 0 && len(removed) == 0 {
		delta.Version = cur.Version()
		return delta, nil
	}
	if ix.store != nil {
		if err := ix.store.Delete(ctx, repo, removed); err != nil {
			return Delta{}, fmt.Errorf("pruning index entries: %w", err)
		}
		if err := ix.store.Upsert(ctx, repo, added); err != nil {
			return Delta{}, fmt.Errorf("storing index entries: %w", err)
		}
	}
	v := newView(repo, cur.Version()+1, next)
	ri.view.Store(v)
	delta.Version = v.Version()
	ix.logger.Debug("index updated", "repo", repo, "version", v.Version(),
		"added", delta.Added, "reused", delta.Reused, "pruned", delta.Pruned, "evicted", delta.Evicted, "failed", delta.Failed)
	return delta, nil
}

func chunkRecord(path string, c pysrc.Chunk) retrieval.Record {
	hash := retrieval.ContentHash(c.Content)
	return retrieval.Record{
		ID:          fmt.Sprintf("%s:%d:%s", path, c.StartLine, hash[:12]),
		Kind:        retrieval.KindCode,
		Path:        path,
		Symbol:      c.Symbol,
		StartLine:   c.StartLine,
		EndLine:     c.EndLine,
		ContentHash: hash,
		Content:     c.Content,
	}
}

func requirementRecords(scope string, d requirements.Doc) []retrieval.Record {
	var out []retrieval.Record
	for i, part := range splitText(d.Text, requirementChunkBytes) {
		content := d.Title + "\n\n" + part
		hash := retrieval.ContentHash(content)
		out = append(out, retrieval.Record{
			ID:          fmt.Sprintf("req:%s:%s:%s:%d:%s", scope, d.Kind, d.SourceID, i, hash[:12]),
			Kind:        retrieval.KindRequirement,
			Path:        d.SourceID,
			Symbol:      d.Title,
			ContentHash: hash,
			Scope:       scope,
			URL:         d.URL,
			Content:     content,
		})
	}
	return out
}

// splitText cuts text into pieces of at most limit bytes, preferring
// paragraph then line boundaries.
func splitText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return []string{text}
	}
	var out []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n\n")
		if cut <= 0 {
			cut = strings.LastIndex(text[:limit], "\n")
		}
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		out = append(out, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
