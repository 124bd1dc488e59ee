package requirements

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"
)

const fetchConcurrency = 4

var urlToken = regexp.MustCompile(`\S+`)

// Patterns are the reference extractors. Ticket matches a ticket key; Page
// matches a wiki page URL and captures the page id in its first group.
type Patterns struct {
	Ticket *regexp.Regexp
	Page   *regexp.Regexp
}

// DefaultPatterns matches Jira-style keys and Confluence page URLs.
func DefaultPatterns() Patterns {
	return Patterns{
		Ticket: regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`),
		Page:   regexp.MustCompile(`/pages/(\d+)\b`),
	}
}

// CompilePatterns builds Patterns from expressions, falling back to the
// defaults for empty ones.
func CompilePatterns(ticket, page string) (Patterns, error) {
	p := DefaultPatterns()
	if ticket != "" {
		re, err := regexp.Compile(ticket)
		if err != nil {
			return Patterns{}, fmt.Errorf("ticket pattern: %w", err)
		}
		p.Ticket = re
	}
	if page != "" {
		re, err := regexp.Compile(page)
		if err != nil {
			return Patterns{}, fmt.Errorf("page pattern: %w", err)
		}
		if re.NumSubexp() < 1 {
			return Patterns{}, fmt.Errorf("page pattern %q must capture the page id", page)
		}
		p.Page = re
	}
	return p, nil
}

// Linker resolves the requirement documents a pull request references.
type Linker struct {
	patterns Patterns
	sources  map[Kind]Source
	logger   *slog.Logger
}

// NewLinker creates a Linker. Sources without an entry in the map leave
// their references unresolved.
func NewLinker(sources map[Kind]Source, patterns Patterns) *Linker {
	return &Linker{patterns: patterns, sources: sources, logger: slog.Default()}
}

// Extract returns the references in meta in first-seen order: branch name
// first, then title, then description. Duplicates are dropped.
func (l *Linker) Extract(meta Meta) []Reference {
	var out []Reference
	seen := map[Reference]bool{}
	add := func(r Reference) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, text := range []string{meta.BranchName, meta.Title, meta.Description} {
		if text == "" {
			continue
		}
		for _, m := range l.patterns.Page.FindAllStringSubmatch(text, -1) {
			add(Reference{Kind: KindWikiPage, ID: m[1]})
		}
		// Page URLs often carry ticket-like slugs; strip whole URLs first.
		plain := urlToken.ReplaceAllStringFunc(text, func(tok string) string {
			if l.patterns.Page.MatchString(tok) {
				return " "
			}
			return tok
		})
		for _, key := range l.patterns.Ticket.FindAllString(plain, -1) {
			add(Reference{Kind: KindTicket, ID: key})
		}
	}
	return out
}

// Link fetches every referenced document. Unresolvable references are
// dropped and reported as warnings. Wiki pages linked from a resolved
// ticket are fetched too.
func (l *Linker) Link(ctx context.Context, meta Meta) ([]Doc, []Warning) {
	refs := l.Extract(meta)
	seen := map[Reference]bool{}
	for _, r := range refs {
		seen[r] = true
	}

	docs, warnings := l.fetchAll(ctx, refs)

	var linked []Reference
	for _, d := range docs {
		if d.Kind != KindTicket {
			continue
		}
		rl, ok := l.sources[KindTicket].(RemoteLinker)
		if !ok {
			break
		}
		pages, err := rl.LinkedPages(ctx, d.SourceID)
		if err != nil {
			l.logger.Debug("remote links unavailable", "ticket", d.SourceID, "error", err)
			continue
		}
		for _, p := range pages {
			if !seen[p] {
				seen[p] = true
				linked = append(linked, p)
			}
		}
	}
	if len(linked) > 0 {
		more, w := l.fetchAll(ctx, linked)
		docs = append(docs, more...)
		warnings = append(warnings, w...)
	}

	for _, w := range warnings {
		l.logger.Warn("requirement dropped", "reference", w.Reference.String(), "reason", w.Reason)
	}
	return docs, warnings
}

func (l *Linker) fetchAll(ctx context.Context, refs []Reference) ([]Doc, []Warning) {
	docs := make([]*Doc, len(refs))
	warns := make([]*Warning, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			src, ok := l.sources[ref.Kind]
			if !ok || src == nil {
				warns[i] = &Warning{Reference: ref, Reason: "no source configured for " + string(ref.Kind)}
				return nil
			}
			d, err := src.Fetch(gctx, ref)
			if err != nil {
				warns[i] = &Warning{Reference: ref, Reason: err.Error()}
				return nil
			}
			if strings.TrimSpace(d.Text) == "" && strings.TrimSpace(d.Title) == "" {
				warns[i] = &Warning{Reference: ref, Reason: "empty document"}
				return nil
			}
			docs[i] = &d
			return nil
		})
	}
	_ = g.Wait()

	var outDocs []Doc
	var outWarns []Warning
	for i := range refs {
		if docs[i] != nil {
			outDocs = append(outDocs, *docs[i])
		}
		if warns[i] != nil {
			outWarns = append(outWarns, *warns[i])
		}
	}
	return outDocs, outWarns
}
