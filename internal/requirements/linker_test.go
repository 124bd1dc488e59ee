package requirements

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	docs  map[string]Doc
	links map[string][]Reference
	calls []string
}

func (f *fakeSource) Fetch(_ context.Context, ref Reference) (Doc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ref.ID)
	d, ok := f.docs[ref.ID]
	if !ok {
		return Doc{}, errors.Join(ErrUnresolved, errors.New("not found"))
	}
	return d, nil
}

func (f *fakeSource) LinkedPages(_ context.Context, key string) ([]Reference, error) {
	return f.links[key], nil
}

func TestExtract_OrderAndDedupe(t *testing.T) {
	l := NewLinker(nil, DefaultPatterns())
	refs := l.Extract(Meta{
		BranchName:  "feature/PAY-12-refunds",
		Title:       "PAY-12: refunds, see OPS-7",
		Description: "Design doc: https://acme.atlassian.net/wiki/spaces/PAY/pages/98765/PAY-99+Design\nAlso PAY-12.",
	})
	assert.Equal(t, []Reference{
		{Kind: KindTicket, ID: "PAY-12"},
		{Kind: KindTicket, ID: "OPS-7"},
		{Kind: KindWikiPage, ID: "98765"},
	}, refs)
}

func TestExtract_NoReferences(t *testing.T) {
	l := NewLinker(nil, DefaultPatterns())
	assert.Empty(t, l.Extract(Meta{Title: "fix typo", Description: "lower-case abc-1 is not a key"}))
}

func TestCompilePatterns(t *testing.T) {
	p, err := CompilePatterns(`\bREQ\d+\b`, "")
	require.NoError(t, err)
	l := NewLinker(nil, p)
	assert.Equal(t, []Reference{{Kind: KindTicket, ID: "REQ42"}}, l.Extract(Meta{Title: "REQ42 and PAY-1"}))

	_, err = CompilePatterns("", `/pages/\d+`)
	assert.Error(t, err, "page pattern without capture group")

	_, err = CompilePatterns("(", "")
	assert.Error(t, err)
}

func TestLink_DropsUnresolvedWithWarning(t *testing.T) {
	jira := &fakeSource{docs: map[string]Doc{
		"PAY-12": finish(Doc{SourceID: "PAY-12", Kind: KindTicket, Title: "Refunds", Text: "Refunds must be idempotent."}),
	}}
	l := NewLinker(map[Kind]Source{KindTicket: jira}, DefaultPatterns())

	docs, warnings := l.Link(context.Background(), Meta{Title: "PAY-12 PAY-404", Description: "/pages/5"})
	require.Len(t, docs, 1)
	assert.Equal(t, "PAY-12", docs[0].SourceID)
	assert.NotEmpty(t, docs[0].ContentHash)

	require.Len(t, warnings, 2)
	assert.Equal(t, "PAY-404", warnings[0].Reference.ID)
	assert.Equal(t, KindWikiPage, warnings[1].Reference.Kind)
	assert.Contains(t, warnings[1].Reason, "no source configured")
}

func TestLink_FollowsRemoteLinks(t *testing.T) {
	jira := &fakeSource{
		docs:  map[string]Doc{"PAY-1": {SourceID: "PAY-1", Kind: KindTicket, Title: "t", Text: "x"}},
		links: map[string][]Reference{"PAY-1": {{Kind: KindWikiPage, ID: "10"}, {Kind: KindWikiPage, ID: "11"}}},
	}
	wiki := &fakeSource{docs: map[string]Doc{
		"10": {SourceID: "10", Kind: KindWikiPage, Title: "Design", Text: "body"},
		"11": {SourceID: "11", Kind: KindWikiPage, Title: "Plan", Text: "body"},
	}}
	l := NewLinker(map[Kind]Source{KindTicket: jira, KindWikiPage: wiki}, DefaultPatterns())

	docs, warnings := l.Link(context.Background(), Meta{Title: "PAY-1", Description: "see /pages/10"})
	assert.Empty(t, warnings)
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.SourceID)
	}
	assert.Equal(t, []string{"PAY-1", "10", "11"}, ids)
	assert.ElementsMatch(t, []string{"10", "11"}, wiki.calls, "page 10 fetched once")
}

func TestLink_EmptyDocumentIsDropped(t *testing.T) {
	jira := &fakeSource{docs: map[string]Doc{"PAY-2": {SourceID: "PAY-2", Kind: KindTicket}}}
	l := NewLinker(map[Kind]Source{KindTicket: jira}, DefaultPatterns())
	docs, warnings := l.Link(context.Background(), Meta{Title: "PAY-2"})
	assert.Empty(t, docs)
	require.Len(t, warnings, 1)
	assert.Equal(t, "empty document", warnings[0].Reason)
}
