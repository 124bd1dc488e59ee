// Package requirements links a pull request to the tickets and wiki pages
// it references and fetches their text.
package requirements

import (
	"context"
	"errors"
)

// ErrUnresolved is returned by a Source when a reference cannot be fetched:
// not found, forbidden or timed out.
var ErrUnresolved = errors.New("requirement unresolved")

// Kind is the type of requirement source.
type Kind string

const (
	KindTicket   Kind = "ticket"
	KindWikiPage Kind = "wiki_page"
)

// Doc is the text of one ticket or wiki page.
type Doc struct {
	SourceID    string
	Kind        Kind
	ContentHash string
	URL         string
	Title       string
	Text        string
}

// Reference is an extracted pointer to a requirement.
type Reference struct {
	Kind Kind
	ID   string // ticket key or wiki page id
}

func (r Reference) String() string { return string(r.Kind) + ":" + r.ID }

// Source fetches requirement documents of one kind.
type Source interface {
	Fetch(ctx context.Context, ref Reference) (Doc, error)
}

// RemoteLinker is implemented by sources that know about wiki pages linked
// from a ticket.
type RemoteLinker interface {
	LinkedPages(ctx context.Context, ticketKey string) ([]Reference, error)
}

// Warning records a reference that was dropped.
type Warning struct {
	Reference Reference
	Reason    string
}

// Meta is the pull-request text that references are extracted from.
type Meta struct {
	Title       string
	Description string
	BranchName  string
}
