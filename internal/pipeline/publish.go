package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/kalambet/sentinel/internal/storage"
)

// ReviewSaver stores delivered reviews.
type ReviewSaver interface {
	SaveReview(ctx context.Context, r storage.ReviewRecord) error
}

// StorePublisher keeps the latest review of every pull request so it can
// be fetched over the API.
type StorePublisher struct {
	saver ReviewSaver
}

// NewStorePublisher creates a StorePublisher.
func NewStorePublisher(saver ReviewSaver) *StorePublisher {
	return &StorePublisher{saver: saver}
}

func (p *StorePublisher) Publish(ctx context.Context, r Review) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding review: %w", err)
	}
	return p.saver.SaveReview(ctx, storage.ReviewRecord{
		RunID:     r.RunID,
		Repo:      r.Repo,
		PRID:      r.PRID,
		BodyJSON:  string(body),
		CreatedAt: r.Metrics.CreatedAt,
	})
}

// WriterPublisher prints reviews, as JSON or as markdown comment bodies.
type WriterPublisher struct {
	w    io.Writer
	json bool
}

// NewWriterPublisher creates a WriterPublisher.
func NewWriterPublisher(w io.Writer, asJSON bool) *WriterPublisher {
	return &WriterPublisher{w: w, json: asJSON}
}

func (p *WriterPublisher) Publish(_ context.Context, r Review) error {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	if _, err := fmt.Fprintf(p.w, "# Review %s (%s #%s)\n\n%s\n", r.RunID, r.Repo, r.PRID, r.Summary); err != nil {
		return err
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(p.w, "warning: %s\n", w)
	}
	for _, c := range r.Comments {
		if _, err := fmt.Fprintf(p.w, "\n## %s\n\n%s\n", c.File, c.Body); err != nil {
			return err
		}
	}
	return nil
}

// Publishers fans a review out to several publishers. Every publisher is
// tried; their errors are joined.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, r Review) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
