package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/sentinel/internal/api"
	"github.com/kalambet/sentinel/internal/config"
	"github.com/kalambet/sentinel/internal/engine"
	"github.com/kalambet/sentinel/internal/index"
	"github.com/kalambet/sentinel/internal/pgstore"
	"github.com/kalambet/sentinel/internal/pipeline"
	"github.com/kalambet/sentinel/internal/requirements"
	"github.com/kalambet/sentinel/internal/retrieval"
	"github.com/kalambet/sentinel/internal/review"
	"github.com/kalambet/sentinel/internal/storage"
)

// app is the assembled review service.
type app struct {
	cfg      config.Config
	store    *storage.Store
	pg       *pgstore.Recorder
	chat     engine.Engine
	embed    engine.Engine
	embedder *retrieval.Embedder
	indexer  *index.Indexer
	runner   *pipeline.Runner
}

// newApp opens storage and builds the review pipeline. Reviews are always
// kept in the SQLite store and additionally sent to extra.
func newApp(ctx context.Context, cfg config.Config, extra ...pipeline.Publisher) (*app, error) {
	linker, err := newLinker(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{cfg: cfg, store: store}

	a.chat, err = engine.New(engine.Backend{
		Provider:   cfg.Model.Provider,
		BaseURL:    cfg.Model.BaseURL,
		APIKey:     cfg.Model.APIKey,
		APIVersion: cfg.Model.APIVersion,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("model backend: %w", err)
	}
	a.embed, err = engine.New(engine.Backend{
		Provider:   cfg.Embedding.Provider,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		APIVersion: cfg.Embedding.APIVersion,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("embedding backend: %w", err)
	}

	a.embedder = retrieval.NewEmbedder(a.embed, cfg.Embedding.Model, retrieval.EmbedderOptions{
		MaxAttempts: cfg.Embedding.MaxAttempts,
		Timeout:     cfg.Embedding.Timeout,
		Concurrency: cfg.Embedding.Concurrency,
	})
	a.indexer = index.New(retrieval.NewSQLiteStore(store.DB()), a.embedder)
	retriever := retrieval.NewRetriever(a.embedder, retrieval.RetrieverOptions{
		Timeout:  cfg.Retrieval.Timeout,
		MinScore: float32(cfg.Retrieval.MinScore),
	})

	judge := review.NewModelJudge(a.chat, cfg.Model.Name, review.ModelJudgeOptions{
		Concurrency:   cfg.Review.ModelConcurrency,
		Timeout:       cfg.Review.ModelTimeout,
		ContextTokens: cfg.Review.ContextTokens,
	})
	synth := review.NewSynthesizer(judge, cfg.Review.FileConcurrency)

	var recorder pipeline.Recorder = store
	if cfg.Storage.PostgresURL != "" {
		pg, err := pgstore.Connect(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.pg = pg
		if err := pg.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		recorder = pipeline.Recorders{store, pg}
		slog.Info("recording metrics and feedback to postgres")
	}

	publishers := append(pipeline.Publishers{pipeline.NewStorePublisher(store)}, extra...)
	a.runner = pipeline.NewRunner(a.indexer, retriever, linker, synth, recorder, publishers, pipeline.Options{
		TopK:        cfg.Retrieval.TopK,
		FeedbackURL: cfg.Server.FeedbackURL(),
	})
	return a, nil
}

func newLinker(cfg config.Config) (*requirements.Linker, error) {
	patterns, err := requirements.CompilePatterns(cfg.Requirements.TicketPattern, cfg.Requirements.PagePattern)
	if err != nil {
		return nil, fmt.Errorf("requirements: %w", err)
	}
	sources := map[requirements.Kind]requirements.Source{}
	if cfg.Jira.Enabled() {
		sources[requirements.KindTicket] = requirements.NewJiraSource(cfg.Jira.BaseURL,
			requirements.Credentials{User: cfg.Jira.User, Token: cfg.Jira.Token}, cfg.Jira.Timeout)
	}
	if cfg.Confluence.Enabled() {
		sources[requirements.KindWikiPage] = requirements.NewConfluenceSource(cfg.Confluence.BaseURL,
			requirements.Credentials{User: cfg.Confluence.User, Token: cfg.Confluence.Token}, cfg.Confluence.Timeout)
	}
	return requirements.NewLinker(sources, patterns), nil
}

// feedback returns the store ratings are written to.
func (a *app) feedback() api.FeedbackStore {
	if a.pg != nil {
		return a.pg
	}
	return a.store
}

func (a *app) mcpServer() *server.MCPServer {
	return api.NewMCPServer(api.MCPDeps{
		Index:    a.indexer,
		Feedback: a.feedback(),
		Reviews:  a.store,
		Version:  version,
	})
}

// ensureModels pulls missing models on self-hosted backends.
func (a *app) ensureModels(ctx context.Context) error {
	if p, ok := a.chat.(engine.Provisioner); ok {
		if err := engine.EnsureReady(ctx, p, []string{a.cfg.Model.Name}, os.Stderr); err != nil {
			return err
		}
	}
	if p, ok := a.embed.(engine.Provisioner); ok {
		if err := engine.EnsureReady(ctx, p, []string{a.cfg.Embedding.Model}, os.Stderr); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close() {
	if a.pg != nil {
		a.pg.Close()
	}
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}
