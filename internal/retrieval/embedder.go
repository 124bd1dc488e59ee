package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/sentinel/internal/engine"
)

// ErrEmbeddingUnavailable is returned when the embedding backend keeps
// failing after bounded retries.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// ErrDimensionMismatch is returned when the backend starts producing vectors
// of a different size than it did earlier in the process.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

const dimensionProbe = "dimension probe"

// EmbedBackend is the embedding capability.
type EmbedBackend interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// EmbedderOptions bounds the Embedder's calls to the backend.
type EmbedderOptions struct {
	MaxAttempts    int
	Timeout        time.Duration
	Concurrency    int
	InitialBackoff time.Duration
}

// Embedder wraps an embedding backend with a content-addressed cache,
// request coalescing and bounded exponential retry.
type Embedder struct {
	backend EmbedBackend
	model   string
	opts    EmbedderOptions
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string][]float32
	group singleflight.Group
	dims  atomic.Int64
}

// NewEmbedder creates an Embedder using the given backend and model name.
func NewEmbedder(b EmbedBackend, model string, opts EmbedderOptions) *Embedder {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	return &Embedder{
		backend: b,
		model:   model,
		opts:    opts,
		logger:  slog.Default(),
		cache:   make(map[string][]float32),
	}
}

// ContentHash returns the hex SHA-256 of text. It keys embeddings and index
// entries.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Seed primes the cache with a vector already computed for the given hash.
// Vectors whose size differs from the backend's are ignored.
func (e *Embedder) Seed(hash string, vec []float32) {
	if len(vec) == 0 || !e.fits(vec) {
		return
	}
	e.mu.Lock()
	e.cache[hash] = vec
	e.mu.Unlock()
}

// fits reports whether vec matches the backend's embedding size, once known.
func (e *Embedder) fits(vec []float32) bool {
	d := e.dims.Load()
	return d == 0 || int(d) == len(vec)
}

// Dimensions returns the embedding size of the backend, probing it once if
// no vector has been produced yet.
func (e *Embedder) Dimensions(ctx context.Context) (int, error) {
	if d := e.dims.Load(); d > 0 {
		return int(d), nil
	}
	vec, err := e.Embed(ctx, dimensionProbe)
	if err != nil {
		return 0, err
	}
	return len(vec), nil
}

// Embed returns the embedding vector for a single text. Identical content is
// embedded at most once per process.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := ContentHash(text)

	e.mu.RLock()
	vec, ok := e.cache[hash]
	e.mu.RUnlock()
	if ok && e.fits(vec) {
		return vec, nil
	}

	v, err, _ := e.group.Do(hash, func() (interface{}, error) {
		vec, err := e.embedWithRetry(ctx, text)
		if err != nil {
			return nil, err
		}
		if prev := e.dims.Load(); prev > 0 && int(prev) != len(vec) {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), prev)
		}
		e.dims.CompareAndSwap(0, int64(len(vec)))

		e.mu.Lock()
		e.cache[hash] = vec
		e.mu.Unlock()
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (e *Embedder) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	attempt := 0
	op := func() error {
		attempt++
		callCtx := ctx
		if e.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
			defer cancel()
		}
		v, err := e.backend.Embed(callCtx, e.model, text)
		if err != nil {
			if ctx.Err() != nil || !engine.IsTemporary(err) {
				return backoff.Permanent(err)
			}
			e.logger.Debug("embedding attempt failed", "attempt", attempt, "error", err)
			return err
		}
		if len(v) == 0 {
			return backoff.Permanent(errors.New("empty embedding"))
		}
		vec = v
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.opts.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.opts.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w after %d attempt(s): %v", ErrEmbeddingUnavailable, attempt, err)
	}
	return vec, nil
}

// EmbedBatch embeds texts concurrently. A text whose embedding is
// unavailable gets a nil vector; the returned error then joins every
// failure. Context cancellation aborts the batch.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				errs[i] = fmt.Errorf("embedding text %d: %w", i, err)
				return nil
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, errors.Join(errs...)
}
